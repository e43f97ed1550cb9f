package sync

import (
	"fmt"
	stdsync "sync"

	"github.com/adewale/keyboardia-sub006/core/state"
	"github.com/adewale/keyboardia-sub006/logger"
	"github.com/adewale/keyboardia-sub006/model"
)

// Transport 出站边界：协调器只管把信封交出去，
// 帧格式、重连、退避都是传输层的事。
type Transport interface {
	SendMutation(m Mutation) error
}

// Options 协调器参数
type Options struct {
	MutationTimeoutMs int64 // pending 超时阈值
	ConfirmedMaxAgeMs int64 // 快照序号缺失时 confirmed 的兜底年龄
	Clock             Clock // 为空时使用系统时钟
}

// Coordinator 乐观变更协调器：每个会话连接一个实例。
//
// 本地编辑先行应用到本地状态，同时登记到跟踪器并发往权威端；
// 回声确认、抢占信号、快照、定时清理和断线事件都作为离散事件
// 进入这里，内部用互斥锁串行化（读泵和定时器在不同 goroutine 上）。
type Coordinator struct {
	mu        stdsync.Mutex
	tracker   *Tracker
	transport Transport
	clock     Clock
	state     *model.SessionState

	nextSeq          int64 // 连接生命周期内严格递增，不复用
	serverTimeOffset int64 // 估算的权威端时钟偏移（毫秒）
	timeoutMs        int64
}

// NewCoordinator 创建协调器，接管 initial 的所有权
func NewCoordinator(initial *model.SessionState, transport Transport, opts Options) *Coordinator {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	if initial == nil {
		initial = &model.SessionState{}
	}
	return &Coordinator{
		tracker:   NewTracker(opts.ConfirmedMaxAgeMs),
		transport: transport,
		clock:     clock,
		state:     initial,
		timeoutMs: opts.MutationTimeoutMs,
	}
}

// Tracker 暴露跟踪器（诊断与测试用）
func (c *Coordinator) Tracker() *Tracker {
	return c.tracker
}

// LocalEdit 处理一次本地编辑：乐观应用 + 登记 + 发送。
// 返回分配的 seq。发送失败时变更仍保持跟踪，等待超时转为 lost。
func (c *Coordinator) LocalEdit(p Payload) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSeq++
	seq := c.nextSeq
	now := c.clock.NowMs()
	serverEst := now + c.serverTimeOffset

	Apply(c.state, p)

	// 锁内登记，保证跟踪顺序与 seq 分配顺序一致
	c.tracker.Track(seq, p, now, serverEst)

	m, err := EncodeMutation(seq, p, now, serverEst)
	if err != nil {
		return seq, err
	}
	if err := c.transport.SendMutation(m); err != nil {
		return seq, fmt.Errorf("failed to send mutation seq=%d: %w", seq, err)
	}
	return seq, nil
}

// HandleEcho 处理权威端的确认回声
func (c *Coordinator) HandleEcho(seq, serverSeq int64) bool {
	return c.tracker.Confirm(seq, serverSeq)
}

// HandleSuperseded 处理权威端的抢占信号
func (c *Coordinator) HandleSuperseded(seq, byUserID int64) bool {
	return c.tracker.MarkSuperseded(seq, byUserID)
}

// HandleRemote 处理其他成员的变更广播：应用到本地状态，并做
// 客户端侧的兜底抢占检测——远端编辑命中本地 pending 同目标时，
// 本地那笔按被抢占处理（权威端通常已先发显式信号，此处幂等兜底）。
func (c *Coordinator) HandleRemote(m Mutation) error {
	p, err := m.DecodePayload()
	if err != nil {
		return err
	}

	c.mu.Lock()
	Apply(c.state, p)
	c.mu.Unlock()

	if tm, ok := c.tracker.FindPending(p.Target()); ok {
		c.tracker.MarkSuperseded(tm.Seq, m.PlayerID)
	}
	return nil
}

// HandleSnapshot 处理权威快照：整体替换本地权威状态，
// 再清理可证明已被快照包含的 confirmed 变更。返回清理数量。
// 快照之后新到的 pending 变更与快照的合并属于 UI 归约器的职责。
func (c *Coordinator) HandleSnapshot(snap *model.SessionState, serverSeq int64) int {
	c.mu.Lock()
	*c.state = *snap.Clone()
	c.mu.Unlock()

	cleared := c.tracker.ClearOnSnapshot(serverSeq, c.clock.NowMs())
	if cleared > 0 {
		logger.Debug("cleared confirmed mutations on snapshot",
			logger.Int("cleared", cleared),
			logger.Int64("snapshotServerSeq", serverSeq))
	}
	return cleared
}

// PruneTick 定时清理超时的 pending 变更
func (c *Coordinator) PruneTick() int {
	return c.tracker.PruneOld(c.clock.NowMs(), c.timeoutMs)
}

// Disconnect 断线：清空跟踪状态并重置序号空间，
// 重连后从全新序号开始。
func (c *Coordinator) Disconnect() {
	c.tracker.Clear()

	c.mu.Lock()
	c.nextSeq = 0
	c.mu.Unlock()
}

// SetServerTimeOffset 更新权威端时钟偏移估算
func (c *Coordinator) SetServerTimeOffset(offsetMs int64) {
	c.mu.Lock()
	c.serverTimeOffset = offsetMs
	c.mu.Unlock()
}

// Stats 返回跟踪计数
func (c *Coordinator) Stats() Stats {
	return c.tracker.Stats()
}

// StateSnapshot 返回本地状态的深拷贝
func (c *Coordinator) StateSnapshot() *model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// StateHash 返回本地状态的规范化指纹，用于与权威端做分歧预检
func (c *Coordinator) StateHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return state.HashState(c.state)
}
