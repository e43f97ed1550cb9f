package sync

import (
	"sort"
	stdsync "sync"

	"github.com/adewale/keyboardia-sub006/logger"
)

// MutationState 变更生命周期状态
type MutationState string

const (
	StatePending    MutationState = "pending"
	StateConfirmed  MutationState = "confirmed"
	StateSuperseded MutationState = "superseded"
	StateLost       MutationState = "lost"
)

// TrackedMutation 一条在途变更的跟踪记录。
// ConfirmedAtServerSeq 为 0 表示未知（权威序号从 1 开始分配）。
type TrackedMutation struct {
	Seq                  int64
	Payload              Payload
	SentAt               int64 // 本地发送时间（毫秒）
	SentAtServerEst      int64 // 估算的权威端时钟发送时间（毫秒）
	State                MutationState
	ConfirmedAtServerSeq int64
}

// Stats 变更计数。Pending/Confirmed 每次从存活映射现算，
// Superseded/Lost 是累计计数（对应条目已从映射移除）。
type Stats struct {
	Pending    int `json:"pending"`
	Confirmed  int `json:"confirmed"`
	Superseded int `json:"superseded"`
	Lost       int `json:"lost"`
}

// Tracker 在途变更跟踪器。
//
// 状态机：pending -> confirmed / superseded / lost。
// superseded 和 lost 是终态，转移时立即从映射移除，只留累计计数；
// confirmed 保留在映射里，直到某个快照可证明已包含其效果
// （ClearOnSnapshot），过早删除遇上竞争的快照加载会悄悄吞掉编辑。
//
// 每个连接一个实例，由持有连接的协调器独占；不用全局单例。
// Pending/Confirmed 计数永远从映射现算，避免手工增减计数漂移。
type Tracker struct {
	mu                stdsync.Mutex
	mutations         map[int64]*TrackedMutation
	superseded        int
	lost              int
	confirmedMaxAgeMs int64

	// 权威端按自己的接收顺序分配确认序号，同一连接上后到的确认
	// 序号应当不减；违反只告警，不拒绝。
	lastConfirmedServerSeq int64
}

// NewTracker 创建跟踪器。confirmedMaxAgeMs 是快照缺少序号信息时
// confirmed 条目的兜底清理年龄。
func NewTracker(confirmedMaxAgeMs int64) *Tracker {
	return &Tracker{
		mutations:         make(map[int64]*TrackedMutation),
		confirmedMaxAgeMs: confirmedMaxAgeMs,
	}
}

// Track 登记一条新的 pending 变更。
// seq 已存在时为无操作（保留原负载与时间戳）：pending 计数不会
// 因重复登记翻倍，原始发送时间保持可用于超时判定。
func (t *Tracker) Track(seq int64, p Payload, sentAt, sentAtServerEst int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.mutations[seq]; exists {
		logger.Warn("duplicate track call ignored", logger.Int64("seq", seq))
		return
	}

	t.mutations[seq] = &TrackedMutation{
		Seq:             seq,
		Payload:         p,
		SentAt:          sentAt,
		SentAtServerEst: sentAtServerEst,
		State:           StatePending,
	}
}

// Confirm 把 pending 变更转为 confirmed，记录权威端确认序号
// （serverSeq 为 0 表示未知）。seq 不存在或已不处于 pending 时
// 无效果并返回 false——重复确认是值得暴露的协议异常，不静默吞掉。
func (t *Tracker) Confirm(seq, serverSeq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.mutations[seq]
	if !ok || m.State != StatePending {
		logger.Warn("confirm for unknown or non-pending mutation",
			logger.Int64("seq", seq),
			logger.Int64("serverSeq", serverSeq))
		return false
	}

	if serverSeq > 0 {
		if serverSeq < t.lastConfirmedServerSeq {
			// 协议异常：确认序号理应不减
			logger.Warn("out-of-order confirmation server seq",
				logger.Int64("seq", seq),
				logger.Int64("serverSeq", serverSeq),
				logger.Int64("lastConfirmedServerSeq", t.lastConfirmedServerSeq))
		} else {
			t.lastConfirmedServerSeq = serverSeq
		}
	}

	m.State = StateConfirmed
	m.ConfirmedAtServerSeq = serverSeq
	return true
}

// MarkSuperseded 把 pending 变更标记为被抢占并移除。
// 多人编辑里别人先改了同一目标是正常结果，不是错误。
func (t *Tracker) MarkSuperseded(seq, byUserID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.mutations[seq]
	if !ok || m.State != StatePending {
		return false
	}

	delete(t.mutations, seq)
	t.superseded++
	logger.Debug("mutation superseded",
		logger.Int64("seq", seq),
		logger.Int64("byUser", byUserID))
	return true
}

// MarkLost 把 pending 变更标记为丢失并移除。
// 丢失意味着编辑从未被确认，属于值得关注的协议层问题。
func (t *Tracker) MarkLost(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.markLostLocked(seq)
}

func (t *Tracker) markLostLocked(seq int64) bool {
	m, ok := t.mutations[seq]
	if !ok || m.State != StatePending {
		return false
	}

	delete(t.mutations, seq)
	t.lost++
	logger.Warn("mutation lost without acknowledgement",
		logger.Int64("seq", seq),
		logger.String("kind", string(m.Payload.Kind())))
	return true
}

// PruneOld 扫描所有 pending 变更，发送时间早于 now-timeoutMs 的
// 转为 lost。返回清理数量。可反复调用：转移即移除，不会重复计数。
func (t *Tracker) PruneOld(now, timeoutMs int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []int64
	for seq, m := range t.mutations {
		if m.State == StatePending && now-m.SentAt > timeoutMs {
			expired = append(expired, seq)
		}
	}
	for _, seq := range expired {
		t.markLostLocked(seq)
	}
	return len(expired)
}

// ClearOnSnapshot 在权威快照到达时清理可证明已包含的 confirmed 变更。
//
// 对每条 confirmed 变更：若确认序号与快照序号都已知，
// confirmedAtServerSeq <= snapshotServerSeq 则快照生成于其效果应用
// 之后，可安全移除（留着反而可能在后续 diff 中重复计账）；否则保留，
// 除非年龄超过兜底上限——序号缺失时靠最大年龄防止条目永久滞留，
// 这是最终一致而非严格正确的折中。
//
// pending 变更永远不碰：未确认的变更可能还在途中丢失，也可能落在
// 快照之后，只有确认才能证明包含资格。snapshotServerSeq 为 0 表示
// 快照未携带序号。返回清理数量。
func (t *Tracker) ClearOnSnapshot(snapshotServerSeq, now int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cleared := 0
	for seq, m := range t.mutations {
		if m.State != StateConfirmed {
			continue
		}

		if m.ConfirmedAtServerSeq > 0 && snapshotServerSeq > 0 {
			if m.ConfirmedAtServerSeq <= snapshotServerSeq {
				delete(t.mutations, seq)
				cleared++
			}
			continue
		}

		// 序号信息不全，走年龄兜底
		if now-m.SentAt > t.confirmedMaxAgeMs {
			logger.Warn("clearing stale confirmed mutation without seq info",
				logger.Int64("seq", seq),
				logger.Int64("ageMs", now-m.SentAt))
			delete(t.mutations, seq)
			cleared++
		}
	}
	return cleared
}

// Stats 返回计数。pending/confirmed 从存活映射现算，保证与映射一致。
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{Superseded: t.superseded, Lost: t.lost}
	for _, m := range t.mutations {
		switch m.State {
		case StatePending:
			s.Pending++
		case StateConfirmed:
			s.Confirmed++
		}
	}
	return s
}

// Get 按 seq 查找，返回副本
func (t *Tracker) Get(seq int64) (TrackedMutation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.mutations[seq]
	if !ok {
		return TrackedMutation{}, false
	}
	return *m, true
}

// FindPending 查找命中目标的 pending 变更，用于对照新到的远端编辑
// 做冲突/抢占检测。同目标有多条 pending 时返回 seq 最大的一条
// （同一客户端对同一步的连续编辑按合并处理，以最新一笔为准）。
func (t *Tracker) FindPending(target Target) (TrackedMutation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *TrackedMutation
	for _, m := range t.mutations {
		if m.State != StatePending {
			continue
		}
		if m.Payload.Target() != target {
			continue
		}
		if best == nil || m.Seq > best.Seq {
			best = m
		}
	}
	if best == nil {
		return TrackedMutation{}, false
	}
	return *best, true
}

// Dump 导出全部存活条目（诊断用），按 seq 升序
func (t *Tracker) Dump() []TrackedMutation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TrackedMutation, 0, len(t.mutations))
	for _, m := range t.mutations {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Clear 硬重置：断线时调用，权威端不再跟踪旧连接的序号空间
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mutations = make(map[int64]*TrackedMutation)
	t.lastConfirmedServerSeq = 0
}
