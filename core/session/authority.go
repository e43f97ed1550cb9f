package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adewale/keyboardia-sub006/cache"
	"github.com/adewale/keyboardia-sub006/core/state"
	csync "github.com/adewale/keyboardia-sub006/core/sync"
	"github.com/adewale/keyboardia-sub006/logger"
	"github.com/adewale/keyboardia-sub006/model"
	"github.com/adewale/keyboardia-sub006/repository"
)

// lastWrite 某个编辑目标最近一次成功写入的记录，用于抢占判定
type lastWrite struct {
	serverSeq   int64
	playerID    int64
	appliedAtMs int64
}

// inboundMutation 待定序的客户端变更
type inboundMutation struct {
	client *Client
	mut    csync.Mutation
}

// Authority 会话权威：每个活跃会话一个 actor goroutine。
//
// 所有变更经由 inbound 通道进入，单线程定序后应用到权威状态：
// 分配严格递增的 serverSeq，给发送者回确认回声，向其他成员广播变更，
// 周期性广播快照并落盘（Redis 热态 + MySQL 快照历史）。
// 状态只归这个 goroutine 所有，外部不直接改。
type Authority struct {
	sessionID string
	hub       *Hub
	cache     *cache.SessionCache
	repo      repository.SessionRepository

	st        *model.SessionState
	serverSeq int64

	// 目标 -> 最近写入，用于判定"别人先改了同一目标"
	lastWrites map[csync.Target]lastWrite

	inbound          chan inboundMutation
	snapshotInterval time.Duration
	lastPersistedSeq int64
	done             chan struct{}
}

// NewAuthority 创建会话权威，接管 initial 的所有权
func NewAuthority(sessionID string, initial *model.SessionState, serverSeq int64,
	hub *Hub, sessionCache *cache.SessionCache, repo repository.SessionRepository,
	snapshotInterval time.Duration) *Authority {

	if initial == nil {
		initial = &model.SessionState{}
	}
	return &Authority{
		sessionID:        sessionID,
		hub:              hub,
		cache:            sessionCache,
		repo:             repo,
		st:               initial,
		serverSeq:        serverSeq,
		lastWrites:       make(map[csync.Target]lastWrite),
		inbound:          make(chan inboundMutation, 256),
		snapshotInterval: snapshotInterval,
		lastPersistedSeq: serverSeq,
		done:             make(chan struct{}),
	}
}

// Submit 把客户端变更投递给权威定序。通道满时丢弃并告警，
// 客户端侧会在超时后把该变更记为 lost。
func (a *Authority) Submit(client *Client, mut csync.Mutation) {
	select {
	case a.inbound <- inboundMutation{client: client, mut: mut}:
	default:
		logger.Warn("authority inbound queue full, dropping mutation",
			logger.String("session", a.sessionID),
			logger.Int64("user", client.UserID),
			logger.Int64("seq", mut.Seq))
	}
}

// Run 权威主循环
func (a *Authority) Run() {
	ticker := time.NewTicker(a.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-a.inbound:
			a.handleMutation(in.client, in.mut)

		case <-ticker.C:
			a.snapshot()

		case <-a.done:
			// 关闭前做最后一次落盘
			a.snapshot()
			return
		}
	}
}

// Stop 停止权威
func (a *Authority) Stop() {
	close(a.done)
}

// handleMutation 定序并应用一条变更
func (a *Authority) handleMutation(client *Client, mut csync.Mutation) {
	if mut.Kind == kindSnapshotRequest {
		a.sendSnapshotTo(client)
		return
	}

	p, err := mut.DecodePayload()
	if err != nil {
		logger.Warn("rejecting malformed mutation",
			logger.ErrorField(err),
			logger.String("session", a.sessionID),
			logger.Int64("user", client.UserID))
		a.sendError(client, "malformed mutation")
		return
	}

	// 抢占判定：同一目标已被其他成员写过，且这笔变更是在那次写入
	// 之前发出的（按发送者估算的权威时钟），说明发送者没看到对方的
	// 编辑就发出了自己的——对方赢，这笔按被抢占处理。
	target := p.Target()
	if lw, ok := a.lastWrites[target]; ok &&
		lw.playerID != client.UserID &&
		mut.SentAtServerEst > 0 && mut.SentAtServerEst <= lw.appliedAtMs {

		data, _ := json.Marshal(&SupersededData{Seq: mut.Seq, ByPlayerID: lw.playerID})
		client.SendMessage(&WSMessage{
			Type:      MsgTypeSuperseded,
			SessionID: a.sessionID,
			Data:      data,
		})
		return
	}

	if !csync.Apply(a.st, p) {
		// 目标不存在（例如针对已删除音轨的编辑），不消耗序号
		logger.Warn("mutation had no effect",
			logger.String("session", a.sessionID),
			logger.Int64("user", client.UserID),
			logger.String("kind", string(mut.Kind)))
		a.sendError(client, "mutation target not found")
		return
	}

	a.serverSeq++
	a.lastWrites[target] = lastWrite{
		serverSeq:   a.serverSeq,
		playerID:    client.UserID,
		appliedAtMs: time.Now().UnixMilli(),
	}

	// 给发送者回确认回声
	echoData, _ := json.Marshal(&EchoData{Seq: mut.Seq, ServerSeq: a.serverSeq})
	client.SendMessage(&WSMessage{
		Type:      MsgTypeMutationEcho,
		SessionID: a.sessionID,
		Data:      echoData,
	})

	// 向其他成员广播（带上操作者ID，客户端用于冲突兜底检测）
	mut.PlayerID = client.UserID
	mutData, _ := json.Marshal(&mut)
	a.hub.BroadcastWSMessage(a.sessionID, &WSMessage{
		Type:      MsgTypeMutation,
		SessionID: a.sessionID,
		UserID:    client.UserID,
		Username:  client.Username,
		Data:      mutData,
	}, client.UserID)
}

// snapshot 广播并持久化当前权威状态。
// 快照带上生成时的 serverSeq，客户端据此清理已包含的 confirmed 变更。
func (a *Authority) snapshot() {
	if a.serverSeq == a.lastPersistedSeq {
		return // 没有新变更
	}

	hash := state.HashState(a.st)

	data, err := json.Marshal(&SnapshotData{
		State:     a.st,
		ServerSeq: a.serverSeq,
		StateHash: hash,
	})
	if err != nil {
		logger.Error("failed to marshal snapshot",
			logger.ErrorField(err),
			logger.String("session", a.sessionID))
		return
	}

	a.hub.BroadcastWSMessage(a.sessionID, &WSMessage{
		Type:      MsgTypeSnapshot,
		SessionID: a.sessionID,
		Data:      data,
	}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.cache.SetState(ctx, a.sessionID, a.st, a.serverSeq); err != nil {
		logger.Warn("failed to cache session state",
			logger.ErrorField(err),
			logger.String("session", a.sessionID))
	}

	if err := a.repo.UpdateState(ctx, a.sessionID, a.st, a.serverSeq, hash); err != nil {
		logger.Error("failed to persist session state",
			logger.ErrorField(err),
			logger.String("session", a.sessionID))
		return
	}
	if err := a.repo.SaveSnapshot(ctx, &model.SessionSnapshot{
		SessionID: a.sessionID,
		ServerSeq: a.serverSeq,
		StateHash: hash,
		State:     model.SessionStateJSON(*a.st.Clone()),
	}); err != nil {
		logger.Warn("failed to save snapshot history",
			logger.ErrorField(err),
			logger.String("session", a.sessionID))
	}

	a.lastPersistedSeq = a.serverSeq

	logger.Debug("session snapshot persisted",
		logger.String("session", a.sessionID),
		logger.Int64("serverSeq", a.serverSeq),
		logger.String("stateHash", hash))
}

// sendSnapshotTo 向单个客户端下发当前快照（新加入或重连的成员）
func (a *Authority) sendSnapshotTo(client *Client) {
	data, err := json.Marshal(&SnapshotData{
		State:     a.st,
		ServerSeq: a.serverSeq,
		StateHash: state.HashState(a.st),
	})
	if err != nil {
		logger.Error("failed to marshal snapshot",
			logger.ErrorField(err),
			logger.String("session", a.sessionID))
		return
	}
	client.SendMessage(&WSMessage{
		Type:      MsgTypeSnapshot,
		SessionID: a.sessionID,
		Data:      data,
	})
}

func (a *Authority) sendError(client *Client, msg string) {
	data, _ := json.Marshal(&ErrorData{Message: msg})
	client.SendMessage(&WSMessage{
		Type:      MsgTypeError,
		SessionID: a.sessionID,
		Data:      data,
	})
}

// RequestSnapshot 请求向指定客户端单独下发一份当前快照
// （新加入或重连的成员用，经 inbound 串行化保证一致性）
func (a *Authority) RequestSnapshot(client *Client) {
	select {
	case a.inbound <- inboundMutation{client: client, mut: csync.Mutation{Kind: kindSnapshotRequest}}:
	default:
		logger.Warn("authority inbound queue full, dropping snapshot request",
			logger.String("session", a.sessionID),
			logger.Int64("user", client.UserID))
	}
}

// kindSnapshotRequest 内部伪变更类型，用于把快照请求排进定序通道
const kindSnapshotRequest csync.MutationKind = "_snapshot_request"
