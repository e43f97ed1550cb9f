package agent

import (
	"encoding/json"
	"fmt"
	"net/url"
	stdsync "sync"
	"time"

	"github.com/adewale/keyboardia-sub006/core/session"
	csync "github.com/adewale/keyboardia-sub006/core/sync"
	"github.com/adewale/keyboardia-sub006/logger"

	"github.com/gorilla/websocket"
)

// Options 无头客户端参数
type Options struct {
	ServerURL string // ws://host:port
	Token     string // JWT
	SessionID string

	MutationTimeoutMs int64
	ConfirmedMaxAgeMs int64
	PruneIntervalMs   int64
	PingIntervalMs    int64
}

// Agent 无头会话客户端：连上权威端，跑一个本地乐观协调器。
// 可作为机器人成员使用，也用于联调和压测。
type Agent struct {
	opts  Options
	coord *csync.Coordinator

	conn    *websocket.Conn
	writeMu stdsync.Mutex

	mu         stdsync.Mutex
	pingSentMs int64

	done     chan struct{}
	stopOnce stdsync.Once
}

// New 创建无头客户端
func New(opts Options) *Agent {
	if opts.PruneIntervalMs <= 0 {
		opts.PruneIntervalMs = 10000
	}
	if opts.PingIntervalMs <= 0 {
		opts.PingIntervalMs = 25000
	}
	a := &Agent{
		opts: opts,
		done: make(chan struct{}),
	}
	a.coord = csync.NewCoordinator(nil, a, csync.Options{
		MutationTimeoutMs: opts.MutationTimeoutMs,
		ConfirmedMaxAgeMs: opts.ConfirmedMaxAgeMs,
	})
	return a
}

// SendMutation 实现协调器的出站边界：把变更信封包进 WS 消息发出去
func (a *Agent) SendMutation(m csync.Mutation) error {
	data, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation: %w", err)
	}
	return a.writeMessage(&session.WSMessage{
		Type:      session.MsgTypeMutation,
		SessionID: a.opts.SessionID,
		Data:      data,
	})
}

func (a *Agent) writeMessage(msg *session.WSMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// Connect 建立连接并启动读循环与定时器
func (a *Agent) Connect() error {
	u, err := url.Parse(a.opts.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	u.Path = fmt.Sprintf("/ws/sessions/%s", a.opts.SessionID)
	q := u.Query()
	q.Set("token", a.opts.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}

	a.writeMu.Lock()
	a.conn = conn
	a.writeMu.Unlock()

	go a.readLoop()
	go a.tickLoop()

	logger.Info("agent connected",
		logger.String("session", a.opts.SessionID),
		logger.String("server", a.opts.ServerURL))
	return nil
}

// Edit 发起一次本地编辑
func (a *Agent) Edit(p csync.Payload) (int64, error) {
	return a.coord.LocalEdit(p)
}

// Stats 当前跟踪计数
func (a *Agent) Stats() csync.Stats {
	return a.coord.Stats()
}

// StateHash 本地状态指纹
func (a *Agent) StateHash() string {
	return a.coord.StateHash()
}

// Coordinator 暴露协调器（联调用）
func (a *Agent) Coordinator() *csync.Coordinator {
	return a.coord
}

// Close 断开连接并复位协调器
func (a *Agent) Close() {
	a.stopOnce.Do(func() {
		close(a.done)
	})

	a.writeMu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.writeMu.Unlock()

	a.coord.Disconnect()
}

// readLoop 读循环：分发权威端下行消息
func (a *Agent) readLoop() {
	for {
		a.writeMu.Lock()
		conn := a.conn
		a.writeMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-a.done:
			default:
				logger.Warn("agent connection lost", logger.ErrorField(err))
				a.Close()
			}
			return
		}

		var msg session.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("agent received malformed message", logger.ErrorField(err))
			continue
		}
		a.handleMessage(&msg)
	}
}

func (a *Agent) handleMessage(msg *session.WSMessage) {
	switch msg.Type {
	case session.MsgTypeMutationEcho:
		var echo session.EchoData
		if err := json.Unmarshal(msg.Data, &echo); err != nil {
			logger.Warn("malformed echo", logger.ErrorField(err))
			return
		}
		a.coord.HandleEcho(echo.Seq, echo.ServerSeq)

	case session.MsgTypeSuperseded:
		var sup session.SupersededData
		if err := json.Unmarshal(msg.Data, &sup); err != nil {
			logger.Warn("malformed superseded signal", logger.ErrorField(err))
			return
		}
		a.coord.HandleSuperseded(sup.Seq, sup.ByPlayerID)

	case session.MsgTypeMutation:
		var mut csync.Mutation
		if err := json.Unmarshal(msg.Data, &mut); err != nil {
			logger.Warn("malformed remote mutation", logger.ErrorField(err))
			return
		}
		if err := a.coord.HandleRemote(mut); err != nil {
			logger.Warn("failed to apply remote mutation", logger.ErrorField(err))
		}

	case session.MsgTypeSnapshot:
		var snap session.SnapshotData
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			logger.Warn("malformed snapshot", logger.ErrorField(err))
			return
		}
		a.coord.HandleSnapshot(snap.State, snap.ServerSeq)
		// 指纹比对：本地应当与权威端一致（快照刚整体替换过）
		if local := a.coord.StateHash(); snap.StateHash != "" && local != snap.StateHash {
			logger.Error("state diverged from authority",
				logger.String("session", a.opts.SessionID),
				logger.String("local", local),
				logger.String("authority", snap.StateHash))
		}

	case session.MsgTypePong:
		a.handlePong(msg.Timestamp)

	case session.MsgTypeError:
		var e session.ErrorData
		if err := json.Unmarshal(msg.Data, &e); err == nil {
			logger.Warn("authority rejected request", logger.String("message", e.Message))
		}
	}
}

// handlePong 用心跳往返估算权威端时钟偏移
func (a *Agent) handlePong(serverTs int64) {
	a.mu.Lock()
	sent := a.pingSentMs
	a.mu.Unlock()
	if sent == 0 || serverTs == 0 {
		return
	}

	now := time.Now().UnixMilli()
	offset := serverTs - (sent+now)/2
	a.coord.SetServerTimeOffset(offset)
}

// tickLoop 定时清理超时变更、发心跳
func (a *Agent) tickLoop() {
	prune := time.NewTicker(time.Duration(a.opts.PruneIntervalMs) * time.Millisecond)
	ping := time.NewTicker(time.Duration(a.opts.PingIntervalMs) * time.Millisecond)
	defer prune.Stop()
	defer ping.Stop()

	for {
		select {
		case <-prune.C:
			if n := a.coord.PruneTick(); n > 0 {
				logger.Warn("pruned timed-out mutations", logger.Int("count", n))
			}

		case <-ping.C:
			now := time.Now().UnixMilli()
			a.mu.Lock()
			a.pingSentMs = now
			a.mu.Unlock()
			if err := a.writeMessage(&session.WSMessage{
				Type:      session.MsgTypePing,
				SessionID: a.opts.SessionID,
				Timestamp: now,
			}); err != nil {
				logger.Warn("failed to send ping", logger.ErrorField(err))
			}

		case <-a.done:
			return
		}
	}
}
