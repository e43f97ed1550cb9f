package session

import (
	"context"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/adewale/keyboardia-sub006/cache"
	"github.com/adewale/keyboardia-sub006/core/state"
	"github.com/adewale/keyboardia-sub006/logger"
	"github.com/adewale/keyboardia-sub006/model"
	"github.com/adewale/keyboardia-sub006/repository"

	"github.com/google/uuid"
)

// Manager 会话管理器：负责会话生命周期与权威 actor 的按需启动
type Manager struct {
	repo  repository.SessionRepository
	cache *cache.SessionCache
	hub   *Hub

	snapshotInterval time.Duration

	mu          stdsync.Mutex
	authorities map[string]*Authority
}

// NewManager 创建会话管理器
func NewManager(repo repository.SessionRepository, sessionCache *cache.SessionCache,
	hub *Hub, snapshotInterval time.Duration) *Manager {
	return &Manager{
		repo:             repo,
		cache:            sessionCache,
		hub:              hub,
		snapshotInterval: snapshotInterval,
		authorities:      make(map[string]*Authority),
	}
}

// generateSessionID 生成8位会话ID
func generateSessionID() string {
	return strings.ToUpper(uuid.New().String()[:8])
}

// CreateSession 创建新会话
func (m *Manager) CreateSession(ctx context.Context, ownerID int64, name string) (*model.Session, error) {
	// 避免ID撞车，最多重试3次
	var sessionID string
	for i := 0; i < 3; i++ {
		candidate := generateSessionID()
		exists, err := m.repo.ExistsByID(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("failed to check session id: %w", err)
		}
		if !exists {
			sessionID = candidate
			break
		}
	}
	if sessionID == "" {
		return nil, fmt.Errorf("failed to allocate session id")
	}

	initial := defaultSessionState()
	session := &model.Session{
		ID:        sessionID,
		Name:      name,
		OwnerID:   ownerID,
		Status:    model.SessionStatusActive,
		ServerSeq: 0,
		State:     model.SessionStateJSON(*initial),
		StateHash: state.HashState(initial),
	}

	if err := m.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info("session created",
		logger.String("session", sessionID),
		logger.Int64("owner", ownerID),
		logger.String("name", name))

	return session, nil
}

// defaultSessionState 新会话的初始状态：四条空音轨
func defaultSessionState() *model.SessionState {
	tracks := make([]model.TrackState, 0, 4)
	for i, name := range []string{"Kick", "Snare", "Hat", "Bass"} {
		tracks = append(tracks, model.TrackState{
			ID:     fmt.Sprintf("track-%d", i+1),
			Name:   name,
			Steps:  make([]bool, model.DefaultStepCount),
			Params: make([]*model.StepParams, model.DefaultStepCount),
			Volume: 1.0,
		})
	}
	return &model.SessionState{
		Tempo:  120,
		Tracks: tracks,
	}
}

// GetSession 获取会话
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return m.repo.GetByID(ctx, sessionID)
}

// ListSessions 列出活跃会话，并附带在线人数
func (m *Manager) ListSessions(ctx context.Context, limit, offset int) ([]*model.SessionInfo, error) {
	sessions, err := m.repo.ListActive(ctx, limit, offset)
	if err != nil {
		return nil, err
	}

	infos := make([]*model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		count, err := m.cache.GetActiveOnlineCount(ctx, s.ID)
		if err != nil {
			logger.Warn("failed to get online count",
				logger.ErrorField(err),
				logger.String("session", s.ID))
		}
		infos = append(infos, &model.SessionInfo{
			Session:     *s,
			MemberCount: int(count),
		})
	}
	return infos, nil
}

// Authority 获取会话的权威 actor，没有运行则加载状态并启动。
// 加载顺序：Redis 热态 -> MySQL 会话记录，并校验落盘指纹。
func (m *Manager) Authority(ctx context.Context, sessionID string) (*Authority, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.authorities[sessionID]; ok {
		return a, nil
	}

	session, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	st, serverSeq := m.loadState(ctx, session)

	a := NewAuthority(sessionID, st, serverSeq, m.hub, m.cache, m.repo, m.snapshotInterval)
	m.authorities[sessionID] = a
	go a.Run()

	logger.Info("session authority started",
		logger.String("session", sessionID),
		logger.Int64("serverSeq", serverSeq))

	return a, nil
}

// loadState 恢复会话权威状态：优先 Redis 热态，退回 MySQL。
// 数据库状态需通过指纹校验，不一致时退回最近一份合法快照。
func (m *Manager) loadState(ctx context.Context, session *model.Session) (*model.SessionState, int64) {
	if st, seq, err := m.cache.GetState(ctx, session.ID); err != nil {
		logger.Warn("failed to read session cache",
			logger.ErrorField(err),
			logger.String("session", session.ID))
	} else if st != nil && seq >= session.ServerSeq {
		return st, seq
	}

	st := model.SessionState(session.State)
	if session.StateHash != "" {
		if got := state.HashState(&st); got != session.StateHash {
			logger.Error("persisted state fingerprint mismatch",
				logger.String("session", session.ID),
				logger.String("expected", session.StateHash),
				logger.String("got", got))
			if snap, err := m.repo.LatestSnapshot(ctx, session.ID); err == nil && snap != nil {
				snapState := model.SessionState(snap.State)
				if state.HashState(&snapState) == snap.StateHash {
					return &snapState, snap.ServerSeq
				}
			}
		}
	}
	return &st, session.ServerSeq
}

// CloseSession 关闭会话（仅限创建者），停掉权威并清缓存
func (m *Manager) CloseSession(ctx context.Context, sessionID string, userID int64) error {
	session, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if session.OwnerID != userID {
		return fmt.Errorf("only the session owner can close it")
	}

	m.mu.Lock()
	if a, ok := m.authorities[sessionID]; ok {
		a.Stop()
		delete(m.authorities, sessionID)
	}
	m.mu.Unlock()

	if err := m.repo.Close(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if err := m.cache.DeleteState(ctx, sessionID); err != nil {
		logger.Warn("failed to clear session cache",
			logger.ErrorField(err),
			logger.String("session", sessionID))
	}

	logger.Info("session closed", logger.String("session", sessionID))
	return nil
}

// Shutdown 停掉所有权威 actor（各自会做最后一次落盘）
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.authorities {
		a.Stop()
		delete(m.authorities, id)
	}
}
