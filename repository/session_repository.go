package repository

import (
	"context"
	"time"

	"github.com/adewale/keyboardia-sub006/model"

	"gorm.io/gorm"
)

// SessionRepository 会话数据访问接口
type SessionRepository interface {
	// 会话 CRUD
	Create(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	ListActive(ctx context.Context, limit, offset int) ([]*model.Session, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*model.Session, error)
	Close(ctx context.Context, id string) error
	ExistsByID(ctx context.Context, id string) (bool, error)

	// 快照落盘
	SaveSnapshot(ctx context.Context, snapshot *model.SessionSnapshot) error
	UpdateState(ctx context.Context, id string, state *model.SessionState, serverSeq int64, stateHash string) error
	LatestSnapshot(ctx context.Context, sessionID string) (*model.SessionSnapshot, error)
}

// gormSessionRepository GORM 实现
type gormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository 创建 GORM 会话仓库
func NewGormSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

// Create 创建会话
func (r *gormSessionRepository) Create(ctx context.Context, session *model.Session) error {
	return r.db.WithContext(ctx).Create(session).Error
}

// GetByID 根据ID获取活跃会话
func (r *gormSessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, model.SessionStatusActive).
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// ListActive 列出活跃会话
func (r *gormSessionRepository) ListActive(ctx context.Context, limit, offset int) ([]*model.Session, error) {
	var sessions []*model.Session
	err := r.db.WithContext(ctx).
		Where("status = ?", model.SessionStatusActive).
		Order("updated_at DESC").
		Limit(limit).Offset(offset).
		Find(&sessions).Error
	return sessions, err
}

// ListByOwner 列出某用户拥有的会话
func (r *gormSessionRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*model.Session, error) {
	var sessions []*model.Session
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, model.SessionStatusActive).
		Order("updated_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// Close 关闭会话
func (r *gormSessionRepository) Close(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    model.SessionStatusClosed,
			"closed_at": &now,
		}).Error
}

// ExistsByID 检查会话是否存在
func (r *gormSessionRepository) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// SaveSnapshot 保存一份快照历史
func (r *gormSessionRepository) SaveSnapshot(ctx context.Context, snapshot *model.SessionSnapshot) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

// UpdateState 更新会话的最新状态、权威序号与指纹
func (r *gormSessionRepository) UpdateState(ctx context.Context, id string, state *model.SessionState, serverSeq int64, stateHash string) error {
	return r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":      model.SessionStateJSON(*state),
			"server_seq": serverSeq,
			"state_hash": stateHash,
		}).Error
}

// LatestSnapshot 获取最近一份快照
func (r *gormSessionRepository) LatestSnapshot(ctx context.Context, sessionID string) (*model.SessionSnapshot, error) {
	var snapshot model.SessionSnapshot
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("server_seq DESC").
		First(&snapshot).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}
