package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// SessionStateJSON 自定义类型用于 GORM JSON 字段的自动扫描
type SessionStateJSON SessionState

// Scan 实现 sql.Scanner 接口
func (s *SessionStateJSON) Scan(value interface{}) error {
	if value == nil {
		*s = SessionStateJSON{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*s = SessionStateJSON{}
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*s = SessionStateJSON{}
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Value 实现 driver.Valuer 接口
func (s SessionStateJSON) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Session 协作会话
type Session struct {
	ID        string           `json:"id" gorm:"primaryKey;size:8"`
	Name      string           `json:"name" gorm:"size:100;not null"`
	OwnerID   int64            `json:"ownerId" gorm:"index;not null"`
	Status    string           `json:"status" gorm:"size:20;default:'active';index"` // active, closed
	ServerSeq int64            `json:"serverSeq" gorm:"default:0"`                   // 最近一次落盘时的权威序号
	State     SessionStateJSON `json:"state" gorm:"type:json"`
	StateHash string           `json:"stateHash" gorm:"size:8"` // 落盘时的规范化指纹
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	ClosedAt  *time.Time       `json:"closedAt,omitempty"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "sessions"
}

// SessionSnapshot 会话快照历史（审计与恢复用）
type SessionSnapshot struct {
	ID        int64            `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID string           `json:"sessionId" gorm:"size:8;index;not null"`
	ServerSeq int64            `json:"serverSeq" gorm:"not null"`
	StateHash string           `json:"stateHash" gorm:"size:8;not null"`
	State     SessionStateJSON `json:"state" gorm:"type:json"`
	CreatedAt time.Time        `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (SessionSnapshot) TableName() string {
	return "session_snapshots"
}

// ========== 非持久化结构（用于 Redis 和 WebSocket） ==========

// MemberOnline 在线成员信息（Redis 缓存）
type MemberOnline struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"` // owner, member
	JoinedAt int64  `json:"joinedAt"`
}

// SessionInfo 会话完整信息（API 响应用）
type SessionInfo struct {
	Session
	OwnerName   string         `json:"ownerName"`
	MemberCount int            `json:"memberCount"`
	Members     []MemberOnline `json:"members,omitempty"`
}

// ========== 常量定义 ==========

const (
	// 会话状态
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"

	// 成员角色
	SessionRoleOwner  = "owner"
	SessionRoleMember = "member"
)
