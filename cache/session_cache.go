package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/adewale/keyboardia-sub006/model"

	"github.com/redis/go-redis/v9"
)

const (
	sessionStateKey    = "session:%s:state"       // String: SessionState JSON
	sessionSeqKey      = "session:%s:server_seq"  // String: 权威序号
	sessionMembersKey  = "session:%s:members"     // Hash: userID -> MemberOnline JSON
	sessionPresenceKey = "session:%s:presence:%d" // String: 心跳 key
	sessionPresenceSet = "session:%s:online"      // Set: 在线用户集合
	sessionTTL         = 24 * time.Hour
	presenceTTL        = 60 * time.Second // 心跳过期时间
)

// SessionCache 会话缓存操作
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache 创建会话缓存
func NewSessionCache() *SessionCache {
	return &SessionCache{client: RedisClient}
}

// ========== 权威状态 ==========

// SetState 写入会话的权威状态与序号
func (c *SessionCache) SetState(ctx context.Context, sessionID string, state *model.SessionState, serverSeq int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(sessionStateKey, sessionID), data, sessionTTL)
	pipe.Set(ctx, fmt.Sprintf(sessionSeqKey, sessionID), serverSeq, sessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// GetState 读取会话的权威状态与序号；缓存未命中时返回 (nil, 0, nil)
func (c *SessionCache) GetState(ctx context.Context, sessionID string) (*model.SessionState, int64, error) {
	if c.client == nil {
		return nil, 0, fmt.Errorf("Redis client not initialized")
	}

	data, err := c.client.Get(ctx, fmt.Sprintf(sessionStateKey, sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var state model.SessionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal session state: %w", err)
	}

	seq, err := c.client.Get(ctx, fmt.Sprintf(sessionSeqKey, sessionID)).Int64()
	if err != nil && err != redis.Nil {
		return nil, 0, err
	}

	return &state, seq, nil
}

// DeleteState 删除会话缓存（会话关闭时）
func (c *SessionCache) DeleteState(ctx context.Context, sessionID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	return c.client.Del(ctx,
		fmt.Sprintf(sessionStateKey, sessionID),
		fmt.Sprintf(sessionSeqKey, sessionID),
		fmt.Sprintf(sessionMembersKey, sessionID),
		fmt.Sprintf(sessionPresenceSet, sessionID),
	).Err()
}

// ========== 成员管理 ==========

// SetMemberOnline 设置成员在线信息
func (c *SessionCache) SetMemberOnline(ctx context.Context, sessionID string, member *model.MemberOnline) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(sessionMembersKey, sessionID)
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, strconv.FormatInt(member.UserID, 10), data)
	pipe.Expire(ctx, key, sessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveMemberOnline 移除成员在线信息
func (c *SessionCache) RemoveMemberOnline(ctx context.Context, sessionID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(sessionMembersKey, sessionID)
	return c.client.HDel(ctx, key, strconv.FormatInt(userID, 10)).Err()
}

// GetMembersOnline 获取所有在线成员
func (c *SessionCache) GetMembersOnline(ctx context.Context, sessionID string) ([]model.MemberOnline, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(sessionMembersKey, sessionID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	members := make([]model.MemberOnline, 0, len(result))
	for _, data := range result {
		var member model.MemberOnline
		if err := json.Unmarshal([]byte(data), &member); err == nil {
			members = append(members, member)
		}
	}
	return members, nil
}

// ========== 心跳在线状态 ==========

// UpdateUserPresence 更新用户心跳
func (c *SessionCache) UpdateUserPresence(ctx context.Context, sessionID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(sessionPresenceKey, sessionID, userID)
	onlineSetKey := fmt.Sprintf(sessionPresenceSet, sessionID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, presenceKey, time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.Expire(ctx, onlineSetKey, sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveUserPresence 移除用户在线状态
func (c *SessionCache) RemoveUserPresence(ctx context.Context, sessionID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(sessionPresenceKey, sessionID, userID)
	onlineSetKey := fmt.Sprintf(sessionPresenceSet, sessionID)

	pipe := c.client.Pipeline()
	pipe.Del(ctx, presenceKey)
	pipe.SRem(ctx, onlineSetKey, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetActiveOnlineCount 获取活跃在线人数（基于心跳），顺带清理过期成员
func (c *SessionCache) GetActiveOnlineCount(ctx context.Context, sessionID string) (int64, error) {
	if c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}

	onlineSetKey := fmt.Sprintf(sessionPresenceSet, sessionID)

	members, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	activeCount := int64(0)
	expired := make([]interface{}, 0)

	for _, memberStr := range members {
		userID, err := strconv.ParseInt(memberStr, 10, 64)
		if err != nil {
			continue
		}

		presenceKey := fmt.Sprintf(sessionPresenceKey, sessionID, userID)
		exists, err := c.client.Exists(ctx, presenceKey).Result()
		if err != nil {
			continue
		}

		if exists > 0 {
			activeCount++
		} else {
			expired = append(expired, memberStr)
		}
	}

	if len(expired) > 0 {
		c.client.SRem(ctx, onlineSetKey, expired...)
	}

	return activeCount, nil
}
