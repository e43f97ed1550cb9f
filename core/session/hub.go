package session

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/adewale/keyboardia-sub006/cache"
	"github.com/adewale/keyboardia-sub006/logger"
	"github.com/adewale/keyboardia-sub006/model"

	"github.com/gorilla/websocket"
)

// MessageType 消息类型
type MessageType string

const (
	// 系统消息
	MsgTypeJoin       MessageType = "join"        // 加入会话
	MsgTypeLeave      MessageType = "leave"       // 离开会话
	MsgTypeError      MessageType = "error"       // 错误消息
	MsgTypePing       MessageType = "ping"        // 心跳
	MsgTypePong       MessageType = "pong"        // 心跳响应
	MsgTypeMemberList MessageType = "member_list" // 成员列表

	// 同步消息
	MsgTypeMutation     MessageType = "mutation"      // 变更（客户端上行 / 权威端广播）
	MsgTypeMutationEcho MessageType = "mutation_echo" // 确认回声（权威端 -> 发送者）
	MsgTypeSuperseded   MessageType = "superseded"    // 抢占信号（权威端 -> 发送者）
	MsgTypeSnapshot     MessageType = "snapshot"      // 权威快照广播
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// EchoData 确认回声数据
type EchoData struct {
	Seq       int64 `json:"seq"`
	ServerSeq int64 `json:"serverSeq"`
}

// SupersededData 抢占信号数据
type SupersededData struct {
	Seq        int64 `json:"seq"`
	ByPlayerID int64 `json:"byPlayerId"`
}

// SnapshotData 快照数据
type SnapshotData struct {
	State     *model.SessionState `json:"state"`
	ServerSeq int64               `json:"serverSeq"`
	StateHash string              `json:"stateHash"`
}

// ErrorData 错误数据
type ErrorData struct {
	Message string `json:"message"`
}

// Client WebSocket 客户端
type Client struct {
	Hub       *Hub
	Conn      *websocket.Conn
	Send      chan []byte
	SessionID string
	UserID    int64
	Username  string
	Role      string // owner, member
	mu        stdsync.RWMutex
}

// Hub 会话 WebSocket 管理中心
type Hub struct {
	// 会话 -> 客户端集合
	sessions map[string]map[*Client]bool

	// 用户 -> 客户端（一个用户在一个会话只能有一个连接）
	userClients map[string]*Client // key: sessionID:userID

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	// 广播通道
	broadcast chan *BroadcastMessage

	mu stdsync.RWMutex

	// 关闭信号
	done chan struct{}
}

// BroadcastMessage 广播消息
type BroadcastMessage struct {
	SessionID string
	Message   []byte
	ExcludeID int64 // 排除的用户ID（不向发送者回发）
}

// NewHub 创建会话 Hub
func NewHub() *Hub {
	return &Hub{
		sessions:    make(map[string]map[*Client]bool),
		userClients: make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *BroadcastMessage, 256),
		done:        make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.broadcastToSession(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.done)
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessionID := client.SessionID
	userKey := h.userKey(sessionID, client.UserID)

	// 用户已在会话中则踢掉旧连接
	if oldClient, exists := h.userClients[userKey]; exists {
		h.removeClient(oldClient)
	}

	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*Client]bool)
	}

	h.sessions[sessionID][client] = true
	h.userClients[userKey] = client

	// 更新 Redis 中的用户在线状态
	ctx := context.Background()
	sessionCache := cache.NewSessionCache()
	if err := sessionCache.UpdateUserPresence(ctx, sessionID, client.UserID); err != nil {
		logger.Warn("failed to update user presence on register",
			logger.ErrorField(err),
			logger.String("session", sessionID),
			logger.Int64("user", client.UserID))
	}

	logger.Info("client registered",
		logger.String("session", sessionID),
		logger.Int64("user", client.UserID),
		logger.String("username", client.Username))
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeClient(client)
}

// removeClient 移除客户端（内部方法，需要持有锁）
func (h *Hub) removeClient(client *Client) {
	sessionID := client.SessionID
	userKey := h.userKey(sessionID, client.UserID)

	if _, ok := h.sessions[sessionID]; ok {
		if _, ok := h.sessions[sessionID][client]; ok {
			delete(h.sessions[sessionID], client)
			close(client.Send)

			// 会话空了就删掉
			if len(h.sessions[sessionID]) == 0 {
				delete(h.sessions, sessionID)
			}
		}
	}

	delete(h.userClients, userKey)

	// 移除 Redis 中的用户在线状态
	ctx := context.Background()
	sessionCache := cache.NewSessionCache()
	if err := sessionCache.RemoveUserPresence(ctx, sessionID, client.UserID); err != nil {
		logger.Warn("failed to remove user presence on unregister",
			logger.ErrorField(err),
			logger.String("session", sessionID),
			logger.Int64("user", client.UserID))
	}

	logger.Info("client unregistered",
		logger.String("session", sessionID),
		logger.Int64("user", client.UserID))
}

// broadcastToSession 向会话广播消息
func (h *Hub) broadcastToSession(msg *BroadcastMessage) {
	h.mu.RLock()
	clients, ok := h.sessions[msg.SessionID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// 复制客户端列表，避免长时间持锁
	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		if msg.ExcludeID > 0 && client.UserID == msg.ExcludeID {
			continue
		}

		select {
		case client.Send <- msg.Message:
		default:
			// 发送缓冲区满，视为掉线，直接移除
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()
		}
	}
}

// cleanup 清理所有连接
func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.sessions {
		for client := range clients {
			close(client.Send)
		}
	}
	h.sessions = make(map[string]map[*Client]bool)
	h.userClients = make(map[string]*Client)
}

// userKey 生成用户键
func (h *Hub) userKey(sessionID string, userID int64) string {
	return fmt.Sprintf("%s:%d", sessionID, userID)
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast 广播消息到会话
func (h *Hub) Broadcast(sessionID string, message []byte, excludeUserID int64) {
	h.broadcast <- &BroadcastMessage{
		SessionID: sessionID,
		Message:   message,
		ExcludeID: excludeUserID,
	}
}

// BroadcastWSMessage 广播 WSMessage
func (h *Hub) BroadcastWSMessage(sessionID string, msg *WSMessage, excludeUserID int64) error {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.Broadcast(sessionID, data, excludeUserID)
	return nil
}

// GetSessionClientCount 获取会话客户端数量
func (h *Hub) GetSessionClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions[sessionID])
}

// SendToUser 发送消息给指定用户
func (h *Hub) SendToUser(sessionID string, userID int64, msg *WSMessage) error {
	h.mu.RLock()
	client := h.userClients[h.userKey(sessionID, userID)]
	h.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("user not found: %d", userID)
	}

	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for user: %d", userID)
	}
}

// ========== Client 方法 ==========

// MessageHandler 上行消息处理函数
type MessageHandler func(ctx context.Context, client *Client, msg *WSMessage)

// NewClient 创建客户端连接
func NewClient(hub *Hub, conn *websocket.Conn, sessionID string, userID int64, username, role string) *Client {
	return &Client{
		Hub:       hub,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		SessionID: sessionID,
		UserID:    userID,
		Username:  username,
		Role:      role,
	}
}

// ReadPump 读取消息循环
func (c *Client) ReadPump(ctx context.Context, handler MessageHandler) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(65536) // 快照可能较大
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn("websocket read error",
						logger.ErrorField(err),
						logger.String("session", c.SessionID),
						logger.Int64("user", c.UserID))
				}
				return
			}

			var msg WSMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				logger.Warn("invalid message format",
					logger.ErrorField(err),
					logger.String("session", c.SessionID))
				continue
			}

			// 处理心跳
			if msg.Type == MsgTypePing {
				sessionCache := cache.NewSessionCache()
				if err := sessionCache.UpdateUserPresence(ctx, c.SessionID, c.UserID); err != nil {
					logger.Warn("failed to update user presence",
						logger.ErrorField(err),
						logger.String("session", c.SessionID),
						logger.Int64("user", c.UserID))
				}

				pong := &WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()}
				if data, err := json.Marshal(pong); err == nil {
					select {
					case c.Send <- data:
					default:
					}
				}
				continue
			}

			handler(ctx, c, &msg)
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage 发送消息给客户端
func (c *Client) SendMessage(msg *WSMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
		return nil
	default:
		return nil // 缓冲区满，丢弃消息
	}
}

// GetRole 获取客户端角色（线程安全）
func (c *Client) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Role
}
