package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adewale/keyboardia-sub006/core/auth"
	"github.com/adewale/keyboardia-sub006/core/session"
	csync "github.com/adewale/keyboardia-sub006/core/sync"
	"github.com/adewale/keyboardia-sub006/logger"
	"github.com/adewale/keyboardia-sub006/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type createSessionRequest struct {
	Name string `json:"name"`
}

// CreateSessionHandler 创建会话
func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = "Untitled Session"
	}

	sess, err := h.manager.CreateSession(r.Context(), userID, req.Name)
	if err != nil {
		logger.Error("failed to create session", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	respondWithJSON(w, http.StatusCreated, sess)
}

// ListSessionsHandler 列出活跃会话
func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	infos, err := h.manager.ListSessions(r.Context(), limit, offset)
	if err != nil {
		logger.Error("failed to list sessions", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	respondWithJSON(w, http.StatusOK, infos)
}

// GetSessionHandler 获取单个会话（含在线成员）
func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	sess, err := h.manager.GetSession(r.Context(), sessionID)
	if err != nil {
		logger.Error("failed to load session", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		respondWithError(w, http.StatusNotFound, "Session not found")
		return
	}

	members, err := h.cache.GetMembersOnline(r.Context(), sessionID)
	if err != nil {
		logger.Warn("failed to load online members",
			logger.ErrorField(err),
			logger.String("session", sessionID))
	}

	owner, _ := h.userRepo.GetByID(r.Context(), sess.OwnerID)
	info := &model.SessionInfo{
		Session:     *sess,
		MemberCount: len(members),
		Members:     members,
	}
	if owner != nil {
		info.OwnerName = owner.Username
	}
	respondWithJSON(w, http.StatusOK, info)
}

// CloseSessionHandler 关闭会话（仅限创建者）
func (h *APIHandler) CloseSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	sessionID := mux.Vars(r)["id"]

	if err := h.manager.CloseSession(r.Context(), sessionID, userID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			respondWithError(w, http.StatusNotFound, "Session not found")
			return
		}
		if strings.Contains(err.Error(), "owner") {
			respondWithError(w, http.StatusForbidden, "Only the session owner can close it")
			return
		}
		logger.Error("failed to close session", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to close session")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// SessionWSHandler WebSocket 接入：认证、加入 Hub、下发快照，
// 然后把上行变更投给会话权威定序。
func (h *APIHandler) SessionWSHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	// WS 握手带不了自定义头，token 走查询参数
	token := r.URL.Query().Get("token")
	if token == "" {
		respondWithError(w, http.StatusUnauthorized, "Missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	sess, err := h.manager.GetSession(r.Context(), sessionID)
	if err != nil {
		logger.Error("failed to load session", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		respondWithError(w, http.StatusNotFound, "Session not found")
		return
	}

	authority, err := h.manager.Authority(r.Context(), sessionID)
	if err != nil {
		logger.Error("failed to start session authority", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to join session")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	role := model.SessionRoleMember
	if sess.OwnerID == claims.UserID {
		role = model.SessionRoleOwner
	}

	client := session.NewClient(h.hub, conn, sessionID, claims.UserID, claims.Username, role)
	h.hub.Register(client)

	if err := h.cache.SetMemberOnline(r.Context(), sessionID, &model.MemberOnline{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     role,
		JoinedAt: time.Now().UnixMilli(),
	}); err != nil {
		logger.Warn("failed to record online member",
			logger.ErrorField(err),
			logger.String("session", sessionID))
	}

	// 通知其他成员有人加入
	joinData, _ := json.Marshal(&model.MemberOnline{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     role,
		JoinedAt: time.Now().UnixMilli(),
	})
	h.hub.BroadcastWSMessage(sessionID, &session.WSMessage{
		Type:      session.MsgTypeJoin,
		SessionID: sessionID,
		UserID:    claims.UserID,
		Username:  claims.Username,
		Data:      joinData,
	}, claims.UserID)

	go client.WritePump()

	// 给新成员发在线成员列表
	if members, err := h.cache.GetMembersOnline(r.Context(), sessionID); err == nil {
		if data, err := json.Marshal(members); err == nil {
			client.SendMessage(&session.WSMessage{
				Type:      session.MsgTypeMemberList,
				SessionID: sessionID,
				Data:      data,
			})
		}
	}

	// 新成员先拿一份权威快照再开始同步
	authority.RequestSnapshot(client)

	logger.Info("member joined session",
		logger.String("session", sessionID),
		logger.Int64("user", claims.UserID),
		logger.String("role", role))

	// 阻塞读循环，连接断开时返回
	client.ReadPump(r.Context(), h.makeWSMessageHandler(authority))

	if err := h.cache.RemoveMemberOnline(r.Context(), sessionID, claims.UserID); err != nil {
		logger.Warn("failed to remove online member",
			logger.ErrorField(err),
			logger.String("session", sessionID))
	}
	h.hub.BroadcastWSMessage(sessionID, &session.WSMessage{
		Type:      session.MsgTypeLeave,
		SessionID: sessionID,
		UserID:    claims.UserID,
		Username:  claims.Username,
	}, claims.UserID)
}

// makeWSMessageHandler 上行消息分发：变更走权威定序
func (h *APIHandler) makeWSMessageHandler(authority *session.Authority) session.MessageHandler {
	return func(ctx context.Context, client *session.Client, msg *session.WSMessage) {
		switch msg.Type {
		case session.MsgTypeMutation:
			var mut csync.Mutation
			if err := json.Unmarshal(msg.Data, &mut); err != nil {
				logger.Warn("malformed mutation message",
					logger.ErrorField(err),
					logger.Int64("user", client.UserID))
				return
			}
			authority.Submit(client, mut)
		}
	}
}
