package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/adewale/keyboardia-sub006/cache"
	"github.com/adewale/keyboardia-sub006/config"
	"github.com/adewale/keyboardia-sub006/core/auth"
	"github.com/adewale/keyboardia-sub006/core/session"
	"github.com/adewale/keyboardia-sub006/repository"
)

// contextKey 请求上下文键类型
type contextKey string

const (
	ctxKeyUserID   contextKey = "userID"
	ctxKeyUsername contextKey = "username"
)

// APIHandler 处理所有API请求
type APIHandler struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	sampleRepo  repository.SampleRepository
	manager     *session.Manager
	hub         *session.Hub
	cache       *cache.SessionCache
	cfg         *config.Config
}

// NewAPIHandler 创建API处理器
func NewAPIHandler(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	sampleRepo repository.SampleRepository,
	manager *session.Manager,
	hub *session.Hub,
	sessionCache *cache.SessionCache,
	cfg *config.Config,
) *APIHandler {
	return &APIHandler{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		sampleRepo:  sampleRepo,
		manager:     manager,
		hub:         hub,
		cache:       sessionCache,
		cfg:         cfg,
	}
}

// respondWithJSON 输出JSON响应
func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondWithError 输出错误响应
func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

// AuthMiddleware 校验 JWT 并把用户信息放进请求上下文
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondWithError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondWithError(w, http.StatusUnauthorized, "Invalid authorization header format")
			return
		}

		claims, err := auth.ParseToken(h.cfg.JWTSecret, parts[1])
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyUsername, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// GetUserIDFromContext 从请求上下文取用户ID
func GetUserIDFromContext(ctx context.Context) (int64, error) {
	userID, ok := ctx.Value(ctxKeyUserID).(int64)
	if !ok {
		return 0, fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// GetUsernameFromContext 从请求上下文取用户名
func GetUsernameFromContext(ctx context.Context) (string, error) {
	username, ok := ctx.Value(ctxKeyUsername).(string)
	if !ok {
		return "", fmt.Errorf("username not found in context")
	}
	return username, nil
}
