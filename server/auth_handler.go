package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/adewale/keyboardia-sub006/core/auth"
	"github.com/adewale/keyboardia-sub006/logger"
	"github.com/adewale/keyboardia-sub006/model"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterHandler 用户注册
func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 6 {
		respondWithError(w, http.StatusBadRequest, "Username required, password must be at least 6 characters")
		return
	}

	existing, err := h.userRepo.GetByUsername(r.Context(), req.Username)
	if err != nil {
		logger.Error("failed to check username", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to register")
		return
	}
	if existing != nil {
		respondWithError(w, http.StatusConflict, "Username already taken")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		logger.Error("failed to hash password", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to register")
		return
	}

	user := &model.User{
		Username:     req.Username,
		Email:        strings.TrimSpace(req.Email),
		PasswordHash: hash,
	}
	if err := h.userRepo.Create(r.Context(), user); err != nil {
		logger.Error("failed to create user", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to register")
		return
	}

	logger.Info("user registered",
		logger.Int64("userId", user.ID),
		logger.String("username", user.Username))

	respondWithJSON(w, http.StatusCreated, user)
}

// LoginHandler 用户登录，签发 JWT
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.userRepo.GetByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		logger.Error("failed to load user", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to login")
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		respondWithError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	expire := time.Duration(h.cfg.JWTExpireHours) * time.Hour
	token, err := auth.GenerateToken(h.cfg.JWTSecret, user.ID, user.Username, expire)
	if err != nil {
		logger.Error("failed to generate token", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to login")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

// MeHandler 返回当前登录用户
func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil || user == nil {
		respondWithError(w, http.StatusNotFound, "User not found")
		return
	}
	respondWithJSON(w, http.StatusOK, user)
}
