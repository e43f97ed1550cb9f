package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adewale/keyboardia-sub006/cache"
	"github.com/adewale/keyboardia-sub006/config"
	"github.com/adewale/keyboardia-sub006/core/session"
	"github.com/adewale/keyboardia-sub006/db"
	"github.com/adewale/keyboardia-sub006/logger"
	"github.com/adewale/keyboardia-sub006/model"
	"github.com/adewale/keyboardia-sub006/repository"
	"github.com/adewale/keyboardia-sub006/storage"

	"github.com/gorilla/mux"
)

// Start 初始化依赖并启动 HTTP 服务
func Start() {
	cfg := config.Load()

	logger.Init(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogOutput,
	})

	// 监听 .env 变化，运行中仅记录差异提示（连接类配置需重启生效）
	if watcher, err := config.Watch(func(newCfg *config.Config) {
		logger.Info("configuration reloaded",
			logger.String("logLevel", newCfg.LogLevel),
			logger.Int64("snapshotIntervalMs", newCfg.SnapshotIntervalMs))
	}); err != nil {
		logger.Warn("failed to watch config file", logger.ErrorField(err))
	} else {
		defer watcher.Close()
	}

	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Fatal("failed to connect to database", logger.ErrorField(err))
	}
	defer db.CloseGormDB()

	if err := db.AutoMigrateModels(
		&model.User{},
		&model.Session{},
		&model.SessionSnapshot{},
		&model.Sample{},
	); err != nil {
		logger.Fatal("failed to migrate database schema", logger.ErrorField(err))
	}

	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Fatal("failed to connect to Redis", logger.ErrorField(err))
	}
	defer cache.CloseRedis()

	if err := storage.InitMinio(cfg); err != nil {
		logger.Fatal("failed to initialize MinIO", logger.ErrorField(err))
	}

	userRepo := repository.NewGormUserRepository(db.GormDB)
	sessionRepo := repository.NewGormSessionRepository(db.GormDB)
	sampleRepo := repository.NewGormSampleRepository(db.GormDB)
	sessionCache := cache.NewSessionCache()

	hub := session.NewHub()
	go hub.Run()

	manager := session.NewManager(sessionRepo, sessionCache, hub,
		time.Duration(cfg.SnapshotIntervalMs)*time.Millisecond)

	apiHandler := NewAPIHandler(userRepo, sessionRepo, sampleRepo, manager, hub, sessionCache, cfg)

	router := mux.NewRouter()
	router.Use(corsMiddleware)

	// 认证
	router.HandleFunc("/api/auth/register", apiHandler.RegisterHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/login", apiHandler.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/me", apiHandler.AuthMiddleware(apiHandler.MeHandler)).Methods(http.MethodGet)

	// 会话
	router.HandleFunc("/api/sessions", apiHandler.AuthMiddleware(apiHandler.CreateSessionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions", apiHandler.AuthMiddleware(apiHandler.ListSessionsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{id}", apiHandler.AuthMiddleware(apiHandler.GetSessionHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{id}", apiHandler.AuthMiddleware(apiHandler.CloseSessionHandler)).Methods(http.MethodDelete)

	// 会话 WebSocket（token 走查询参数）
	router.HandleFunc("/ws/sessions/{id}", apiHandler.SessionWSHandler)

	// 采样
	router.HandleFunc("/api/samples", apiHandler.AuthMiddleware(apiHandler.UploadSampleHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/samples", apiHandler.AuthMiddleware(apiHandler.ListSamplesHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/samples/{id}/url", apiHandler.AuthMiddleware(apiHandler.GetSampleURLHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/samples/{id}", apiHandler.AuthMiddleware(apiHandler.DeleteSampleHandler)).Methods(http.MethodDelete)

	// 健康检查
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", logger.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", logger.ErrorField(err))
		}
	}()

	// 优雅退出：先停权威（触发最后一次落盘），再关 HTTP 和 Hub
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	manager.Shutdown()
	hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", logger.ErrorField(err))
	}

	logger.Info("server stopped")
}

// corsMiddleware 跨域响应头
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
