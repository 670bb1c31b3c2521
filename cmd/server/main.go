package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "mailindex/backend/internal/auth/jwt"
	"mailindex/backend/internal/bootstrap"
	"mailindex/backend/internal/config"
	"mailindex/backend/internal/health"
	"mailindex/backend/internal/logger"
	"mailindex/backend/internal/monitoring"
	"mailindex/backend/internal/reindex"
	"mailindex/backend/internal/task"
	httptransport "mailindex/backend/internal/transport/http"
	"mailindex/backend/internal/websocket"
)

const version = "0.1.0"

// main 启动重建索引管理服务：HTTP 管理接口、任务管理器与 WebSocket 进度推送。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting mailindex server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()

	comp, err := bootstrap.New(ctx, cfg, log, metrics)
	if err != nil {
		log.Fatal("failed to initialize components", zap.Error(err))
	}

	defaults, err := comp.DefaultRunningOptions()
	if err != nil {
		log.Fatal("invalid reindex defaults", zap.Error(err))
	}

	// 健康检查与告警
	healthChecker := health.NewHealthChecker(log)
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0))
	alertManager.AddRule(monitoring.ReindexFailureRule(metrics, 100))
	for name, check := range comp.HealthChecks() {
		healthChecker.AddComponent(name, check)
		alertManager.AddRule(monitoring.ComponentHealthRule(name, check))
	}
	log.Info("monitoring system initialized")

	manager := task.NewManager(comp.TaskStore, task.Options{
		Workers:          cfg.Task.Workers,
		QueueSize:        cfg.Task.QueueSize,
		ProgressInterval: cfg.Task.ProgressInterval,
	}, log.Named("task"), metrics)
	manager.Start()

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log.Named("websocket"))
	unsubscribe := manager.Subscribe(wsHub.Publish)
	defer unsubscribe()

	var jwtManager *jwtpkg.Manager
	if cfg.JWT.Secret != "" {
		jwtManager = jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
		log.Info("admin authentication enabled", zap.String("issuer", cfg.JWT.Issuer))
	} else {
		log.Warn("JWT secret not configured, admin endpoints are unauthenticated")
	}

	reIndexer := reindex.NewReIndexer(comp.Performer, comp.Store, reindex.NewPreviousReIndexingService(manager))
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		ReIndexer:      reIndexer,
		Codec:          reindex.NewCodec(comp.Performer),
		Tasks:          manager,
		DefaultOptions: defaults,
		Health:         healthChecker,
		Metrics:        metrics,
		JWTManager:     jwtManager,
		WebSocketHub:   wsHub,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 监控服务 goroutine
	group.Go(func() error {
		log.Info("starting monitoring services")
		alertManager.StartMonitoring(groupCtx, time.Minute)
		return nil
	})

	// 定时清理过期任务记录 goroutine
	group.Go(func() error {
		interval := time.Hour
		if cfg.Task.DetailsTTL > 0 && cfg.Task.DetailsTTL < interval {
			interval = cfg.Task.DetailsTTL
		}
		log.Info("starting task execution purger",
			zap.Duration("ttl", cfg.Task.DetailsTTL),
			zap.Duration("interval", interval),
		)
		task.RunPurger(groupCtx, comp.TaskStore, cfg.Task.DetailsTTL, interval, log.Named("purger"))
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 运行中的任务被取消并记录为 cancelled
		manager.Stop()

		if err := comp.Close(); err != nil {
			log.Warn("component close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
