package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wei-Shaw/tavily2api/internal/config"
	"github.com/Wei-Shaw/tavily2api/internal/handler"
	"github.com/Wei-Shaw/tavily2api/internal/handler/admin"
	"github.com/Wei-Shaw/tavily2api/internal/pkg/logger"
	"github.com/Wei-Shaw/tavily2api/internal/repository"
	"github.com/Wei-Shaw/tavily2api/internal/server"
	"github.com/Wei-Shaw/tavily2api/internal/service"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := logger.Init(logger.InitOptions{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Log.ServiceName,
		Environment: cfg.Log.Environment,
		Caller:      cfg.Log.Caller,
		Output: logger.OutputOptions{
			ToStdout: cfg.Log.Output.ToStdout,
			ToFile:   cfg.Log.Output.ToFile,
			FilePath: cfg.Log.Output.FilePath,
		},
		Rotation: logger.RotationOptions{
			MaxSizeMB:  cfg.Log.Rotation.MaxSizeMB,
			MaxBackups: cfg.Log.Rotation.MaxBackups,
			MaxAgeDays: cfg.Log.Rotation.MaxAgeDays,
			Compress:   cfg.Log.Rotation.Compress,
			LocalTime:  cfg.Log.Rotation.LocalTime,
		},
	}); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	db, err := repository.Connect(&cfg.Database)
	if err != nil {
		logger.L().Fatal("connect database", zap.Error(err))
	}
	defer func() {
		if err := repository.Close(db); err != nil {
			logger.L().Warn("close database", zap.Error(err))
		}
	}()

	keyRepo := repository.NewKeyRepo(db)
	progressRepo := repository.NewSyncProgressRepo(db)
	usageFetcher := repository.NewTavilyUsageService(&cfg.Tavily)

	keyService := service.NewKeyService(keyRepo, cfg)
	selector := service.NewKeySelector(keyRepo, keyService.FailureThreshold(), nil)
	gatewayService := service.NewGatewayService(keyService, selector, cfg)
	syncService := service.NewSyncService(keyRepo, progressRepo, usageFetcher, cfg)

	router := server.NewRouter(cfg, server.Handlers{
		Gateway: handler.NewGatewayHandler(gatewayService),
		Keys:    admin.NewKeyHandler(keyService),
		Sync:    admin.NewSyncHandler(syncService),
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	scheduler := cron.New()
	if cfg.Sync.Enabled && cfg.Sync.Schedule != "" {
		_, err := scheduler.AddFunc(cfg.Sync.Schedule, func() {
			err := syncService.StartSync(context.Background())
			if err != nil && !errors.Is(err, service.ErrSyncAlreadyRunning) {
				logger.L().Warn("scheduled sync start failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.L().Fatal("invalid sync.schedule", zap.String("schedule", cfg.Sync.Schedule), zap.Error(err))
		}
		scheduler.Start()
		logger.L().Info("quota sync scheduled", zap.String("schedule", cfg.Sync.Schedule))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.L().Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.L().Info("shutdown signal received")

		cronCtx := scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// 等在途的 cron 任务收尾，但不超过停机窗口
		select {
		case <-cronCtx.Done():
		case <-shutdownCtx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.L().Error("server exited with error", zap.Error(err))
		return
	}
	logger.L().Info("server stopped")
}
