// Package main wires together the progress service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/freelancehub/progress-service/internal/api"
	"github.com/freelancehub/progress-service/internal/cache"
	"github.com/freelancehub/progress-service/internal/clock"
	"github.com/freelancehub/progress-service/internal/config"
	"github.com/freelancehub/progress-service/internal/identity"
	"github.com/freelancehub/progress-service/internal/logging"
	"github.com/freelancehub/progress-service/internal/metrics"
	"github.com/freelancehub/progress-service/internal/progress"
	"github.com/freelancehub/progress-service/internal/storage/memory"
	"github.com/freelancehub/progress-service/internal/storage/postgres"
	"github.com/freelancehub/progress-service/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.NewSystem()

	var (
		updateRepo  store.UpdateRepository
		commentRepo store.CommentRepository
		ready       func(context.Context) error
	)
	if cfg.DB.DSN != "" {
		pgStore, err := postgres.NewStore(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.ConnLifetime(),
		}, clk)
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pgStore.Close()
		updateRepo = pgStore
		commentRepo = pgStore
		ready = pgStore.Ping
		logger.Info("using postgres store")
	} else {
		memStore := memory.NewStore(clk)
		updateRepo = memStore
		commentRepo = memStore
		logger.Warn("db.dsn not set, using in-memory store")
	}

	users, err := identity.NewClient(cfg.Identity.BaseURL, cfg.IdentityTimeout())
	if err != nil {
		logger.Fatal("identity client init failed", zap.Error(err))
	}

	var statsCache cache.Cache = cache.Nop{}
	if cfg.Cache.Enabled {
		redisCache := cache.NewRedis(cache.Config{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		}, logger.Named("cache"))
		defer func() {
			if closeErr := redisCache.Close(); closeErr != nil {
				logger.Warn("cache close failed", zap.Error(closeErr))
			}
		}()
		statsCache = redisCache
	}

	updates, err := progress.NewService(updateRepo, logger.Named("updates"))
	if err != nil {
		logger.Fatal("update service init failed", zap.Error(err))
	}
	analytics, err := progress.NewAnalytics(updateRepo, commentRepo, users, statsCache, clk, logger.Named("analytics"), progress.AnalyticsOptions{
		StalledDays:  cfg.Analytics.StalledDays,
		TrendDays:    cfg.Analytics.TrendDays,
		RankingLimit: cfg.Analytics.RankingLimit,
		CacheTTL:     cfg.CacheTTL(),
	})
	if err != nil {
		logger.Fatal("analytics init failed", zap.Error(err))
	}
	comments, err := progress.NewCommentService(commentRepo, users, logger.Named("comments"))
	if err != nil {
		logger.Fatal("comment service init failed", zap.Error(err))
	}

	apiServer := api.NewServer(updates, analytics, comments, cfg, logger.Named("api"), ready)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
