package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	webAdapter "land-office/internal/adapters/web"
	"land-office/internal/blob"
	"land-office/internal/config"
	"land-office/internal/core"
	"land-office/internal/db"
	"land-office/internal/logger"
	"land-office/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync() //nolint:errcheck
	zl = zl.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		zl.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		zl.Fatal("blob store", zap.Error(err))
	}

	engine := core.NewEngine(pool, core.Options{Logger: zl.Named("engine"), Blobs: blobs})

	var locker sweep.Locker = sweep.NewMemoryLocker()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			zl.Fatal("redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		locker = sweep.NewRedisLocker(rdb, "")
	} else if cfg.IsProduction() {
		zl.Warn("redis disabled, sweep locks are local to this process")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runner := sweep.NewRunner(
		sweep.Jobs(engine.Sweeps, core.SweepOptions{BatchSize: cfg.Sweep.BatchSize, FollowUpTasks: cfg.Sweep.FollowUpTasks}),
		locker,
		sweep.NewMetrics(reg),
		zl.Named("sweep"),
		sweep.RunnerConfig{Interval: cfg.Sweep.Interval, LockTTL: cfg.Sweep.LockTTL},
	)
	if cfg.Sweep.Enabled {
		runner.Start(ctx)
		defer runner.Stop()
	} else {
		zl.Info("scheduled sweeps disabled; on-demand runs only")
	}

	srv := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           webAdapter.NewHandler(runner, pool, reg, zl.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zl.Info("ops server starting", zap.String("addr", cfg.Ops.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("ops server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("ops server shutdown", zap.Error(err))
	}
}
