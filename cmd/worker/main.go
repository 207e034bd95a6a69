package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tweet-scheduler/internal/config"
	"tweet-scheduler/internal/gateway"
	"tweet-scheduler/internal/logger"
	"tweet-scheduler/internal/queue"
	"tweet-scheduler/internal/ratelimit"
	"tweet-scheduler/internal/store"
	"tweet-scheduler/internal/telemetry"
	workerpool "tweet-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.New("worker", cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		zlog.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		zlog.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, queue.Options{
		Visibility:  cfg.VisibilityTimeout,
		BackoffBase: cfg.RetryBackoffBase,
		BackoffMax:  cfg.RetryBackoffMax,
	})
	limiter := ratelimit.New(redisClient, "rl:worker:dequeue", cfg.WorkerJobsPerMin)

	gw, err := gateway.New(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("build gateway", zap.Error(err))
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		zlog.Info("metrics listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	pool := workerpool.NewPool(cfg, q, st, gw, limiter, zlog)
	zlog.Info("worker pool starting",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("max_attempts", cfg.MaxAttempts))
	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		zlog.Error("worker pool stopped", zap.Error(err))
	}

	if err := q.Close(); err != nil {
		zlog.Warn("close queue", zap.Error(err))
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
