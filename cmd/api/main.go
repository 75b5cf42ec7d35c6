package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/renderq/internal/api"
	"github.com/SirClappington/renderq/internal/config"
	"github.com/SirClappington/renderq/internal/download"
	"github.com/SirClappington/renderq/internal/jobs"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/queue"
	"github.com/SirClappington/renderq/internal/resilience"
	"github.com/SirClappington/renderq/internal/services"
	"github.com/SirClappington/renderq/internal/storage"
)

func main() {
	cfg := config.MustLoad()
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	store := storage.New(db)
	client := jobs.NewClient(store, queue.New(rdb), logger)

	tokens, err := download.NewManager(store, []byte(cfg.TokenSigningKey), logger,
		download.WithDefaults(cfg.DownloadTTL, cfg.DownloadMaxAttempts))
	if err != nil {
		logger.Fatal("download tokens", zap.Error(err))
	}

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	})
	facade := resilience.NewFacade(breakers, logger)
	mailer := services.GuardMailer(facade, services.LogMailer{Logger: logger}, resilience.Policy{
		Service:        services.NameMailer,
		Operation:      "send_link",
		MaxRetries:     cfg.RetryMax,
		BackoffFactor:  cfg.RetryBackoffFactor,
		CircuitBreaker: true,
		Timeout:        cfg.ExternalCallTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(client, store, tokens, breakers, logger, api.WithMailer(mailer)).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("api stopped", zap.Error(err))
	}
}
