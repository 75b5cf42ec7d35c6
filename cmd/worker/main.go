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
	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/download"
	"github.com/SirClappington/renderq/internal/jobs"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/maintenance"
	"github.com/SirClappington/renderq/internal/queue"
	"github.com/SirClappington/renderq/internal/render"
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
	backend := queue.New(rdb)

	tokens, err := download.NewManager(store, []byte(cfg.TokenSigningKey), logger,
		download.WithDefaults(cfg.DownloadTTL, cfg.DownloadMaxAttempts))
	if err != nil {
		logger.Fatal("download tokens", zap.Error(err))
	}
	objects, err := services.NewMinioStore(cfg.Minio)
	if err != nil {
		logger.Fatal("object store", zap.Error(err))
	}

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	})
	facade := resilience.NewFacade(breakers, logger)

	deps := render.Deps{
		Renderer: services.CommandRenderer{Command: services.Command{
			Argv:        cfg.Render.CaptureCommand,
			OutDir:      cfg.Render.OutputDir,
			Ext:         cfg.Render.CaptureExt,
			ContentType: cfg.Render.CaptureContentType,
		}},
		Objects: objects,
		Mailer:  services.LogMailer{Logger: logger},
		Renders: store,
		Tokens:  tokens,
	}
	if len(cfg.Render.EncodeCommand) > 0 {
		deps.Encoder = services.CommandEncoder{Command: services.Command{
			Argv:        cfg.Render.EncodeCommand,
			OutDir:      cfg.Render.OutputDir,
			Ext:         cfg.Render.EncodeExt,
			ContentType: cfg.Render.EncodeContentType,
		}}
	}
	pipeline := render.NewPipeline(facade, deps, render.Settings{
		MaxRetries:     cfg.RetryMax,
		BackoffFactor:  cfg.RetryBackoffFactor,
		CaptureTimeout: cfg.Render.CaptureTimeout,
		EncodeTimeout:  cfg.Render.EncodeTimeout,
		CallTimeout:    cfg.ExternalCallTimeout,
		TokenTTL:       cfg.DownloadTTL,
		MaxAttempts:    cfg.DownloadMaxAttempts,
		LinkBase:       cfg.DownloadLinkBase,
	}, logger)

	reg := jobs.NewRegistry()
	render.Register(reg, pipeline)
	maintenance.Register(reg, maintenance.New(breakers, store, store, cfg.JobRetention, logger))

	lanes := make([]domain.Lane, 0, len(cfg.WorkerLanes))
	for _, l := range cfg.WorkerLanes {
		lanes = append(lanes, domain.Lane(l))
	}
	pool := jobs.NewPool(reg, store, backend, logger,
		jobs.WithLanes(lanes...),
		jobs.WithConcurrency(cfg.WorkerConcurrency),
		jobs.WithPollInterval(cfg.WorkerPollInterval),
		jobs.WithRenderSync(store),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker started",
			zap.Strings("lanes", cfg.WorkerLanes),
			zap.Int("concurrency", cfg.WorkerConcurrency),
			zap.Strings("handlers", reg.Names()),
		)
		return pool.Run(ctx)
	})
	if cfg.WorkerAdminAddr != "" {
		srv := &http.Server{
			Addr:              cfg.WorkerAdminAddr,
			Handler:           api.AdminHandler(breakers, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
