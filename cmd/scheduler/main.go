package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/config"
	"github.com/SirClappington/renderq/internal/jobs"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/maintenance"
	"github.com/SirClappington/renderq/internal/queue"
	"github.com/SirClappington/renderq/internal/scheduler"
	"github.com/SirClappington/renderq/internal/storage"
)

// leaderLockKey is the Postgres advisory lock that elects one scheduler.
const leaderLockKey = 42

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

	client := jobs.NewClient(storage.New(db), queue.New(rdb), logger)
	s := scheduler.New(client, logger,
		scheduler.WithTick(cfg.SchedulerTick),
		scheduler.WithLocker(storage.NewAdvisoryLock(db, leaderLockKey)),
	)
	for _, t := range maintenance.Tasks(cfg.HealthInterval, cfg.CleanupInterval) {
		if err := s.Add(t); err != nil {
			logger.Fatal("schedule task", zap.String("task", t.Name), zap.Error(err))
		}
	}
	for _, e := range s.Entries() {
		logger.Info("scheduled", zap.String("task", e.Name), zap.Time("next", e.Next))
	}

	if err := s.Run(ctx); err != nil {
		logger.Error("scheduler stopped", zap.Error(err))
	}
}
