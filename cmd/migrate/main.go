package main

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/config"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/storage"
)

func main() {
	cfg := config.MustLoad()
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	if err := storage.Migrate(db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	logger.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
}
