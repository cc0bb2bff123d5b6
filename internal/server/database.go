package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	repo "github.com/joseph-ayodele/listing-diagnostics/internal/repository"
)

// ConnectDB opens the configured database and verifies it answers.
func ConnectDB(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repo.DB, error) {
	d, err := repo.Open(ctx, repo.Config{
		Driver:           cfg.Driver,
		DSN:              cfg.DSN,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
		MaxConnLifetime:  cfg.MaxConnLifetime,
		MaxConnIdleTime:  cfg.MaxConnIdleTime,
		DialTimeout:      cfg.DialTimeout,
		StatementTimeout: cfg.StatementTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	if err := PingDB(ctx, d, logger, cfg.DialTimeout); err != nil {
		repo.Close(d, logger)
		return nil, err
	}
	logger.Info("successfully connected to database", "driver", d.Dialect)
	return d, nil
}

// PingDB pings the database to ensure it's responsive
func PingDB(ctx context.Context, d *repo.DB, logger *slog.Logger, timeout time.Duration) error {
	if err := repo.HealthCheck(ctx, d, timeout, logger); err != nil {
		logger.Error("database ping failed", "error", err)
		return err
	}
	return nil
}

// CloseDB closes the database connections gracefully
func CloseDB(d *repo.DB, logger *slog.Logger) {
	repo.Close(d, logger)
}
