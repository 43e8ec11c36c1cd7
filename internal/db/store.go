package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/slot-allocation/internal/appointment"
	"github.com/hackgods/slot-allocation/internal/config"
)

// Backend is an opened appointment store.
type Backend struct {
	Name  string
	Store interface {
		appointment.Store
		Ping(ctx context.Context) error
	}
	close func()
}

func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open connects the store selected by STORE_DRIVER. Postgres is migrated to
// the latest embedded version before it is returned.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Backend, error) {
	if cfg.StoreDriver == "sqlite" {
		repo, err := appointment.NewSQLiteRepository(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		logger.Info("opened sqlite store", zap.String("path", cfg.SQLitePath))
		return &Backend{Name: "sqlite", Store: repo, close: func() { _ = repo.Close() }}, nil
	}

	pgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := ConnectPostgres(pgCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	logger.Info("connected to Postgres")

	n, err := NewMigrator(pool, Migrations(), logger).Up(pgCtx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if n > 0 {
		logger.Info("migrations applied", zap.Int("count", n))
	}

	return &Backend{Name: "postgres", Store: appointment.NewPgRepository(pool), close: pool.Close}, nil
}
