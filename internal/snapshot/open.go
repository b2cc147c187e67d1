package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"configline/internal/config"
	"configline/internal/domain"
	"configline/internal/snapshot/pgstore"
	"configline/internal/snapshot/redisstore"
	"configline/internal/snapshot/sqlitestore"
)

// Open returns the backend selected by cfg.
func Open(ctx context.Context, workspace string, cfg config.SnapshotConfig, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Backend {
	case config.BackendNone:
		return Nop{}, nil
	case config.BackendSQLite, "":
		return sqlitestore.Open(workspace)
	case config.BackendPostgres:
		return pgstore.Open(ctx, cfg.Postgres.DSN, log)
	case config.BackendRedis:
		return redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("%w: unknown snapshot backend %q", domain.ErrValidationFailed, cfg.Backend)
	}
}

func notFound(dt domain.DataType, id string) error {
	return fmt.Errorf("%w: snapshot %s %s", domain.ErrNotFound, dt, id)
}
