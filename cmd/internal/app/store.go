package app

import (
	"context"
	"fmt"
	"time"

	"chatroom/cmd/internal/chatlog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const shutdownTimeout = 10 * time.Second

// openStore opens the configured durable log. The pool is returned for a
// postgres store so the bus can share it; the caller owns it.
func openStore(ctx context.Context, cfg Config, log Logger) (chatlog.Log, *pgxpool.Pool, error) {
	switch cfg.Store.Driver {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg.Store.DSN, cfg.DB.MaxConns, cfg.DB.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		l, err := chatlog.NewPostgresLog(pool, chatlog.WithSchema(cfg.Store.Schema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.Store.Schema)
		return l, pool, nil

	case StoreMySQL:
		l, err := chatlog.OpenMySQLLog(cfg.Store.DSN, int(cfg.DB.MaxConns))
		if err != nil {
			return nil, nil, fmt.Errorf("mysql: %w", err)
		}
		log.Info("db.enabled.mysql_store")
		return l, nil, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return chatlog.NewMemoryLog(), nil, nil
	}
}

func migrateStore(ctx context.Context, store chatlog.Log, log Logger) error {
	m, ok := store.(chatlog.Migrator)
	if !ok {
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("store.migrated")
	return nil
}

// Migrate opens the configured store, applies its schema and closes it.
func Migrate(ctx context.Context, cfg Config, log Logger) error {
	store, pool, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
		if pool != nil {
			pool.Close()
		}
	}()
	return migrateStore(ctx, store, log)
}
