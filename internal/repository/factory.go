package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ticket-admission/migrations"
)

// Backend names a TicketRepository implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

type Options struct {
	Backend Backend

	// Redis is required for BackendRedis. The caller keeps ownership.
	Redis redis.UniversalClient

	SQLitePath  string
	DatabaseURL string
	MaxConns    int32
}

// Open builds the store selected by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryRepository(), nil

	case BackendRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedisRepository(opts.Redis), nil

	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		return OpenSQLite(ctx, path)

	case BackendPostgres:
		return openPostgres(ctx, opts)

	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
}

// SupportedBackends returns every backend Open understands.
func SupportedBackends() []Backend {
	return []Backend{BackendMemory, BackendRedis, BackendSQLite, BackendPostgres}
}

func openPostgres(ctx context.Context, opts Options) (*PostgresRepository, error) {
	if opts.DatabaseURL == "" {
		return nil, fmt.Errorf("postgres backend requires DATABASE_URL")
	}

	cfg, err := pgxpool.ParseConfig(opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgresRepository(pool), nil
}
