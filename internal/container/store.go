package container

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/health"
	"github.com/serroba/abuse/internal/store"
	"github.com/serroba/abuse/internal/tablesdb"
	"github.com/serroba/abuse/internal/timelimit"
	"go.uber.org/zap"
)

const setupTimeout = time.Minute

// Backend is the configured counter store and the checkers reporting its reachability.
type Backend struct {
	Name     string
	Store    timelimit.Store
	Checkers map[string]health.Checker
}

// Shutdown releases the store's connections when it owns any.
func (b *Backend) Shutdown() error {
	if s, ok := b.Store.(do.Shutdownable); ok {
		return s.Shutdown()
	}

	return nil
}

// StorePackage provides the *Backend selected by Options.Backend. The store schema is set up
// before the backend is handed out.
func StorePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*Backend, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i).Named("store")

		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()

		backend, err := newBackend(ctx, i, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("open %s backend: %w", opts.Backend, err)
		}

		if setuper, ok := backend.Store.(timelimit.Setuper); ok {
			if err := setuper.Setup(ctx); err != nil {
				_ = backend.Shutdown()

				return nil, fmt.Errorf("setup %s backend: %w", opts.Backend, err)
			}
		}

		logger.Info("counter store ready", zap.String("backend", backend.Name))

		return backend, nil
	})
}

// FacadePackage provides the *abuse.Abuse used for log listing and cleanup. It wraps a
// zero-limit limiter, which never touches the store on Check.
func FacadePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*abuse.Abuse, error) {
		backend := do.MustInvoke[*Backend](i)
		logger := do.MustInvoke[*zap.Logger](i)

		limiter, err := timelimit.New(backend.Store, "admin", 0, 1, timelimit.WithLogger(logger))
		if err != nil {
			return nil, err
		}

		return abuse.New(limiter), nil
	})
}

func newBackend(ctx context.Context, i *do.Injector, opts *Options, logger *zap.Logger) (*Backend, error) {
	b := &Backend{Name: opts.Backend, Checkers: map[string]health.Checker{}}

	switch opts.Backend {
	case BackendMemory:
		b.Store = store.NewMemoryStore()
	case BackendRedis:
		client := do.MustInvoke[*RedisClient](i)
		b.Checkers["redis"] = health.NewRedisChecker(client.Client)

		if opts.RedisPoolSize <= 0 {
			b.Store = store.NewRedisStore(client.Client)

			break
		}

		pooled, err := newPooledRedisStore(opts)
		if err != nil {
			return nil, err
		}

		b.Store = pooled
	case BackendRedisCluster:
		if opts.RedisClusterAddrs == "" {
			return nil, fmt.Errorf("%w: redis cluster addresses are required", abuse.ErrConfiguration)
		}

		client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: strings.Split(opts.RedisClusterAddrs, ",")})
		b.Checkers["redis-cluster"] = health.NewRedisChecker(client)
		b.Store = store.NewRedisClusterStore(client, opts.CleanupPasses, logger)
	case BackendPostgres:
		pool, err := pgxpool.New(ctx, opts.PostgresURL)
		if err != nil {
			return nil, abuse.Unavailable("postgres connect", err)
		}

		b.Checkers["postgres"] = health.NewPostgresChecker(pool)
		b.Store = store.NewPostgresStore(pool, store.PostgresConfig{
			Schema:        opts.PostgresSchema,
			CleanupPasses: opts.CleanupPasses,
		}, logger)
	case BackendMySQL:
		db, database, err := store.OpenMySQL(opts.MySQLDSN)
		if err != nil {
			return nil, err
		}

		b.Checkers["mysql"] = health.NewSQLChecker(db)
		b.Store = store.NewMySQLStore(db, store.MySQLConfig{
			Database:      database,
			CleanupPasses: opts.CleanupPasses,
		})
	case BackendSQLite:
		db, err := store.OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return nil, abuse.Unavailable("sqlite open", err)
		}

		b.Checkers["sqlite"] = health.NewSQLChecker(sqlDB)
		b.Store = store.NewGormStore(db, opts.CleanupPasses, logger)
	case BackendTablesDB:
		client, err := tablesdb.New(tablesdb.Config{
			Endpoint: opts.TablesEndpoint,
			Project:  opts.TablesProject,
			APIKey:   opts.TablesAPIKey,
		})
		if err != nil {
			return nil, err
		}

		tables, err := store.NewTablesStore(client, store.TablesConfig{
			DatabaseID:    opts.TablesDatabase,
			CleanupPasses: opts.CleanupPasses,
		}, logger)
		if err != nil {
			return nil, err
		}

		b.Checkers["tablesdb"] = tables
		b.Store = tables
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", abuse.ErrConfiguration, opts.Backend)
	}

	return b, nil
}

// newPooledRedisStore gives every operation its own single-connection client.
func newPooledRedisStore(opts *Options) (*store.PooledStore[*redis.Client], error) {
	pool, err := store.NewPool(int32(opts.RedisPoolSize), //nolint:gosec // bounded by configuration
		func(ctx context.Context) (*redis.Client, error) {
			client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, PoolSize: 1})
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()

				return nil, abuse.Unavailable("redis connect", err)
			}

			return client, nil
		},
		func(client *redis.Client) {
			_ = client.Close()
		},
	)
	if err != nil {
		return nil, err
	}

	return store.NewPooledStore(pool, func(client *redis.Client) timelimit.Store {
		return store.NewRedisStore(client)
	}), nil
}
