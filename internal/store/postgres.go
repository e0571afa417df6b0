package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/timelimit"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation   = "23505"
	defaultCleanupBatch = 1000
)

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	// Schema must already exist; Setup never creates it (default: "public").
	Schema string

	// Table holds the counters (default: "abuse").
	Table string

	// CleanupBatch is the number of rows removed per delete pass (default: 1000).
	CleanupBatch int

	// CleanupPasses bounds DeleteOlderThan; 0 means unbounded.
	CleanupPasses int
}

// PostgresStore is a PostgreSQL implementation of timelimit.Store.
// A unique index on (key, time) guarantees one row per counter; concurrent first hits are
// resolved by catching the unique violation and incrementing the winner's row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	config PostgresConfig
	table  string
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed counter store.
func NewPostgresStore(pool *pgxpool.Pool, config PostgresConfig, logger *zap.Logger) *PostgresStore {
	if config.Schema == "" {
		config.Schema = "public"
	}

	if config.Table == "" {
		config.Table = Namespace
	}

	if config.CleanupBatch <= 0 {
		config.CleanupBatch = defaultCleanupBatch
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &PostgresStore{
		pool:   pool,
		config: config,
		table:  pgx.Identifier{config.Schema, config.Table}.Sanitize(),
		logger: logger,
	}
}

// Setup creates the counter table and its indexes. It fails with abuse.ErrConfiguration when
// the schema does not exist.
func (p *PostgresStore) Setup(ctx context.Context) error {
	var exists bool

	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		p.config.Schema,
	).Scan(&exists)
	if err != nil {
		return abuse.Unavailable("postgres setup", err)
	}

	if !exists {
		return fmt.Errorf("%w: schema %q must be created before setup", abuse.ErrConfiguration, p.config.Schema)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + p.table + ` (
			id BIGSERIAL PRIMARY KEY,
			"key" VARCHAR(255) NOT NULL,
			"time" TIMESTAMPTZ NOT NULL,
			"count" BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + pgx.Identifier{p.config.Table + "_key_time"}.Sanitize() +
			` ON ` + p.table + ` ("key", "time")`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{p.config.Table + "_time"}.Sanitize() +
			` ON ` + p.table + ` ("time")`,
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return abuse.Unavailable("postgres setup", err)
		}
	}

	return nil
}

func (p *PostgresStore) Count(ctx context.Context, key string, w timelimit.Window) (int64, error) {
	var count int64

	err := p.pool.QueryRow(ctx,
		`SELECT "count" FROM `+p.table+` WHERE "key" = $1 AND "time" = $2`,
		key, w.Time(),
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}

		return 0, abuse.Unavailable("postgres count", err)
	}

	return count, nil
}

func (p *PostgresStore) Hit(ctx context.Context, key string, w timelimit.Window) error {
	id, found, err := p.lookup(ctx, key, w)
	if err != nil {
		return err
	}

	if found {
		return p.increment(ctx, id)
	}

	err = p.create(ctx, key, w)
	if !errors.Is(err, abuse.ErrRaceCondition) {
		return err
	}

	p.logger.Debug("counter created concurrently, incrementing instead",
		zap.String("key", key), zap.Int64("window", w.Start))

	id, found, err = p.lookup(ctx, key, w)
	if err != nil {
		return err
	}

	if !found {
		return abuse.Unavailable("postgres hit", fmt.Errorf("counter %q vanished after unique violation", key))
	}

	return p.increment(ctx, id)
}

func (p *PostgresStore) Reset(ctx context.Context, key string, w timelimit.Window) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM `+p.table+` WHERE "key" = $1 AND "time" = $2`, key, w.Time())

	return abuse.Unavailable("postgres reset", err)
}

func (p *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (bool, error) {
	query := `DELETE FROM ` + p.table + ` WHERE id IN (
		SELECT id FROM ` + p.table + ` WHERE "time" < $1 LIMIT $2
	)`

	return timelimit.DeleteUntilEmpty(ctx, p.config.CleanupPasses, func(ctx context.Context) (int64, error) {
		tag, err := p.pool.Exec(ctx, query, cutoff.UTC(), p.config.CleanupBatch)
		if err != nil {
			return 0, abuse.Unavailable("postgres cleanup", err)
		}

		return tag.RowsAffected(), nil
	})
}

func (p *PostgresStore) List(ctx context.Context, offset, limit int) ([]abuse.Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT "key", "time", "count" FROM `+p.table+` ORDER BY "time" DESC, "key" ASC LIMIT $1 OFFSET $2`,
		abuse.PageLimit(limit), max(offset, 0),
	)
	if err != nil {
		return nil, abuse.Unavailable("postgres list", err)
	}
	defer rows.Close()

	records := []abuse.Record{}

	for rows.Next() {
		var rec abuse.Record
		if err := rows.Scan(&rec.Key, &rec.Time, &rec.Count); err != nil {
			return nil, abuse.Unavailable("postgres list", err)
		}

		rec.Time = rec.Time.UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, abuse.Unavailable("postgres list", err)
	}

	return records, nil
}

func (p *PostgresStore) lookup(ctx context.Context, key string, w timelimit.Window) (int64, bool, error) {
	var id int64

	err := p.pool.QueryRow(ctx,
		`SELECT id FROM `+p.table+` WHERE "key" = $1 AND "time" = $2`,
		key, w.Time(),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}

		return 0, false, abuse.Unavailable("postgres lookup", err)
	}

	return id, true, nil
}

// create returns abuse.ErrRaceCondition when another caller inserted the row first.
func (p *PostgresStore) create(ctx context.Context, key string, w timelimit.Window) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table+` ("key", "time", "count") VALUES ($1, $2, 1)`,
		key, w.Time(),
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return abuse.ErrRaceCondition
	}

	return abuse.Unavailable("postgres insert", err)
}

// Shutdown closes the connection pool.
func (p *PostgresStore) Shutdown() error {
	p.pool.Close()

	return nil
}

// increment is a single UPDATE so concurrent increments never overwrite each other.
func (p *PostgresStore) increment(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE `+p.table+` SET "count" = "count" + 1 WHERE id = $1`, id)

	return abuse.Unavailable("postgres increment", err)
}

// Compile-time check.
var (
	_ timelimit.Store   = (*PostgresStore)(nil)
	_ timelimit.Setuper = (*PostgresStore)(nil)
)
