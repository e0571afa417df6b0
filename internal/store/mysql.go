package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/timelimit"
)

// MySQLConfig configures a MySQLStore.
type MySQLConfig struct {
	// Database must already exist; Setup never creates it.
	Database string

	// Table holds the counters (default: "abuse").
	Table string

	// CleanupBatch is the number of rows removed per delete pass (default: 1000).
	CleanupBatch int

	// CleanupPasses bounds DeleteOlderThan; 0 means unbounded.
	CleanupPasses int
}

// MySQLStore is a MySQL implementation of timelimit.Store. Increments use
// INSERT ... ON DUPLICATE KEY UPDATE, so a first hit never races.
type MySQLStore struct {
	db     *sql.DB
	config MySQLConfig
	table  string
}

// OpenMySQL opens a connection pool for dsn. Times are always read and written in UTC.
func OpenMySQL(dsn string) (*sql.DB, string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("%w: mysql dsn: %w", abuse.ErrConfiguration, err)
	}

	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("%w: mysql connector: %w", abuse.ErrConfiguration, err)
	}

	return sql.OpenDB(connector), cfg.DBName, nil
}

// NewMySQLStore creates a MySQL-backed counter store on an open pool.
func NewMySQLStore(db *sql.DB, config MySQLConfig) *MySQLStore {
	if config.Table == "" {
		config.Table = Namespace
	}

	if config.CleanupBatch <= 0 {
		config.CleanupBatch = defaultCleanupBatch
	}

	return &MySQLStore{
		db:     db,
		config: config,
		table:  "`" + config.Table + "`",
	}
}

// Setup creates the counter table. It fails with abuse.ErrConfiguration when the database
// does not exist.
func (m *MySQLStore) Setup(ctx context.Context) error {
	if m.config.Database == "" {
		return fmt.Errorf("%w: mysql database name is required", abuse.ErrConfiguration)
	}

	var name string

	err := m.db.QueryRowContext(ctx,
		"SELECT SCHEMA_NAME FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?",
		m.config.Database,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: database %q must be created before setup", abuse.ErrConfiguration, m.config.Database)
	}

	if err != nil {
		return abuse.Unavailable("mysql setup", err)
	}

	_, err = m.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+m.table+` (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		`+"`key`"+` VARCHAR(255) NOT NULL,
		`+"`time`"+` DATETIME(3) NOT NULL,
		`+"`count`"+` BIGINT NOT NULL DEFAULT 0,
		UNIQUE KEY key_time (`+"`key`, `time`"+`),
		KEY time_idx (`+"`time`"+`)
	)`)

	return abuse.Unavailable("mysql setup", err)
}

func (m *MySQLStore) Count(ctx context.Context, key string, w timelimit.Window) (int64, error) {
	var count int64

	err := m.db.QueryRowContext(ctx,
		"SELECT `count` FROM "+m.table+" WHERE `key` = ? AND `time` = ?",
		key, w.Time(),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, abuse.Unavailable("mysql count", err)
	}

	return count, nil
}

func (m *MySQLStore) Hit(ctx context.Context, key string, w timelimit.Window) error {
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO "+m.table+" (`key`, `time`, `count`) VALUES (?, ?, 1) "+
			"ON DUPLICATE KEY UPDATE `count` = `count` + 1",
		key, w.Time(),
	)

	return abuse.Unavailable("mysql hit", err)
}

func (m *MySQLStore) Reset(ctx context.Context, key string, w timelimit.Window) error {
	_, err := m.db.ExecContext(ctx,
		"DELETE FROM "+m.table+" WHERE `key` = ? AND `time` = ?",
		key, w.Time(),
	)

	return abuse.Unavailable("mysql reset", err)
}

func (m *MySQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (bool, error) {
	query := "DELETE FROM " + m.table + " WHERE `time` < ? LIMIT ?"

	return timelimit.DeleteUntilEmpty(ctx, m.config.CleanupPasses, func(ctx context.Context) (int64, error) {
		res, err := m.db.ExecContext(ctx, query, cutoff.UTC(), m.config.CleanupBatch)
		if err != nil {
			return 0, abuse.Unavailable("mysql cleanup", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, abuse.Unavailable("mysql cleanup", err)
		}

		return n, nil
	})
}

func (m *MySQLStore) List(ctx context.Context, offset, limit int) ([]abuse.Record, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT `key`, `time`, `count` FROM "+m.table+" ORDER BY `time` DESC, `key` ASC LIMIT ? OFFSET ?",
		abuse.PageLimit(limit), max(offset, 0),
	)
	if err != nil {
		return nil, abuse.Unavailable("mysql list", err)
	}
	defer rows.Close()

	records := []abuse.Record{}

	for rows.Next() {
		var rec abuse.Record
		if err := rows.Scan(&rec.Key, &rec.Time, &rec.Count); err != nil {
			return nil, abuse.Unavailable("mysql list", err)
		}

		rec.Time = rec.Time.UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, abuse.Unavailable("mysql list", err)
	}

	return records, nil
}

// Shutdown closes the connection pool.
func (m *MySQLStore) Shutdown() error {
	return m.db.Close()
}

// Compile-time check.
var (
	_ timelimit.Store   = (*MySQLStore)(nil)
	_ timelimit.Setuper = (*MySQLStore)(nil)
)
