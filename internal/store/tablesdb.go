package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/appwrite/sdk-for-go/query"
	sdk "github.com/appwrite/sdk-for-go/tablesdb"
	"github.com/jaevor/go-nanoid"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/tablesdb"
	"github.com/serroba/abuse/internal/timelimit"
	"go.uber.org/zap"
)

const (
	tablesDatabaseName = "Abuse"
	tablesTableID      = "abuse"
	tablesLockTable    = "lock"
	tablesRowIDLength  = 20
)

// TablesConfig configures a TablesStore.
type TablesConfig struct {
	DatabaseID string

	// CleanupPasses bounds DeleteOlderThan; 0 means unbounded.
	CleanupPasses int

	// ReadyAttempts is how often Setup polls for columns and indexes (default: 15).
	ReadyAttempts int

	// ReadyInterval is the pause between polls (default: 1s).
	ReadyInterval time.Duration
}

// TablesStore keeps counters as rows of an Appwrite TablesDB table. The table has a unique
// index on (key, time); a create that loses the race to another caller is turned into an
// increment of the winner's row.
type TablesStore struct {
	db     *sdk.TablesDB
	config TablesConfig
	newID  func() string
	logger *zap.Logger
}

// tablesRow is the decoded form of one row.
type tablesRow struct {
	ID    string `json:"$id"`
	Key   string `json:"key"`
	Time  string `json:"time"`
	Count int64  `json:"count"`
}

// NewTablesStore creates a TablesDB-backed counter store.
func NewTablesStore(db *sdk.TablesDB, config TablesConfig, logger *zap.Logger) (*TablesStore, error) {
	if config.DatabaseID == "" {
		return nil, fmt.Errorf("%w: tablesdb database id is required", abuse.ErrConfiguration)
	}

	if config.ReadyAttempts <= 0 {
		config.ReadyAttempts = 15
	}

	if config.ReadyInterval <= 0 {
		config.ReadyInterval = time.Second
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	newID, err := nanoid.Standard(tablesRowIDLength)
	if err != nil {
		return nil, err
	}

	return &TablesStore{
		db:     db,
		config: config,
		newID:  newID,
		logger: logger,
	}, nil
}

// Setup provisions database, table, columns and indexes. The lock table is created last, so
// its presence means a previous Setup completed and everything else is skipped.
func (t *TablesStore) Setup(ctx context.Context) error {
	db := t.config.DatabaseID

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := t.db.GetTable(db, tablesLockTable); err == nil {
		return nil
	}

	steps := []struct {
		allowed string
		run     func() error
	}{
		{tablesdb.TypeDatabaseExists, func() error {
			_, err := t.db.Create(db, tablesDatabaseName)

			return err
		}},
		{tablesdb.TypeTableExists, func() error {
			_, err := t.db.CreateTable(db, tablesTableID, Namespace)

			return err
		}},
		{tablesdb.TypeColumnExists, func() error {
			_, err := t.db.CreateStringColumn(db, tablesTableID, "key", 255, true)

			return err
		}},
		{tablesdb.TypeColumnExists, func() error {
			_, err := t.db.CreateDatetimeColumn(db, tablesTableID, "time", true)

			return err
		}},
		{tablesdb.TypeColumnExists, func() error {
			_, err := t.db.CreateIntegerColumn(db, tablesTableID, "count", true,
				t.db.WithCreateIntegerColumnMin(0),
				t.db.WithCreateIntegerColumnMax(math.MaxInt),
			)

			return err
		}},
		{"", func() error { return t.waitReady(ctx, t.pendingColumns) }},
		{tablesdb.TypeIndexExists, func() error {
			_, err := t.db.CreateIndex(db, tablesTableID, "unique1", tablesdb.IndexUnique, []string{"key", "time"})

			return err
		}},
		{tablesdb.TypeIndexExists, func() error {
			_, err := t.db.CreateIndex(db, tablesTableID, "index2", tablesdb.IndexKey, []string{"time"})

			return err
		}},
		{"", func() error { return t.waitReady(ctx, t.pendingIndexes) }},
		{tablesdb.TypeTableExists, func() error {
			_, err := t.db.CreateTable(db, tablesLockTable, tablesLockTable)

			return err
		}},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := step.run()
		if tablesdb.IsType(err, step.allowed) {
			continue
		}

		if errors.Is(err, abuse.ErrConfiguration) || errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if err != nil {
			return abuse.Unavailable("tablesdb setup", err)
		}
	}

	return nil
}

func (t *TablesStore) Count(ctx context.Context, key string, w timelimit.Window) (int64, error) {
	row, found, err := t.lookup(ctx, key, w)
	if err != nil || !found {
		return 0, err
	}

	return row.Count, nil
}

func (t *TablesStore) Hit(ctx context.Context, key string, w timelimit.Window) error {
	row, found, err := t.lookup(ctx, key, w)
	if err != nil {
		return err
	}

	if found {
		return t.increment(ctx, row.ID)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	data := map[string]any{"key": key, "time": w.DateTime(), "count": 1}

	_, err = t.db.CreateRow(t.config.DatabaseID, tablesTableID, t.newID(), data)
	if err == nil {
		return nil
	}

	if !tablesdb.IsType(err, tablesdb.TypeRowExists) {
		return abuse.Unavailable("tablesdb create", err)
	}

	t.logger.Debug("counter created concurrently, incrementing instead",
		zap.String("key", key), zap.Int64("window", w.Start))

	row, found, err = t.lookup(ctx, key, w)
	if err != nil {
		return err
	}

	if !found {
		return abuse.Unavailable("tablesdb hit", fmt.Errorf("counter %q vanished after duplicate row", key))
	}

	return t.increment(ctx, row.ID)
}

func (t *TablesStore) Reset(ctx context.Context, key string, w timelimit.Window) error {
	_, err := t.deleteRows(ctx, query.Equal("key", key), query.Equal("time", w.DateTime()))

	return abuse.Unavailable("tablesdb reset", err)
}

func (t *TablesStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (bool, error) {
	before := timelimit.FormatDateTime(cutoff)

	return timelimit.DeleteUntilEmpty(ctx, t.config.CleanupPasses, func(ctx context.Context) (int64, error) {
		total, err := t.deleteRows(ctx, query.LessThan("time", before))
		if err != nil {
			return 0, abuse.Unavailable("tablesdb cleanup", err)
		}

		return total, nil
	})
}

func (t *TablesStore) List(ctx context.Context, offset, limit int) ([]abuse.Record, error) {
	rows, err := t.listRows(ctx,
		query.OrderDesc("time"),
		query.OrderAsc("key"),
		query.Offset(max(offset, 0)),
		query.Limit(abuse.PageLimit(limit)),
	)
	if err != nil {
		return nil, abuse.Unavailable("tablesdb list", err)
	}

	records := make([]abuse.Record, 0, len(rows))

	for _, row := range rows {
		ts, err := timelimit.ParseCutoff(row.Time)
		if err != nil {
			t.logger.Warn("skipping row with unreadable time", zap.String("row", row.ID), zap.Error(err))

			continue
		}

		records = append(records, abuse.Record{Key: row.Key, Time: ts, Count: row.Count})
	}

	return records, nil
}

// Ping reads the counter table's metadata.
func (t *TablesStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := t.db.GetTable(t.config.DatabaseID, tablesTableID)

	return abuse.Unavailable("tablesdb ping", err)
}

func (t *TablesStore) lookup(ctx context.Context, key string, w timelimit.Window) (tablesRow, bool, error) {
	rows, err := t.listRows(ctx,
		query.Equal("key", key),
		query.Equal("time", w.DateTime()),
		query.Limit(1),
	)
	if err != nil {
		return tablesRow{}, false, abuse.Unavailable("tablesdb lookup", err)
	}

	if len(rows) == 0 {
		return tablesRow{}, false, nil
	}

	return rows[0], true, nil
}

// The SDK takes no context; every call checks ctx first and relies on the client timeout.
func (t *TablesStore) listRows(ctx context.Context, queries ...string) ([]tablesRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	list, err := t.db.ListRows(t.config.DatabaseID, tablesTableID, t.db.WithListRowsQueries(queries))
	if err != nil {
		return nil, err
	}

	var out struct {
		Rows []tablesRow `json:"rows"`
	}

	if err := list.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}

	return out.Rows, nil
}

func (t *TablesStore) deleteRows(ctx context.Context, queries ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted, err := t.db.DeleteRows(t.config.DatabaseID, tablesTableID, t.db.WithDeleteRowsQueries(queries))
	if err != nil {
		return 0, err
	}

	return int64(deleted.Total), nil
}

func (t *TablesStore) increment(ctx context.Context, rowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := t.db.IncrementRowColumn(t.config.DatabaseID, tablesTableID, rowID, "count",
		t.db.WithIncrementRowColumnValue(1),
	)

	return abuse.Unavailable("tablesdb increment", err)
}

func (t *TablesStore) pendingColumns() (int, error) {
	list, err := t.db.ListColumns(t.config.DatabaseID, tablesTableID,
		t.db.WithListColumnsQueries(pendingQueries()),
	)
	if err != nil {
		return 0, err
	}

	busy := 0

	for _, c := range list.Columns {
		if col, ok := c.(map[string]any); ok && col["status"] != tablesdb.StatusAvailable {
			busy++
		}
	}

	return busy, nil
}

func (t *TablesStore) pendingIndexes() (int, error) {
	list, err := t.db.ListIndexes(t.config.DatabaseID, tablesTableID,
		t.db.WithListIndexesQueries(pendingQueries()),
	)
	if err != nil {
		return 0, err
	}

	busy := 0

	for _, idx := range list.Indexes {
		if idx.Status != tablesdb.StatusAvailable {
			busy++
		}
	}

	return busy, nil
}

// waitReady polls pending until nothing of the table is still being built.
func (t *TablesStore) waitReady(ctx context.Context, pending func() (int, error)) error {
	for range t.config.ReadyAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		busy, err := pending()
		if err != nil {
			return err
		}

		if busy == 0 {
			return nil
		}

		timer := time.NewTimer(t.config.ReadyInterval)
		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: tablesdb schema not available after %d attempts",
		abuse.ErrConfiguration, t.config.ReadyAttempts)
}

func pendingQueries() []string {
	return []string{query.NotEqual("status", tablesdb.StatusAvailable), query.Limit(1)}
}

// Compile-time check.
var (
	_ timelimit.Store   = (*TablesStore)(nil)
	_ timelimit.Setuper = (*TablesStore)(nil)
)
