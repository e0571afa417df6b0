package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/timelimit"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// counterRow is the persisted form of one counter.
type counterRow struct {
	ID    uint64    `gorm:"primaryKey"`
	Key   string    `gorm:"size:255;not null;uniqueIndex:abuse_key_time"`
	Time  time.Time `gorm:"not null;uniqueIndex:abuse_key_time;index:abuse_time"`
	Count int64     `gorm:"not null;default:0"`
}

func (counterRow) TableName() string {
	return Namespace
}

// OpenSQLite opens a SQLite database for a GormStore. Driver errors are translated so a
// uniqueness violation surfaces as gorm.ErrDuplicatedKey.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, abuse.Unavailable("sqlite open", err)
	}

	return db, nil
}

// GormStore is a relational timelimit.Store on top of gorm. The db must be opened with
// TranslateError enabled.
type GormStore struct {
	db            *gorm.DB
	cleanupBatch  int
	cleanupPasses int
	logger        *zap.Logger
}

// NewGormStore creates a gorm-backed counter store. cleanupPasses bounds DeleteOlderThan;
// 0 means unbounded.
func NewGormStore(db *gorm.DB, cleanupPasses int, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GormStore{
		db:            db,
		cleanupBatch:  defaultCleanupBatch,
		cleanupPasses: cleanupPasses,
		logger:        logger,
	}
}

// Setup migrates the counter table and its indexes.
func (g *GormStore) Setup(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(&counterRow{}); err != nil {
		return abuse.Unavailable("gorm setup", err)
	}

	return nil
}

func (g *GormStore) Count(ctx context.Context, key string, w timelimit.Window) (int64, error) {
	row, found, err := g.lookup(ctx, key, w)
	if err != nil || !found {
		return 0, err
	}

	return row.Count, nil
}

func (g *GormStore) Hit(ctx context.Context, key string, w timelimit.Window) error {
	row, found, err := g.lookup(ctx, key, w)
	if err != nil {
		return err
	}

	if found {
		return g.increment(ctx, row.ID)
	}

	err = g.db.WithContext(ctx).Create(&counterRow{Key: key, Time: w.Time(), Count: 1}).Error
	if err == nil {
		return nil
	}

	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return abuse.Unavailable("gorm insert", err)
	}

	g.logger.Debug("counter created concurrently, incrementing instead",
		zap.String("key", key), zap.Int64("window", w.Start))

	row, found, err = g.lookup(ctx, key, w)
	if err != nil {
		return err
	}

	if !found {
		return abuse.Unavailable("gorm hit", fmt.Errorf("counter %q vanished after unique violation", key))
	}

	return g.increment(ctx, row.ID)
}

func (g *GormStore) Reset(ctx context.Context, key string, w timelimit.Window) error {
	err := g.db.WithContext(ctx).
		Where(&counterRow{Key: key, Time: w.Time()}).
		Delete(&counterRow{}).Error

	return abuse.Unavailable("gorm reset", err)
}

func (g *GormStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (bool, error) {
	return timelimit.DeleteUntilEmpty(ctx, g.cleanupPasses, func(ctx context.Context) (int64, error) {
		db := g.db.WithContext(ctx)
		batch := db.Model(&counterRow{}).
			Select("id").
			Where(clause.Lt{Column: clause.Column{Name: "time"}, Value: cutoff.UTC()}).
			Limit(g.cleanupBatch)

		res := db.Where("id IN (?)", batch).Delete(&counterRow{})
		if res.Error != nil {
			return 0, abuse.Unavailable("gorm cleanup", res.Error)
		}

		return res.RowsAffected, nil
	})
}

func (g *GormStore) List(ctx context.Context, offset, limit int) ([]abuse.Record, error) {
	var rows []counterRow

	err := g.db.WithContext(ctx).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "time"}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).
		Offset(max(offset, 0)).
		Limit(abuse.PageLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, abuse.Unavailable("gorm list", err)
	}

	records := make([]abuse.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, abuse.Record{Key: r.Key, Time: r.Time.UTC(), Count: r.Count})
	}

	return records, nil
}

// Shutdown closes the underlying connection pool.
func (g *GormStore) Shutdown() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func (g *GormStore) lookup(ctx context.Context, key string, w timelimit.Window) (counterRow, bool, error) {
	var rows []counterRow

	err := g.db.WithContext(ctx).
		Where(&counterRow{Key: key, Time: w.Time()}).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return counterRow{}, false, abuse.Unavailable("gorm lookup", err)
	}

	if len(rows) == 0 {
		return counterRow{}, false, nil
	}

	return rows[0], true, nil
}

func (g *GormStore) increment(ctx context.Context, id uint64) error {
	err := g.db.WithContext(ctx).
		Model(&counterRow{}).
		Where("id = ?", id).
		UpdateColumn("count", gorm.Expr("count + ?", 1)).Error

	return abuse.Unavailable("gorm increment", err)
}

// Compile-time check.
var (
	_ timelimit.Store   = (*GormStore)(nil)
	_ timelimit.Setuper = (*GormStore)(nil)
)
