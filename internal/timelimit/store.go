package timelimit

import (
	"context"
	"sort"
	"time"

	"github.com/serroba/abuse/internal/abuse"
)

// Store defines the counter capability a Limiter needs from a backend.
// Implementations must be safe for concurrent use by many Limiters.
type Store interface {
	// Count returns the hits recorded for key in w, or 0 if there are none.
	Count(ctx context.Context, key string, w Window) (int64, error)

	// Hit increments the counter for key in w, creating it with a count of 1 when absent.
	// Concurrent first hits must all be counted exactly once.
	Hit(ctx context.Context, key string, w Window) error

	// Reset removes the counter for key in w.
	Reset(ctx context.Context, key string, w Window) error

	// DeleteOlderThan removes every counter whose window starts before cutoff and reports
	// whether none remain.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (bool, error)

	// List returns counters newest window first.
	List(ctx context.Context, offset, limit int) ([]abuse.Record, error)
}

// Setuper is implemented by stores that need a schema before use.
// Setup must be idempotent.
type Setuper interface {
	Setup(ctx context.Context) error
}

// DeletePass removes one batch of expired counters and returns how many it removed.
type DeletePass func(ctx context.Context) (int64, error)

// DeleteUntilEmpty runs pass until it removes nothing. A positive maxPasses bounds the loop;
// when the bound is reached before an empty pass it returns false.
func DeleteUntilEmpty(ctx context.Context, maxPasses int, pass DeletePass) (bool, error) {
	for i := 0; maxPasses <= 0 || i < maxPasses; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		deleted, err := pass(ctx)
		if err != nil {
			return false, err
		}

		if deleted == 0 {
			return true, nil
		}
	}

	return false, nil
}

// SortRecords orders records newest window first, then by key, for stable pagination.
func SortRecords(records []abuse.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Time.Equal(records[j].Time) {
			return records[i].Time.After(records[j].Time)
		}

		return records[i].Key < records[j].Key
	})
}

// Page slices records by offset and limit. A limit <= 0 uses abuse.DefaultLogLimit.
func Page[T any](items []T, offset, limit int) []T {
	limit = abuse.PageLimit(limit)

	if offset < 0 {
		offset = 0
	}

	if offset >= len(items) {
		return []T{}
	}

	end := min(offset+limit, len(items))

	return items[offset:end]
}
