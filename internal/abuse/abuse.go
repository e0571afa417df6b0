// Package abuse is the caller-facing entry point for abuse detection. An Abuse wraps a
// single Adapter: either a time-windowed counter (see package timelimit) or a remote
// human-verification check (see package captcha).
package abuse

import (
	"context"
	"time"
)

// DefaultLogLimit is the page size applied when Logs is called without a limit.
const DefaultLogLimit = 25

// Record is one counter row: how many hits Key received in the window starting at Time.
type Record struct {
	Key   string    `json:"key"`
	Time  time.Time `json:"time"`
	Count int64     `json:"count"`
}

// Adapter is the capability every abuse check implements.
type Adapter interface {
	// Check reports whether the current request is abusive. Crossing a limit is a normal
	// true result; only infrastructure failures return an error.
	Check(ctx context.Context) (bool, error)

	// Logs returns records newest first. A limit <= 0 falls back to DefaultLogLimit.
	Logs(ctx context.Context, offset, limit int) ([]Record, error)

	// Cleanup deletes every record whose window starts before cutoff and reports whether
	// none remain.
	Cleanup(ctx context.Context, cutoff time.Time) (bool, error)
}

// Abuse delegates to its adapter.
type Abuse struct {
	adapter Adapter
	now     func() time.Time
}

// New creates an Abuse facade for adapter.
func New(adapter Adapter) *Abuse {
	return &Abuse{
		adapter: adapter,
		now:     time.Now,
	}
}

// Check reports whether the request is considered abuse.
func (a *Abuse) Check(ctx context.Context) (bool, error) {
	return a.adapter.Check(ctx)
}

// Logs returns a page of records, newest first.
func (a *Abuse) Logs(ctx context.Context, offset, limit int) ([]Record, error) {
	return a.adapter.Logs(ctx, offset, PageLimit(limit))
}

// Cleanup deletes all records older than cutoff.
func (a *Abuse) Cleanup(ctx context.Context, cutoff time.Time) (bool, error) {
	return a.adapter.Cleanup(ctx, cutoff)
}

// CleanupOlderThan deletes all records whose window started more than age ago.
func (a *Abuse) CleanupOlderThan(ctx context.Context, age time.Duration) (bool, error) {
	return a.adapter.Cleanup(ctx, a.now().Add(-age))
}

// PageLimit normalizes a caller supplied page size.
func PageLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}

	return limit
}
