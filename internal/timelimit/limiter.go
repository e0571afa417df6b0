// Package timelimit implements a fixed-window abuse counter on top of a pluggable Store.
//
// A Limiter is bound to one window for its whole lifetime: the window is computed when the
// Limiter is created and never refreshed. Create a new Limiter per request.
package timelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/serroba/abuse/internal/abuse"
	"go.uber.org/zap"
)

// Limiter counts hits for one key in one window against a limit.
//
// The first count read from the store is cached for the Limiter's lifetime and increased
// locally after each hit, so Remaining does not observe hits recorded by other Limiters
// after that first read. Reset clears the cache.
type Limiter struct {
	store    Store
	template *KeyTemplate
	limit    int64
	window   Window
	logger   *zap.Logger

	mu     sync.Mutex
	cached *int64
}

// Option configures a Limiter.
type Option func(*options)

type options struct {
	clock  Clock
	logger *zap.Logger
}

// WithClock sets the clock used to compute the window.
func WithClock(clock Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a Limiter allowing limit hits per window of seconds for the key built from
// pattern. A limit of 0 never blocks and never touches the store.
func New(store Store, pattern string, limit, seconds int64, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", abuse.ErrConfiguration)
	}

	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must be >= 0, got %d", abuse.ErrConfiguration, limit)
	}

	if seconds <= 0 {
		return nil, fmt.Errorf("%w: window must be > 0 seconds, got %d", abuse.ErrConfiguration, seconds)
	}

	o := options{
		clock:  RealClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Limiter{
		store:    store,
		template: NewKeyTemplate(pattern),
		limit:    limit,
		window:   CurrentWindow(seconds, o.clock.Now()),
		logger:   o.logger,
	}, nil
}

// SetParam registers a substitution for the key pattern.
func (l *Limiter) SetParam(token, value string) *Limiter {
	l.template.SetParam(token, value)

	return l
}

// Key returns the resolved counter key.
func (l *Limiter) Key() string {
	return l.template.Resolve()
}

// Limit returns the configured limit.
func (l *Limiter) Limit() int64 {
	return l.limit
}

// Window returns the window this Limiter is bound to.
func (l *Limiter) Window() Window {
	return l.window
}

// WindowStart returns the start of the bound window in UTC.
func (l *Limiter) WindowStart() time.Time {
	return l.window.Time()
}

// Check records the attempt and reports whether the key is over its limit.
// Nothing is recorded once the limit is reached.
func (l *Limiter) Check(ctx context.Context) (bool, error) {
	if l.limit == 0 {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.Key()

	count, err := l.count(ctx, key)
	if err != nil {
		return false, err
	}

	if count >= l.limit {
		l.logger.Debug("limit reached",
			zap.String("key", key),
			zap.String("pattern", l.template.Pattern()),
			zap.Int64("count", count),
			zap.Int64("limit", l.limit),
			zap.Int64("window", l.window.Start),
		)

		return true, nil
	}

	if err := l.store.Hit(ctx, key, l.window); err != nil {
		return false, err
	}

	count++
	l.cached = &count

	return false, nil
}

// Remaining returns how many more attempts fit in the window after the current one.
func (l *Limiter) Remaining(ctx context.Context) (int64, error) {
	if l.limit == 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.count(ctx, l.Key())
	if err != nil {
		return 0, err
	}

	return max(0, l.limit-(count+1)), nil
}

// Reset deletes the counter for the bound window so the quota can be reused immediately.
func (l *Limiter) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cached = nil

	return l.store.Reset(ctx, l.Key(), l.window)
}

// Logs lists stored counters newest first.
func (l *Limiter) Logs(ctx context.Context, offset, limit int) ([]abuse.Record, error) {
	return l.store.List(ctx, offset, abuse.PageLimit(limit))
}

// Cleanup deletes counters whose window starts before cutoff.
func (l *Limiter) Cleanup(ctx context.Context, cutoff time.Time) (bool, error) {
	return l.store.DeleteOlderThan(ctx, cutoff)
}

// Setup bootstraps the store schema when the store needs one.
func (l *Limiter) Setup(ctx context.Context) error {
	s, ok := l.store.(Setuper)
	if !ok {
		return nil
	}

	return s.Setup(ctx)
}

// count must be called with l.mu held.
func (l *Limiter) count(ctx context.Context, key string) (int64, error) {
	if l.cached != nil {
		return *l.cached, nil
	}

	count, err := l.store.Count(ctx, key, l.window)
	if err != nil {
		return 0, err
	}

	l.cached = &count

	return count, nil
}

var _ abuse.Adapter = (*Limiter)(nil)
