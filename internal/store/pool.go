package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/timelimit"
)

// PooledStore runs every operation on a connection borrowed from a pool. bind turns the
// borrowed connection into the store that executes the call. The connection is returned to
// the pool on every path, including panics, unless the call reports the backend unavailable,
// in which case it is destroyed and the next call dials a fresh one.
type PooledStore[C any] struct {
	pool *puddle.Pool[C]
	bind func(C) timelimit.Store
}

// NewPooledStore creates a store that delegates to bind(conn) for a pooled conn.
func NewPooledStore[C any](pool *puddle.Pool[C], bind func(C) timelimit.Store) *PooledStore[C] {
	return &PooledStore[C]{pool: pool, bind: bind}
}

// NewPool builds a bounded connection pool. destroy may be nil.
func NewPool[C any](size int32, create func(ctx context.Context) (C, error), destroy func(C)) (*puddle.Pool[C], error) {
	if destroy == nil {
		destroy = func(C) {}
	}

	pool, err := puddle.NewPool(&puddle.Config[C]{
		Constructor: create,
		Destructor:  destroy,
		MaxSize:     max(size, 1),
	})
	if err != nil {
		return nil, abuse.Unavailable("pool create", err)
	}

	return pool, nil
}

func (p *PooledStore[C]) Count(ctx context.Context, key string, w timelimit.Window) (int64, error) {
	return withStore(ctx, p, func(s timelimit.Store) (int64, error) {
		return s.Count(ctx, key, w)
	})
}

func (p *PooledStore[C]) Hit(ctx context.Context, key string, w timelimit.Window) error {
	_, err := withStore(ctx, p, func(s timelimit.Store) (struct{}, error) {
		return struct{}{}, s.Hit(ctx, key, w)
	})

	return err
}

func (p *PooledStore[C]) Reset(ctx context.Context, key string, w timelimit.Window) error {
	_, err := withStore(ctx, p, func(s timelimit.Store) (struct{}, error) {
		return struct{}{}, s.Reset(ctx, key, w)
	})

	return err
}

func (p *PooledStore[C]) DeleteOlderThan(ctx context.Context, cutoff time.Time) (bool, error) {
	return withStore(ctx, p, func(s timelimit.Store) (bool, error) {
		return s.DeleteOlderThan(ctx, cutoff)
	})
}

func (p *PooledStore[C]) List(ctx context.Context, offset, limit int) ([]abuse.Record, error) {
	return withStore(ctx, p, func(s timelimit.Store) ([]abuse.Record, error) {
		return s.List(ctx, offset, limit)
	})
}

// Setup runs Setup on one borrowed connection when the bound store supports it.
func (p *PooledStore[C]) Setup(ctx context.Context) error {
	_, err := withStore(ctx, p, func(s timelimit.Store) (struct{}, error) {
		if setuper, ok := s.(timelimit.Setuper); ok {
			return struct{}{}, setuper.Setup(ctx)
		}

		return struct{}{}, nil
	})

	return err
}

// Stat reports how many connections are idle and in use.
func (p *PooledStore[C]) Stat() (idle, acquired int32) {
	stat := p.pool.Stat()

	return stat.IdleResources(), stat.AcquiredResources()
}

// Shutdown closes the pool once every borrowed connection is released.
func (p *PooledStore[C]) Shutdown() error {
	p.pool.Close()

	return nil
}

func withStore[C, R any](ctx context.Context, p *PooledStore[C], fn func(timelimit.Store) (R, error)) (R, error) {
	var zero R

	res, err := p.pool.Acquire(ctx)
	if err != nil {
		return zero, abuse.Unavailable("pool acquire", err)
	}

	broken := false

	defer func() {
		if broken {
			res.Destroy()

			return
		}

		res.Release()
	}()

	out, err := fn(p.bind(res.Value()))
	broken = errors.Is(err, abuse.ErrBackendUnavailable)

	return out, err
}

// Compile-time check.
var (
	_ timelimit.Store   = (*PooledStore[*RedisStore])(nil)
	_ timelimit.Setuper = (*PooledStore[*RedisStore])(nil)
)
