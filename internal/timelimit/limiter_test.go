package timelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/store"
	"github.com/serroba/abuse/internal/timelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

var now = time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)

// spyStore counts the calls that reach the wrapped store.
type spyStore struct {
	timelimit.Store

	mu     sync.Mutex
	counts int
	hits   int
}

func (s *spyStore) Count(ctx context.Context, key string, w timelimit.Window) (int64, error) {
	s.mu.Lock()
	s.counts++
	s.mu.Unlock()

	return s.Store.Count(ctx, key, w)
}

func (s *spyStore) Hit(ctx context.Context, key string, w timelimit.Window) error {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()

	return s.Store.Hit(ctx, key, w)
}

type failingStore struct {
	timelimit.Store
	err error
}

func (f failingStore) Count(context.Context, string, timelimit.Window) (int64, error) {
	return 0, f.err
}

type setupStore struct {
	timelimit.Store
	called bool
}

func (s *setupStore) Setup(context.Context) error {
	s.called = true

	return nil
}

func newLimiter(t *testing.T, s timelimit.Store, pattern string, limit, seconds int64) *timelimit.Limiter {
	t.Helper()

	l, err := timelimit.New(s, pattern, limit, seconds, timelimit.WithClock(timelimit.NewFakeClock(now)))
	require.NoError(t, err)

	return l
}

func TestNew(t *testing.T) {
	s := store.NewMemoryStore()

	for _, tc := range []struct {
		name    string
		store   timelimit.Store
		limit   int64
		seconds int64
	}{
		{"nil store", nil, 1, 60},
		{"negative limit", s, -1, 60},
		{"zero window", s, 1, 0},
		{"negative window", s, 1, -60},
	} {
		t.Run("rejects "+tc.name, func(t *testing.T) {
			_, err := timelimit.New(tc.store, "k", tc.limit, tc.seconds)

			assert.ErrorIs(t, err, abuse.ErrConfiguration)
		})
	}

	t.Run("binds the window at construction", func(t *testing.T) {
		clock := timelimit.NewFakeClock(now)

		l, err := timelimit.New(s, "k", 1, 60, timelimit.WithClock(clock))
		require.NoError(t, err)

		clock.Advance(time.Hour)

		assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), l.WindowStart())
		assert.Equal(t, timelimit.CurrentWindow(60, now), l.Window())
		assert.Equal(t, int64(1), l.Limit())
	})
}

func TestLimiter_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("allows the first N checks and blocks the next", func(t *testing.T) {
		s := store.NewMemoryStore()

		for i := range 5 {
			blocked, err := newLimiter(t, s, "k", 5, 60).Check(ctx)
			require.NoError(t, err)
			assert.False(t, blocked, "check %d", i+1)
		}

		blocked, err := newLimiter(t, s, "k", 5, 60).Check(ctx)
		require.NoError(t, err)
		assert.True(t, blocked)

		count, err := s.Count(ctx, "k", timelimit.CurrentWindow(60, now))
		require.NoError(t, err)
		assert.Equal(t, int64(5), count, "blocked checks are not recorded")
	})

	t.Run("logs the key and its pattern when the limit is reached", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		s := store.NewMemoryStore()

		newCheck := func() *timelimit.Limiter {
			l, err := timelimit.New(s, "login-{{ip}}", 1, 60,
				timelimit.WithClock(timelimit.NewFakeClock(now)),
				timelimit.WithLogger(zap.New(core)),
			)
			require.NoError(t, err)

			return l.SetParam("{{ip}}", "1.2.3.4")
		}

		_, err := newCheck().Check(ctx)
		require.NoError(t, err)
		assert.Zero(t, logs.Len())

		blocked, err := newCheck().Check(ctx)
		require.NoError(t, err)
		require.True(t, blocked)

		entries := logs.FilterMessage("limit reached").All()
		require.Len(t, entries, 1)

		fields := entries[0].ContextMap()
		assert.Equal(t, "login-1.2.3.4", fields["key"])
		assert.Equal(t, "login-{{ip}}", fields["pattern"])
		assert.Equal(t, int64(1), fields["limit"])
	})

	t.Run("a zero limit never blocks and never touches the store", func(t *testing.T) {
		spy := &spyStore{Store: store.NewMemoryStore()}
		l := newLimiter(t, spy, "k", 0, 60)

		for range 10 {
			blocked, err := l.Check(ctx)
			require.NoError(t, err)
			assert.False(t, blocked)
		}

		remaining, err := l.Remaining(ctx)
		require.NoError(t, err)
		assert.Zero(t, remaining)
		assert.Zero(t, spy.counts)
		assert.Zero(t, spy.hits)

		logs, err := l.Logs(ctx, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("keeps resolved keys apart", func(t *testing.T) {
		s := store.NewMemoryStore()

		blocked, err := newLimiter(t, s, "login-{{ip}}", 1, 60).SetParam("{{ip}}", "1.1.1.1").Check(ctx)
		require.NoError(t, err)
		assert.False(t, blocked)

		blocked, err = newLimiter(t, s, "login-{{ip}}", 1, 60).SetParam("{{ip}}", "2.2.2.2").Check(ctx)
		require.NoError(t, err)
		assert.False(t, blocked)

		blocked, err = newLimiter(t, s, "login-{{ip}}", 1, 60).SetParam("{{ip}}", "1.1.1.1").Check(ctx)
		require.NoError(t, err)
		assert.True(t, blocked)
	})

	t.Run("starts over in the next window", func(t *testing.T) {
		s := store.NewMemoryStore()
		clock := timelimit.NewFakeClock(now)

		check := func() bool {
			l, err := timelimit.New(s, "k", 1, 60, timelimit.WithClock(clock))
			require.NoError(t, err)

			blocked, err := l.Check(ctx)
			require.NoError(t, err)

			return blocked
		}

		assert.False(t, check())
		assert.True(t, check())

		clock.Advance(time.Minute)

		assert.False(t, check())
	})

	t.Run("reads the store once per limiter", func(t *testing.T) {
		spy := &spyStore{Store: store.NewMemoryStore()}
		l := newLimiter(t, spy, "k", 3, 60)

		for range 4 {
			_, err := l.Check(ctx)
			require.NoError(t, err)
		}

		_, err := l.Remaining(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, spy.counts)
		assert.Equal(t, 3, spy.hits)
	})

	t.Run("propagates store errors", func(t *testing.T) {
		boom := abuse.Unavailable("test count", errors.New("down"))
		l := newLimiter(t, failingStore{Store: store.NewMemoryStore(), err: boom}, "k", 3, 60)

		blocked, err := l.Check(ctx)
		require.ErrorIs(t, err, abuse.ErrBackendUnavailable)
		assert.False(t, blocked)

		_, err = l.Remaining(ctx)
		assert.ErrorIs(t, err, abuse.ErrBackendUnavailable)
	})

	t.Run("counts every allowed concurrent check exactly once", func(t *testing.T) {
		s := store.NewMemoryStore()

		const (
			callers = 50
			limit   = 10
		)

		var (
			g       errgroup.Group
			mu      sync.Mutex
			allowed int64
		)

		for range callers {
			g.Go(func() error {
				l, err := timelimit.New(s, "k", limit, 60, timelimit.WithClock(timelimit.NewFakeClock(now)))
				if err != nil {
					return err
				}

				blocked, err := l.Check(ctx)
				if err != nil {
					return err
				}

				if !blocked {
					mu.Lock()
					allowed++
					mu.Unlock()
				}

				return nil
			})
		}

		require.NoError(t, g.Wait())

		count, err := s.Count(ctx, "k", timelimit.CurrentWindow(60, now))
		require.NoError(t, err)
		assert.Equal(t, allowed, count)
		assert.GreaterOrEqual(t, allowed, int64(limit))
	})
}

func TestLimiter_Remaining(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLimiter(t, s, "k", 3, 60)

	var got []int64

	for range 4 {
		_, err := l.Check(ctx)
		require.NoError(t, err)

		remaining, err := l.Remaining(ctx)
		require.NoError(t, err)

		got = append(got, remaining)
	}

	assert.Equal(t, []int64{1, 0, 0, 0}, got)

	fresh, err := newLimiter(t, s, "other", 3, 60).Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh)
}

func TestLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLimiter(t, s, "k", 2, 60)

	for range 3 {
		_, err := l.Check(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, l.Reset(ctx))

	for i := range 2 {
		blocked, err := l.Check(ctx)
		require.NoError(t, err)
		assert.False(t, blocked, "check %d after reset", i+1)
	}

	blocked, err := l.Check(ctx)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestLimiter_Adapter(t *testing.T) {
	ctx := context.Background()

	t.Run("lists and cleans up through the facade", func(t *testing.T) {
		s := store.NewMemoryStore()
		l := newLimiter(t, s, "login-{{ip}}", 3, 300).SetParam("{{ip}}", "10.0.0.1")
		facade := abuse.New(l)

		for range 4 {
			_, err := facade.Check(ctx)
			require.NoError(t, err)
		}

		logs, err := facade.Logs(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, abuse.Record{Key: "login-10.0.0.1", Time: l.WindowStart(), Count: 3}, logs[0])

		complete, err := facade.Cleanup(ctx, now.Add(-time.Second))
		require.NoError(t, err)
		assert.True(t, complete)

		logs, err = facade.Logs(ctx, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("runs setup only on stores that need it", func(t *testing.T) {
		plain := newLimiter(t, store.NewMemoryStore(), "k", 1, 60)
		require.NoError(t, plain.Setup(ctx))

		s := &setupStore{Store: store.NewMemoryStore()}
		require.NoError(t, newLimiter(t, s, "k", 1, 60).Setup(ctx))
		assert.True(t, s.called)
	})
}
