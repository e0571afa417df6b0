package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/timelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var base = time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)

type suiteConfig struct {
	// expires is set for stores that rely on native expiry; their cleanup deletes nothing.
	expires bool

	// hitters is the number of goroutines racing on one counter.
	hitters int
}

// runStoreSuite checks the behavior every timelimit.Store shares. newStore must return an
// empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) timelimit.Store, cfg suiteConfig) {
	t.Helper()

	if cfg.hitters == 0 {
		cfg.hitters = 20
	}

	ctx := context.Background()
	minute := timelimit.CurrentWindow(60, base)

	t.Run("counts zero for an unknown key", func(t *testing.T) {
		s := newStore(t)

		count, err := s.Count(ctx, uuid.NewString(), minute)

		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("creates the counter on the first hit and increments after", func(t *testing.T) {
		s := newStore(t)
		key := uuid.NewString()

		for range 3 {
			require.NoError(t, s.Hit(ctx, key, minute))
		}

		count, err := s.Count(ctx, key, minute)

		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})

	t.Run("keeps keys and windows apart", func(t *testing.T) {
		s := newStore(t)
		next := timelimit.CurrentWindow(60, base.Add(time.Minute))

		require.NoError(t, s.Hit(ctx, "a", minute))
		require.NoError(t, s.Hit(ctx, "a", minute))
		require.NoError(t, s.Hit(ctx, "b", minute))
		require.NoError(t, s.Hit(ctx, "a", next))

		for _, tc := range []struct {
			key  string
			w    timelimit.Window
			want int64
		}{
			{"a", minute, 2},
			{"b", minute, 1},
			{"a", next, 1},
			{"b", next, 0},
		} {
			count, err := s.Count(ctx, tc.key, tc.w)
			require.NoError(t, err)
			assert.Equal(t, tc.want, count, "%s@%d", tc.key, tc.w.Start)
		}
	})

	t.Run("resets only the given counter", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Hit(ctx, "a", minute))
		require.NoError(t, s.Hit(ctx, "b", minute))
		require.NoError(t, s.Reset(ctx, "a", minute))

		a, err := s.Count(ctx, "a", minute)
		require.NoError(t, err)
		assert.Zero(t, a)

		b, err := s.Count(ctx, "b", minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), b)

		require.NoError(t, s.Reset(ctx, "missing", minute), "resetting a missing counter is not an error")
	})

	t.Run("lists newest window first then by key", func(t *testing.T) {
		s := newStore(t)
		earlier := timelimit.CurrentWindow(60, base.Add(-time.Minute))

		require.NoError(t, s.Hit(ctx, "old", earlier))
		require.NoError(t, s.Hit(ctx, "b", minute))
		require.NoError(t, s.Hit(ctx, "a", minute))
		require.NoError(t, s.Hit(ctx, "a", minute))

		records, err := s.List(ctx, 0, 10)
		require.NoError(t, err)

		assert.Equal(t, []abuse.Record{
			{Key: "a", Time: minute.Time(), Count: 2},
			{Key: "b", Time: minute.Time(), Count: 1},
			{Key: "old", Time: earlier.Time(), Count: 1},
		}, normalize(records))

		page, err := s.List(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "b", page[0].Key)

		past, err := s.List(ctx, 10, 10)
		require.NoError(t, err)
		assert.Empty(t, past)
	})

	t.Run("cleanup removes windows before the cutoff", func(t *testing.T) {
		s := newStore(t)
		earlier := timelimit.CurrentWindow(60, base.Add(-time.Hour))

		require.NoError(t, s.Hit(ctx, "old", earlier))
		require.NoError(t, s.Hit(ctx, "new", minute))

		complete, err := s.DeleteOlderThan(ctx, minute.Time())
		require.NoError(t, err)
		assert.True(t, complete)

		if cfg.expires {
			return
		}

		records, err := s.List(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "new", records[0].Key)
	})

	t.Run("cleanup of an empty store is complete", func(t *testing.T) {
		s := newStore(t)

		complete, err := s.DeleteOlderThan(ctx, base)

		require.NoError(t, err)
		assert.True(t, complete)
	})

	t.Run("counts every concurrent first hit exactly once", func(t *testing.T) {
		s := newStore(t)
		key := uuid.NewString()

		var g errgroup.Group

		for range cfg.hitters {
			g.Go(func() error {
				return s.Hit(ctx, key, minute)
			})
		}

		require.NoError(t, g.Wait())

		count, err := s.Count(ctx, key, minute)
		require.NoError(t, err)
		assert.Equal(t, int64(cfg.hitters), count)
	})

	t.Run("blocks a login after three attempts", func(t *testing.T) {
		s := newStore(t)
		clock := timelimit.NewFakeClock(base)

		newLimiter := func() *timelimit.Limiter {
			l, err := timelimit.New(s, "login-{{ip}}", 3, 300, timelimit.WithClock(clock))
			require.NoError(t, err)

			return l.SetParam("{{ip}}", "10.0.0.1")
		}

		var outcomes []bool

		for range 4 {
			blocked, err := newLimiter().Check(ctx)
			require.NoError(t, err)

			outcomes = append(outcomes, blocked)
		}

		assert.Equal(t, []bool{false, false, false, true}, outcomes)

		logs, err := newLimiter().Logs(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "login-10.0.0.1", logs[0].Key)
		assert.Equal(t, int64(3), logs[0].Count)

		if cfg.expires {
			return
		}

		complete, err := newLimiter().Cleanup(ctx, base.Add(-time.Second))
		require.NoError(t, err)
		assert.True(t, complete)

		logs, err = newLimiter().Logs(ctx, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})
}

// normalize drops location and sub-second noise so records compare by value.
func normalize(records []abuse.Record) []abuse.Record {
	out := make([]abuse.Record, len(records))
	for i, r := range records {
		r.Time = r.Time.UTC().Truncate(time.Second)
		out[i] = r
	}

	return out
}
