package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/serroba/abuse/internal/store"
	"github.com/serroba/abuse/internal/timelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMiniCluster serves a single-node cluster; miniredis answers CLUSTER SLOTS with itself.
func newMiniCluster(t *testing.T, cleanupPasses int) (*miniredis.Miniredis, *store.RedisClusterStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{mr.Addr()}})

	s := store.NewRedisClusterStore(client, cleanupPasses, nil)
	t.Cleanup(func() { _ = s.Shutdown() })

	return mr, s
}

func TestRedisClusterStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) timelimit.Store {
		_, s := newMiniCluster(t, 0)

		return s
	}, suiteConfig{})

	ctx := context.Background()

	t.Run("cleanup deletes only expired windows of the namespace", func(t *testing.T) {
		mr, s := newMiniCluster(t, 0)
		old := timelimit.CurrentWindow(60, base.Add(-time.Hour))
		current := timelimit.CurrentWindow(60, base)

		require.NoError(t, s.Hit(ctx, "k", old))
		require.NoError(t, s.Hit(ctx, "k", current))
		require.NoError(t, mr.Set("other:k:1", "5"))

		complete, err := s.DeleteOlderThan(ctx, current.Time())
		require.NoError(t, err)
		assert.True(t, complete)

		assert.False(t, mr.Exists("abuse:k:"+old.String()))
		assert.True(t, mr.Exists("abuse:k:"+current.String()))
		assert.True(t, mr.Exists("other:k:1"))
	})

	t.Run("cleanup reports incomplete at the pass limit", func(t *testing.T) {
		_, s := newMiniCluster(t, 1)

		require.NoError(t, s.Hit(ctx, "k", timelimit.CurrentWindow(60, base.Add(-time.Hour))))

		complete, err := s.DeleteOlderThan(ctx, base)
		require.NoError(t, err)
		assert.False(t, complete)
	})
}
