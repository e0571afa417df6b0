package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/timelimit"
	"go.uber.org/zap"
)

// RedisClusterStore is a Redis Cluster implementation of timelimit.Store.
// SCAN only sees the keys of one node, so listing and cleanup walk every primary and merge
// the results.
type RedisClusterStore struct {
	client        *redis.ClusterClient
	cleanupPasses int
	logger        *zap.Logger
}

// NewRedisClusterStore creates a cluster-backed counter store. cleanupPasses bounds the
// DeleteOlderThan loop; 0 means unbounded.
func NewRedisClusterStore(client *redis.ClusterClient, cleanupPasses int, logger *zap.Logger) *RedisClusterStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisClusterStore{
		client:        client,
		cleanupPasses: cleanupPasses,
		logger:        logger,
	}
}

func (r *RedisClusterStore) Count(ctx context.Context, key string, w timelimit.Window) (int64, error) {
	return getCount(ctx, r.client, counterKey(key, w))
}

func (r *RedisClusterStore) Hit(ctx context.Context, key string, w timelimit.Window) error {
	return incrWithExpiry(ctx, r.client, counterKey(key, w), w.TTL())
}

func (r *RedisClusterStore) Reset(ctx context.Context, key string, w timelimit.Window) error {
	return abuse.Unavailable("redis cluster reset", r.client.Del(ctx, counterKey(key, w)).Err())
}

// DeleteOlderThan deletes keys one by one because counters of different keys live in
// different hash slots.
func (r *RedisClusterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (bool, error) {
	limit := cutoff.Unix()

	return timelimit.DeleteUntilEmpty(ctx, r.cleanupPasses, func(ctx context.Context) (int64, error) {
		keys, err := r.scanMasters(ctx)
		if err != nil {
			return 0, err
		}

		var deleted int64

		for _, k := range keys {
			_, start, err := parseCounterKey(k)
			if err != nil || start >= limit {
				continue
			}

			n, err := r.client.Del(ctx, k).Result()
			if err != nil {
				return deleted, abuse.Unavailable("redis cluster delete", err)
			}

			deleted += n
		}

		r.logger.Debug("cluster cleanup pass", zap.Int("scanned", len(keys)), zap.Int64("deleted", deleted))

		return deleted, nil
	})
}

func (r *RedisClusterStore) List(ctx context.Context, offset, limit int) ([]abuse.Record, error) {
	keys, err := r.scanMasters(ctx)
	if err != nil {
		return nil, err
	}

	return listCounters(ctx, r.client, keys, offset, limit)
}

// Shutdown closes the underlying client.
func (r *RedisClusterStore) Shutdown() error {
	return r.client.Close()
}

func (r *RedisClusterStore) scanMasters(ctx context.Context) ([]string, error) {
	var (
		mu   sync.Mutex
		keys []string
	)

	err := r.client.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		found, err := scanKeys(ctx, node)
		if err != nil {
			return err
		}

		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()

		return nil
	})
	if err != nil {
		return nil, abuse.Unavailable("redis cluster scan", err)
	}

	return keys, nil
}

// Compile-time check.
var _ timelimit.Store = (*RedisClusterStore)(nil)
