package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/timelimit"
)

const scanBatch = 1000

// RedisStore is a Redis implementation of timelimit.Store.
// Each counter is one key that expires one window length after its last hit, so
// DeleteOlderThan has nothing to do. The client is owned by the caller.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Count(ctx context.Context, key string, w timelimit.Window) (int64, error) {
	return getCount(ctx, r.client, counterKey(key, w))
}

// Hit runs INCR and EXPIRE in one MULTI/EXEC so a counter can never be left without a TTL.
func (r *RedisStore) Hit(ctx context.Context, key string, w timelimit.Window) error {
	return incrWithExpiry(ctx, r.client, counterKey(key, w), w.TTL())
}

func (r *RedisStore) Reset(ctx context.Context, key string, w timelimit.Window) error {
	return abuse.Unavailable("redis reset", r.client.Del(ctx, counterKey(key, w)).Err())
}

// DeleteOlderThan always succeeds: expiry reclaims old counters.
func (r *RedisStore) DeleteOlderThan(_ context.Context, _ time.Time) (bool, error) {
	return true, nil
}

func (r *RedisStore) List(ctx context.Context, offset, limit int) ([]abuse.Record, error) {
	keys, err := scanKeys(ctx, r.client)
	if err != nil {
		return nil, err
	}

	return listCounters(ctx, r.client, keys, offset, limit)
}

func getCount(ctx context.Context, c redis.Cmdable, key string) (int64, error) {
	val, err := c.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, abuse.Unavailable("redis get", err)
	}

	return val, nil
}

func incrWithExpiry(ctx context.Context, c redis.Cmdable, key string, ttl time.Duration) error {
	pipe := c.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return abuse.Unavailable("redis incr", err)
	}

	return nil
}

func scanKeys(ctx context.Context, c redis.Cmdable) ([]string, error) {
	var keys []string

	iter := c.Scan(ctx, 0, scanPattern(), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, abuse.Unavailable("redis scan", err)
	}

	return keys, nil
}

// listCounters sorts the scanned keys, keeps the requested page and reads its counts with a
// pipeline of GETs, which the cluster client routes per slot. Keys that expired between the
// scan and the read are dropped.
func listCounters(ctx context.Context, c redis.Cmdable, keys []string, offset, limit int) ([]abuse.Record, error) {
	records, physical := keyRecords(keys)
	timelimit.SortRecords(records)
	page := timelimit.Page(records, offset, limit)

	if len(page) == 0 {
		return page, nil
	}

	pipe := c.Pipeline()
	cmds := make([]*redis.StringCmd, len(page))

	for i, rec := range page {
		cmds[i] = pipe.Get(ctx, physical[recordID(rec)])
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, abuse.Unavailable("redis list", err)
	}

	out := make([]abuse.Record, 0, len(page))

	for i, rec := range page {
		count, err := cmds[i].Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return nil, abuse.Unavailable("redis list", err)
		}

		rec.Count = count
		out = append(out, rec)
	}

	return out, nil
}

// Compile-time check.
var _ timelimit.Store = (*RedisStore)(nil)
