// Package idempotency records which gateway callbacks have already been
// applied so that redeliveries are acknowledged without acting twice.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Guard claims a key once. Claim returns false when the key is already held.
// Release gives a key back after the work it guarded failed.
type Guard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

const namespace = "callback"

// redisClient is the subset of redis.UniversalClient the guard needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisGuard struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisClient connects to a single node or, with several addresses and
// useCluster, to a cluster.
func NewRedisClient(addrs []string, password string, useCluster bool) redis.UniversalClient {
	if useCluster && len(addrs) > 1 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     addrs[0],
		Password: password,
		DB:       0,
	})
}

func NewRedisGuard(client redisClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, namespace+":"+key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, namespace+":"+key).Err()
}

// PGGuard stores keys in callback_receipts.
type PGGuard struct {
	Pool *pgxpool.Pool
}

func NewPGGuard(pool *pgxpool.Pool) *PGGuard {
	return &PGGuard{Pool: pool}
}

func (g *PGGuard) Claim(ctx context.Context, key string) (bool, error) {
	tag, err := g.Pool.Exec(ctx, `
		INSERT INTO callback_receipts (key, received_at)
		VALUES ($1, NOW())
		ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (g *PGGuard) Release(ctx context.Context, key string) error {
	_, err := g.Pool.Exec(ctx, `DELETE FROM callback_receipts WHERE key = $1`, key)
	return err
}

// MemoryGuard keeps keys in process. Used by tests and single-instance runs.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: make(map[string]struct{})}
}

func (g *MemoryGuard) Claim(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.keys[key]; ok {
		return false, nil
	}
	g.keys[key] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}
