package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/penserai/acteon/domain"
)

// RedisStore is a shared, multi-process Store backend. Atomicity is
// provided by Redis's single-threaded command execution: CheckAndSet
// uses SETNX, CompareAndSwap and Increment use small Lua scripts so the
// read-compare-write (or read-add-write) sequence is a single atomic
// command, matching the "strict via SETNX/Lua" guarantee recorded in
// DESIGN.md's open-question decision on backend consistency.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string

	timeoutZSet     string
	chainReadyZSet  string
}

// NewRedisStore wraps an existing redis client. keyPrefix namespaces
// every physical key so one Redis instance can host multiple Acteon
// deployments.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "acteon:"
	}
	return &RedisStore{
		client:         client,
		keyPrefix:      keyPrefix,
		timeoutZSet:    keyPrefix + "__timeouts",
		chainReadyZSet: keyPrefix + "__chains_ready",
	}
}

func (r *RedisStore) physKey(k domain.StoreKey) string {
	return r.keyPrefix + k.String()
}

func (r *RedisStore) Get(ctx context.Context, k domain.StoreKey) ([]byte, error) {
	v, err := r.client.Get(ctx, r.physKey(k)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (r *RedisStore) Set(ctx context.Context, k domain.StoreKey, v []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.physKey(k), v, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, k domain.StoreKey) error {
	if err := r.client.Del(ctx, r.physKey(k)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (r *RedisStore) CheckAndSet(ctx context.Context, k domain.StoreKey, v []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.physKey(k), v, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// incrementScript atomically increments a counter and sets its TTL
// only when the key was just created, giving a fixed window: the first
// increment in a window starts the clock, later increments within the
// window keep that expiry (KEEPTTL) and do not slide it.
var incrementScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
local step = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])
local total
if current then
  total = tonumber(current) + step
  redis.call("SET", KEYS[1], total, "KEEPTTL")
else
  total = step
  if ttl_ms > 0 then
    redis.call("SET", KEYS[1], total, "PX", ttl_ms)
  else
    redis.call("SET", KEYS[1], total)
  end
end
return total
`)

func (r *RedisStore) Increment(ctx context.Context, k domain.StoreKey, window time.Duration, step int64) (int64, error) {
	res, err := incrementScript.Run(ctx, r.client, []string{r.physKey(k)}, step, window.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis increment: %w", err)
	}
	switch v := res.(type) {
	case int64:
		return v, nil
	default:
		n, convErr := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		if convErr != nil {
			return 0, fmt.Errorf("redis increment: unexpected result %v", res)
		}
		return n, nil
	}
}

var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then current = "" end
if current == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
  return 1
end
return 0
`)

func (r *RedisStore) CompareAndSwap(ctx context.Context, k domain.StoreKey, expected, newValue []byte) (bool, error) {
	res, err := casScript.Run(ctx, r.client, []string{r.physKey(k)}, expected, newValue).Result()
	if err != nil {
		return false, fmt.Errorf("redis cas: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (r *RedisStore) ScanKeys(ctx context.Context, kind domain.KeyKind, namespace, tenant, prefix string) ([]domain.StoreKey, error) {
	matchPrefix := r.keyPrefix + domain.ScanPrefix(kind, namespace, tenant)
	if matchPrefix == r.keyPrefix {
		matchPrefix = r.keyPrefix + string(kind) + ":"
	}
	var out []domain.StoreKey
	iter := r.client.Scan(ctx, 0, matchPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		raw := strings.TrimPrefix(iter.Val(), r.keyPrefix)
		parts := strings.SplitN(raw, ":", 4)
		if len(parts) != 4 || domain.KeyKind(parts[2]) != kind {
			continue
		}
		if namespace != "" && parts[0] != namespace {
			continue
		}
		if tenant != "" && parts[1] != tenant {
			continue
		}
		if prefix != "" && !strings.HasPrefix(parts[3], prefix) {
			continue
		}
		out = append(out, domain.StoreKey{Namespace: parts[0], Tenant: parts[1], Kind: kind, Subkey: parts[3]})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

func (r *RedisStore) IndexTimeout(ctx context.Context, k domain.StoreKey, dueAt time.Time) error {
	return r.client.ZAdd(ctx, r.timeoutZSet, &redis.Z{
		Score:  float64(dueAt.UnixNano()),
		Member: r.physKey(k),
	}).Err()
}

func (r *RedisStore) GetExpiredTimeouts(ctx context.Context, now time.Time, limit int) ([]domain.StoreKey, error) {
	members, err := r.client.ZRangeByScore(ctx, r.timeoutZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixNano(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}
	out := make([]domain.StoreKey, 0, len(members))
	for _, m := range members {
		raw := strings.TrimPrefix(m, r.keyPrefix)
		parts := strings.SplitN(raw, ":", 4)
		if len(parts) != 4 {
			continue
		}
		out = append(out, domain.StoreKey{Namespace: parts[0], Tenant: parts[1], Kind: domain.KeyKind(parts[2]), Subkey: parts[3]})
	}
	return out, nil
}

func (r *RedisStore) RemoveTimeoutIndex(ctx context.Context, k domain.StoreKey) error {
	return r.client.ZRem(ctx, r.timeoutZSet, r.physKey(k)).Err()
}

func (r *RedisStore) IndexChainReady(ctx context.Context, chainID string, dueAt time.Time) error {
	return r.client.ZAdd(ctx, r.chainReadyZSet, &redis.Z{
		Score:  float64(dueAt.UnixNano()),
		Member: chainID,
	}).Err()
}

func (r *RedisStore) GetReadyChains(ctx context.Context, now time.Time, limit int) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, r.chainReadyZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixNano(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}
	return members, nil
}

func (r *RedisStore) RemoveChainReadyIndex(ctx context.Context, chainID string) error {
	return r.client.ZRem(ctx, r.chainReadyZSet, chainID).Err()
}

func (r *RedisStore) Close(ctx context.Context) error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
