package anchor

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
)

// redisPutScript records a checkpoint and advances the tenant's latest
// pointer atomically.
// KEYS[1] = history hash (field per sequence)
// KEYS[2] = latest key
// ARGV[1] = sequence
// ARGV[2] = checkpoint JSON
// Returns 1 on success, 0 when the sequence was already witnessed, -1 when
// the latest witnessed sequence is newer.
var redisPutScript = redis.NewScript(`
local history = KEYS[1]
local latest = KEYS[2]
local seq = tonumber(ARGV[1])

if redis.call("HEXISTS", history, ARGV[1]) == 1 then
    return 0
end

local cur = redis.call("HGET", latest, "sequence")
if cur and tonumber(cur) > seq then
    return -1
end

redis.call("HSET", history, ARGV[1], ARGV[2])
redis.call("HSET", latest, "sequence", ARGV[1], "checkpoint", ARGV[2])
return 1
`)

// RedisWitness keeps checkpoints in Redis hashes keyed by tenant.
type RedisWitness struct {
	client redis.UniversalClient
	prefix string
}

type RedisWitnessConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisWitness(cfg RedisWitnessConfig) *RedisWitness {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWitnessFromClient(rdb, cfg.Prefix)
}

func NewRedisWitnessFromClient(client redis.UniversalClient, prefix string) *RedisWitness {
	if prefix == "" {
		prefix = "tollgate:anchor:"
	}
	return &RedisWitness{client: client, prefix: prefix}
}

func (w *RedisWitness) keys(tenantID string) (history, latest string) {
	t := url.PathEscape(tenantID)
	return w.prefix + t + ":history", w.prefix + t + ":latest"
}

// Ping checks connectivity.
func (w *RedisWitness) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

func (w *RedisWitness) Put(ctx context.Context, cp Checkpoint) error {
	data, err := cp.Encode()
	if err != nil {
		return err
	}
	history, latest := w.keys(cp.TenantID)
	res, err := redisPutScript.Run(ctx, w.client, []string{history, latest}, cp.Sequence, string(data)).Int64()
	if err != nil {
		return fmt.Errorf("anchor: redis put: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: sequence %d already witnessed", ErrCheckpointConflict, cp.Sequence)
	default:
		return fmt.Errorf("%w: sequence %d", ErrStaleCheckpoint, cp.Sequence)
	}
}

func (w *RedisWitness) Latest(ctx context.Context, tenantID string) (*Checkpoint, error) {
	_, latest := w.keys(tenantID)
	data, err := w.client.HGet(ctx, latest, "checkpoint").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("anchor: redis get latest for %s: %w", tenantID, err)
	}
	return decodeCheckpoint([]byte(data))
}

func (w *RedisWitness) Close() error {
	return w.client.Close()
}
