package api

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter admits or rejects one request for a client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter keeps a token bucket per client in process memory. Suitable
// for a single replica; multi-replica deployments want the Redis variant.
type LocalLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter builds a per-client limiter. rps <= 0 disables limiting.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.rps <= 0 {
		return true, nil
	}
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow(), nil
}

// redisBucketScript refills and drains a token bucket atomically. KEYS[1] is
// the bucket, ARGV: rps, burst, now (unix micros). Returns 1 when admitted.
const redisBucketScript = `
local tokens_key = KEYS[1] .. ":tokens"
local stamp_key = KEYS[1] .. ":stamp"
local rps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("GET", tokens_key)) or burst
local stamp = tonumber(redis.call("GET", stamp_key)) or now

tokens = math.min(burst, tokens + (now - stamp) / 1000000 * rps)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

local ttl = math.ceil(burst / rps) + 1
redis.call("SET", tokens_key, tokens, "EX", ttl)
redis.call("SET", stamp_key, now, "EX", ttl)
return allowed
`

// RedisLimiter shares one token bucket per client across replicas. A Redis
// outage fails open: throttling is protection, not correctness.
type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
	rps    float64
	burst  int
	clock  func() time.Time
}

// NewRedisLimiter builds a limiter over an existing Redis client.
func NewRedisLimiter(client *redis.Client, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(redisBucketScript),
		rps:    rps,
		burst:  burst,
		clock:  time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.rps <= 0 {
		return true, nil
	}
	res, err := l.script.Run(ctx, l.client, []string{"billstream:ratelimit:" + key},
		l.rps, l.burst, l.clock().UnixMicro()).Int()
	if err != nil {
		return true, err
	}
	return res == 1, nil
}
