// Package counter is the shared atomic counter store backing admission
// control. All windows for one submission are checked and incremented in a
// single Redis Lua script, so concurrent submissions can never race past a
// limit and a denied attempt never consumes quota.
package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Check is one limiter window: a key, its admission limit, and the window
// length applied as the key's TTL on first increment.
type Check struct {
	Key   string
	Limit int64
	TTL   time.Duration
}

// Result reports the outcome of an Allow call. FiredIndex is the index
// into the checks slice of the limiter that denied, or -1 when allowed.
type Result struct {
	Allowed    bool
	FiredIndex int
}

// Store is the atomic increment-and-check primitive. Implementations must
// guarantee that either every check's counter is incremented or none is.
type Store interface {
	Allow(ctx context.Context, checks []Check) (*Result, error)
}

// allowScript checks every window before touching any counter. Only when
// all limits hold does it increment, setting the window TTL on a counter's
// first increment.
const allowScript = `
for i = 1, #KEYS do
    local current = tonumber(redis.call("GET", KEYS[i]) or "0")
    local limit = tonumber(ARGV[i*2 - 1])
    if current + 1 > limit then
        return i
    end
end

for i = 1, #KEYS do
    local ttl = tonumber(ARGV[i*2])
    local value = redis.call("INCR", KEYS[i])
    if value == 1 then
        redis.call("EXPIRE", KEYS[i], ttl)
    end
end

return 0
`

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(allowScript),
	}
}

// NewClient parses a redis:// URL and verifies connectivity.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// Allow runs the check-and-increment script. Any transport or script error
// is returned to the caller, which must treat it as a denial (the counter
// store is the only abuse defense, so it fails closed).
func (s *RedisStore) Allow(ctx context.Context, checks []Check) (*Result, error) {
	if len(checks) == 0 {
		return &Result{Allowed: true, FiredIndex: -1}, nil
	}

	keys := make([]string, len(checks))
	args := make([]any, 0, len(checks)*2)
	for i, c := range checks {
		keys[i] = c.Key
		args = append(args, c.Limit, int64(c.TTL.Seconds()))
	}

	fired, err := s.script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("counter store unavailable: %w", err)
	}

	if fired > 0 {
		return &Result{Allowed: false, FiredIndex: fired - 1}, nil
	}
	return &Result{Allowed: true, FiredIndex: -1}, nil
}
