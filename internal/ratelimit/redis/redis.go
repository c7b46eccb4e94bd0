// Package redis implements ratelimit.Store on a shared Redis, so every
// gateway instance enforces the same global quota.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

const (
	DefaultTimeout   = 50 * time.Millisecond
	DefaultKeyPrefix = "quotagate:"
)

// incrScript keeps one hash per key: {start, reset, count}. A stored window
// older than the caller's is replaced; a newer one (caller clock behind) is
// counted into unchanged.
//
// KEYS[1] counter key
// ARGV[1] window start, unix ms
// ARGV[2] window end, unix ms
// ARGV[3] ttl, ms
//
// Returns {count, start, reset}.
var incrScript = goredis.NewScript(`
local cur = -1
local raw = redis.call("HGET", KEYS[1], "start")
if raw then
  cur = tonumber(raw)
end
local start = tonumber(ARGV[1])
if cur < start then
  redis.call("DEL", KEYS[1])
  redis.call("HSET", KEYS[1], "start", ARGV[1], "reset", ARGV[2])
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  cur = start
end
local count = redis.call("HINCRBY", KEYS[1], "count", 1)
local reset = tonumber(redis.call("HGET", KEYS[1], "reset"))
return {count, cur, reset}
`)

type Config struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	KeyPrefix   string
	// Timeout bounds every store call, independent of the request deadline.
	Timeout time.Duration
	// StartUnavailable returns a usable store when the startup ping fails.
	// The client reconnects on its own and the script is sent with EVAL until
	// it can be cached. Set it when a fallback store covers the outage.
	StartUnavailable bool
	// Logger receives the startup warning. The zero value discards.
	Logger zerolog.Logger
}

type Store struct {
	client  goredis.UniversalClient
	prefix  string
	timeout time.Duration
	owned   bool
}

var _ ratelimit.Store = (*Store)(nil)

// New dials Redis and checks it answers. The returned store owns the client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  timeoutOrDefault(cfg.Timeout),
		WriteTimeout: timeoutOrDefault(cfg.Timeout),
	})

	s := NewWithClient(client, cfg.KeyPrefix, cfg.Timeout)
	s.owned = true

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := client.Ping(pingCtx).Err()
	if err == nil {
		err = s.Load(pingCtx)
	}
	if err != nil {
		if cfg.StartUnavailable {
			cfg.Logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable at startup, starting degraded")
			return s, nil
		}
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(client goredis.UniversalClient, prefix string, timeout time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix, timeout: timeoutOrDefault(timeout)}
}

// Load preloads the increment script so later calls only send its hash.
func (s *Store) Load(ctx context.Context) error {
	if err := incrScript.Load(ctx, s.client).Err(); err != nil {
		return unavailable("load script", "", err)
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (ratelimit.Counter, error) {
	start, end := ratelimit.WindowBounds(now, window)
	ttl := end.Sub(now).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	vals, err := incrScript.Run(ctx, s.client, []string{s.prefix + key},
		start.UnixMilli(), end.UnixMilli(), ttl).Int64Slice()
	if err != nil {
		return ratelimit.Counter{}, unavailable("incr", key, err)
	}
	if len(vals) != 3 {
		return ratelimit.Counter{}, fmt.Errorf("redis incr %s: unexpected reply length %d", key, len(vals))
	}
	return ratelimit.Counter{
		Count:       vals[0],
		WindowStart: time.UnixMilli(vals[1]),
		ResetAt:     time.UnixMilli(vals[2]),
	}, nil
}

func (s *Store) Peek(ctx context.Context, key string, now time.Time) (ratelimit.Counter, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	vals, err := s.client.HMGet(ctx, s.prefix+key, "start", "reset", "count").Result()
	if err != nil {
		return ratelimit.Counter{}, false, unavailable("peek", key, err)
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return ratelimit.Counter{}, false, nil
	}

	start, err1 := toInt64(vals[0])
	reset, err2 := toInt64(vals[1])
	count, err3 := toInt64(vals[2])
	if err := errors.Join(err1, err2, err3); err != nil {
		return ratelimit.Counter{}, false, fmt.Errorf("redis peek %s: %w", key, err)
	}
	if now.UnixMilli() >= reset {
		return ratelimit.Counter{}, false, nil
	}
	return ratelimit.Counter{
		Count:       count,
		WindowStart: time.UnixMilli(start),
		ResetAt:     time.UnixMilli(reset),
	}, true, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return unavailable("reset", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// bound detaches ctx from the caller's cancellation, so an aborted request
// still consumes its slot, and caps the call at the store timeout.
func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func unavailable(op, key string, err error) error {
	if key == "" {
		return fmt.Errorf("%w: redis %s: %w", ratelimit.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%w: redis %s %s: %w", ratelimit.ErrStoreUnavailable, op, key, err)
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case int64:
		return x, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
