package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrKeyNotFound is returned by Get for missing keys
var ErrKeyNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// WindowResult is the outcome of one sliding window evaluation
type WindowResult struct {
	Admitted bool
	// Count is the number of admitted entries in the window, including this
	// one when admitted
	Count int64
	// Oldest is the earliest entry still inside the window (zero if empty)
	Oldest time.Time
}

// slidingWindowScript evicts entries at or before the cutoff and adds the
// member only while the window holds fewer than quota entries. A denied
// request never touches the set.
//
// KEYS[1] key; ARGV: now (µs), cutoff (µs), quota, ttl (ms), member.
// Returns {admitted, count, oldest score or ""}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
local admitted = 0
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', key, ARGV[1], ARGV[5])
	count = count + 1
	admitted = 1
end
redis.call('PEXPIRE', key, ARGV[4])
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local score = ''
if #oldest > 0 then
	score = oldest[2]
end
return {admitted, count, score}
`)

// SlidingWindow evaluates a sliding window log kept in a sorted set scored by
// microsecond timestamps. Eviction, count and insert run as one script, so
// concurrent callers on the same key are serialized by redis.
func (c *Client) SlidingWindow(ctx context.Context, key, member string, now time.Time, window time.Duration, quota int) (WindowResult, error) {
	nowMicros := now.UnixMicro()
	cutoff := nowMicros - window.Microseconds()

	raw, err := slidingWindowScript.Run(ctx, c.client, []string{key},
		nowMicros, cutoff, quota, window.Milliseconds(), member).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("sliding window %s: %w", key, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return WindowResult{}, fmt.Errorf("sliding window %s: unexpected reply %v", key, raw)
	}
	admitted, _ := vals[0].(int64)
	count, _ := vals[1].(int64)

	res := WindowResult{Admitted: admitted == 1, Count: count}
	if score, _ := vals[2].(string); score != "" {
		f, err := strconv.ParseFloat(score, 64)
		if err != nil {
			return WindowResult{}, fmt.Errorf("sliding window %s: oldest score %q: %w", key, score, err)
		}
		res.Oldest = time.UnixMicro(int64(f))
	}
	return res, nil
}
