// Package idempotency records once-only side effects so redelivered messages do
// not repeat them.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a claim is remembered.
const DefaultTTL = 30 * 24 * time.Hour

// Claimer grants a key to the first caller only.
type Claimer interface {
	// Claim reports true when the caller is the first to claim key.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Key builds a claim key from parts, e.g. Key("notify", "pathToVictory", "7").
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisClaimer stores claims with SET NX
type RedisClaimer struct {
	client setNXer
	prefix string
}

// NewRedisClaimer creates a claimer from a go-redis client
func NewRedisClaimer(client redis.UniversalClient, prefix string) *RedisClaimer {
	return &RedisClaimer{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and pings the server
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := c.client.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// MemoryClaimer keeps claims in process
type MemoryClaimer struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{claims: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)
	return true, nil
}
