package redisstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 250

// Get returns the value stored under key. A missing key is reported as
// found=false with a nil error.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rdb, err := c.Conn(ctx)
	if err != nil {
		return nil, false, err
	}

	val, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores value under key. A zero ttl stores the key without expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rdb, err := c.Conn(ctx)
	if err != nil {
		return err
	}

	if err := rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Del removes keys. Missing keys are ignored.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	rdb, err := c.Conn(ctx)
	if err != nil {
		return err
	}

	if err := rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys returns every key matching pattern. It walks the keyspace with SCAN
// rather than KEYS so a large keyspace does not block the server.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	rdb, err := c.Conn(ctx)
	if err != nil {
		return nil, err
	}

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// DeletePattern removes every key matching pattern and returns how many were removed.
func (c *Client) DeletePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := c.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}

	for start := 0; start < len(keys); start += scanCount {
		end := min(start+scanCount, len(keys))
		if err := c.Del(ctx, keys[start:end]...); err != nil {
			return start, err
		}
	}
	return len(keys), nil
}

// MemoryUsed reports the server's human-readable memory usage from INFO memory.
func (c *Client) MemoryUsed(ctx context.Context) (string, error) {
	rdb, err := c.Conn(ctx)
	if err != nil {
		return "", err
	}

	info, err := rdb.Info(ctx, "memory").Result()
	if err != nil {
		return "", fmt.Errorf("redis info: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if value, ok := strings.CutPrefix(line, "used_memory_human:"); ok {
			return value, nil
		}
	}
	return "", errors.New("redis info: used_memory_human not reported")
}
