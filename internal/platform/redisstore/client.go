// Package redisstore owns the process-wide Redis connection shared by the
// cache's durable tier and the queue's durable backend. The connection is
// established lazily on first use and only when the store is enabled.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Errors returned by the client.
var (
	// ErrNotConfigured is returned by every operation when the store is disabled.
	ErrNotConfigured = fmt.Errorf("%w: durable store is not configured", domain.ErrConfiguration)

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("durable store client is closed")
)

// Client is a lazily connected, pooled Redis client. It is safe for
// concurrent use; concurrent first calls share a single connection attempt.
type Client struct {
	cfg    config.RedisConfig
	logger *slog.Logger

	group singleflight.Group

	mu     sync.RWMutex
	rdb    redis.UniversalClient
	rs     *redsync.Redsync
	closed bool
}

// New creates a client for cfg. No connection is attempted until the first
// operation.
func New(cfg config.RedisConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "redis_store"),
	}
}

// NewFromClient wraps an already constructed client, typically one pointed
// at a test server. The store is treated as enabled.
func NewFromClient(rdb redis.UniversalClient, logger *slog.Logger) *Client {
	return &Client{
		cfg:    config.RedisConfig{Enabled: true},
		logger: logger.With("component", "redis_store"),
		rdb:    rdb,
		rs:     redsync.New(goredis.NewPool(rdb)),
	}
}

// Enabled reports whether the store is configured. A disabled client never
// opens a connection.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Conn returns the shared connection, connecting on first use. A failed
// attempt is not cached; the next call tries again.
func (c *Client) Conn(ctx context.Context) (redis.UniversalClient, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}

	c.mu.RLock()
	rdb, closed := c.rdb, c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if rdb != nil {
		return rdb, nil
	}

	v, err, _ := c.group.Do("connect", func() (interface{}, error) {
		return c.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(redis.UniversalClient), nil
}

func (c *Client) connect(ctx context.Context) (redis.UniversalClient, error) {
	c.mu.RLock()
	if c.rdb != nil {
		rdb := c.rdb
		c.mu.RUnlock()
		return rdb, nil
	}
	c.mu.RUnlock()

	rdb := redis.NewClient(&redis.Options{
		Addr:         c.cfg.Addr,
		Username:     c.cfg.Username,
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		PoolSize:     c.cfg.PoolSize,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		c.logger.ErrorContext(ctx, "redis ping failed", "addr", c.cfg.Addr, "error", err)
		return nil, fmt.Errorf("%w: redis connect: ping: %v", domain.ErrConfiguration, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = rdb.Close()
		return nil, ErrClosed
	}
	c.rdb = rdb
	c.rs = redsync.New(goredis.NewPool(rdb))

	c.logger.InfoContext(ctx, "connected to redis", "addr", c.cfg.Addr, "db", c.cfg.DB)
	return rdb, nil
}

// Close releases the connection pool. It is a no-op for a client that never connected.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	c.rs = nil
	return err
}

func (c *Client) locker(ctx context.Context) (*redsync.Redsync, error) {
	if _, err := c.Conn(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rs == nil {
		return nil, ErrClosed
	}
	return c.rs, nil
}
