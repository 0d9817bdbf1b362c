// Package redis holds the Redis-backed pieces of hookbox: the task queue
// broker, webhook rate limiting and idempotent replay.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings. URL, when set, wins over Host/Port.
type Config struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
}

func (cfg Config) options() (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

// Client wraps the go-redis client with logging and connection management.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	// queue workers poll concurrently next to the API, hence the larger pool
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.PoolTimeout = 4 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))

	return &Client{rdb: rdb, logger: logger}, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ActiveConns is the number of pooled connections currently checked out
func (c *Client) ActiveConns() int {
	stats := c.rdb.PoolStats()
	return int(stats.TotalConns - stats.IdleConns)
}
