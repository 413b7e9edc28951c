// Package redis provides the Redis-backed coordination used by the
// dispatcher and the API: the cycle lock, the per-occurrence delivery
// ledger and request rate limiting.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings. URL, when set, replaces the
// discrete fields.
type Config struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
}

// Endpoint is a log-safe description of the target server.
func (c Config) Endpoint() string {
	if c.URL != "" {
		if opts, err := redis.ParseURL(c.URL); err == nil {
			return opts.Addr
		}
		return "invalid REDIS_URL"
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Password: c.Password,
		DB:       c.DB,
	}
	if c.URL != "" {
		var err error
		if opts, err = redis.ParseURL(c.URL); err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.PoolTimeout = 4 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return opts, nil
}

// Client wraps the go-redis client shared by Lock, Ledger and RateLimiter.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects and pings. Callers treat an error as "run without Redis".
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	logger.Info("redis connection established",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Bool("tls", opts.TLSConfig != nil),
	)

	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
