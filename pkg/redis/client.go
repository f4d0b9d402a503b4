// Package redis provides the Redis client shared by the bidder catalog and the VAST cache
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// pingTimeout bounds the connection check in New
var pingTimeout = 5 * time.Second

// Client wraps a go-redis client
type Client struct {
	rdb     *redis.Client
	address string
}

// New creates a new Redis client from a URL. An unreachable server is logged, not fatal:
// every command dials again.
func New(redisURL string) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is empty")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := &Client{
		rdb:     redis.NewClient(opt),
		address: opt.Addr,
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("address", client.address).Msg("Redis connection test failed")
	} else {
		log.Info().Str("address", client.address).Msg("Redis connected")
	}

	return client, nil
}

// Address returns host:port of the server
func (c *Client) Address() string {
	return c.address
}

// HGet gets a hash field value. A missing field is an empty string.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// HGetAll gets every field of a hash
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// SetNX writes key only when it does not exist yet
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return c.rdb.SetNX(ctx, key, value, expiration)
}

// Ping tests the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}
