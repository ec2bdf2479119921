package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v9"
)

// Client is a thin wrapper over go-redis shared by every Redis adapter.
type Client struct {
	rdb *goredis.Client
}

func NewClient(addr string, password string, db int) *Client {
	return &Client{rdb: goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// IsNil reports whether err is the "no such key" reply.
func IsNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

func (c *Client) LPush(ctx context.Context, key string, value interface{}) error {
	return c.rdb.LPush(ctx, key, value).Err()
}

// BRPop waits up to timeout for the tail of key. It returns goredis.Nil when
// nothing arrived.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	values, err := c.rdb.BRPop(ctx, timeout, key).Result()
	if err != nil {
		return "", err
	}
	return values[1], nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

func (c *Client) LRem(ctx context.Context, key string, count int64, value interface{}) (int64, error) {
	return c.rdb.LRem(ctx, key, count, value).Result()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
