// Package redis provides a thin wrapper around go-redis/v9 covering the stream
// operations the pipeline uses as its broker (append, blocking single-record
// read, delete) and the plain key operations used for consumer cursors.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/config"
	"github.com/redis/go-redis/v9"
)

// StreamMessage is one stream record: the broker-assigned id and its flat
// field map.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Append adds a record to the end of stream and returns its id.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("appending to stream %s: %w", stream, err)
	}
	return id, nil
}

// ReadNext blocks up to block for the first record with an id greater than
// after. It returns a nil message when the wait times out. A negative block
// polls without waiting.
func (c *Client) ReadNext(ctx context.Context, stream, after string, block time.Duration) (*StreamMessage, error) {
	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, after},
		Count:   1,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading stream %s after %s: %w", stream, after, err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				fields[k] = fmt.Sprint(v)
			}
			return &StreamMessage{ID: msg.ID, Fields: fields}, nil
		}
	}
	return nil, nil
}

// Ack removes a processed record from its stream.
func (c *Client) Ack(ctx context.Context, stream, id string) error {
	if err := c.rdb.XDel(ctx, stream, id).Err(); err != nil {
		return fmt.Errorf("deleting %s from stream %s: %w", id, stream, err)
	}
	return nil
}

// Len returns the number of records currently held by stream.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	return c.rdb.XLen(ctx, stream).Result()
}

// Get returns the string value for the given key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Set stores a value with the given TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
