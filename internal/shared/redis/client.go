package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// InvalidationChannel carries credential ids (or "*") whose cached copies are stale
const InvalidationChannel = "keypool:credentials:invalidate"

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
		_ = client.Close()
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// CheckRateLimit counts a request against a fixed one-minute window for subject.
// It reports whether the limit is exceeded and how many requests remain.
func (c *Client) CheckRateLimit(ctx context.Context, subject string, limit int) (bool, int, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", subject, time.Now().Unix()/60)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	count := int(incr.Val())
	if count > limit {
		return true, 0, nil
	}
	return false, limit - count, nil
}

// PublishInvalidation tells every gateway instance to reload its credential pool
func (c *Client) PublishInvalidation(ctx context.Context, credentialID string) error {
	if credentialID == "" {
		credentialID = "*"
	}
	return c.client.Publish(ctx, InvalidationChannel, credentialID).Err()
}

// SubscribeInvalidations calls fn for every invalidation message until ctx is done.
// The subscription is confirmed before it returns.
func (c *Client) SubscribeInvalidations(ctx context.Context, fn func(credentialID string)) error {
	sub := c.client.Subscribe(ctx, InvalidationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", InvalidationChannel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
	return nil
}
