package notify

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/matheus3301/chatsync/internal/platform"
)

// Facility is the name reported in UnsupportedError.
const Facility = "broadcast"

// Channel is a named broadcast channel shared by every process attached to it.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// RedisChannel broadcasts over Redis pub/sub.
type RedisChannel struct {
	client *redis.Client
	name   string
}

// NewRedisChannel connects to Redis. An empty url or an unreachable server
// yields an UnsupportedError so callers can stay local-only.
func NewRedisChannel(ctx context.Context, redisURL, name string) (*RedisChannel, error) {
	if redisURL == "" {
		return nil, &platform.UnsupportedError{Facility: Facility, Err: errors.New("empty redis url")}
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &platform.UnsupportedError{Facility: Facility, Err: err}
	}

	return &RedisChannel{client: client, name: name}, nil
}

// Publish sends payload to every subscriber of the channel.
func (c *RedisChannel) Publish(ctx context.Context, payload []byte) error {
	return c.client.Publish(ctx, c.name, payload).Err()
}

// Subscribe streams payloads until ctx is done.
func (c *RedisChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := c.client.Subscribe(ctx, c.name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	msgs := ps.Channel()
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection.
func (c *RedisChannel) Close() error {
	return c.client.Close()
}
