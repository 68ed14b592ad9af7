package bridge

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisTransport Pub/Sub on go-redis
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) Dial(ctx context.Context) (Conn, error) {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &redisConn{ps: t.client.Subscribe(ctx)}, nil
}

type redisConn struct {
	ps *redis.PubSub
}

// Listen returns once redis has confirmed every subscription
func (c *redisConn) Listen(ctx context.Context, topics []string) error {
	if err := c.ps.Subscribe(ctx, topics...); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	for range topics {
		msg, err := c.ps.Receive(ctx)
		if err != nil {
			return fmt.Errorf("failed to confirm subscription: %w", err)
		}
		if _, ok := msg.(*redis.Subscription); !ok {
			return fmt.Errorf("unexpected reply %T while subscribing", msg)
		}
	}
	return nil
}

func (c *redisConn) Receive(ctx context.Context) (Notification, error) {
	msg, err := c.ps.ReceiveMessage(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Topic: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (c *redisConn) Close() error {
	return c.ps.Close()
}

// RedisPublisher publishes store notices on Redis Pub/Sub
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
