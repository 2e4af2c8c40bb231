package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Adapter carries broadcasts between server instances. Implementations must
// deliver published payloads back to the publishing instance's subscription
// as well, so local fan-out goes through one path.
type Adapter interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
	Close() error
}

// RedisAdapter is the cross-instance pub/sub adapter backed by redis
// channels. Redis pub/sub echoes publishes to all subscribers including the
// publisher, which is exactly the delivery model the hub expects.
type RedisAdapter struct {
	client *redis.Client
	logger *zap.Logger
	subs   []*redis.PubSub
}

// DialRedis connects and verifies the server is reachable. Callers treat a
// dial failure as a signal to run in degraded single-instance mode.
func DialRedis(ctx context.Context, addr string, logger *zap.Logger) (*RedisAdapter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}

	logger.Info("Connected to redis", zap.String("addr", addr))

	return &RedisAdapter{
		client: client,
		logger: logger,
	}, nil
}

func (a *RedisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := a.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers every message on channel to handler from a dedicated
// goroutine until the adapter is closed or ctx ends.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	sub := a.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	a.subs = append(a.subs, sub)

	go func() {
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (a *RedisAdapter) Close() error {
	for _, sub := range a.subs {
		_ = sub.Close()
	}
	return a.client.Close()
}
