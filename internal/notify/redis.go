package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel hints are published on
const DefaultChannel = "docstore:journal"

// RedisNotifier publishes hints over Redis pub/sub
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisNotifier connects to the Redis server at addr
func NewRedisNotifier(ctx context.Context, addr, channel string, logger *zap.Logger) (*RedisNotifier, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", addr), zap.String("channel", channel))
	return &RedisNotifier{rdb: rdb, channel: channel, logger: logger}, nil
}

// Publish sends hint to every subscriber
func (n *RedisNotifier) Publish(ctx context.Context, hint Hint) error {
	payload, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("failed to encode hint: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish hint: %w", err)
	}
	return nil
}

// Subscribe relays hints from Redis until ctx is done
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan Hint, error) {
	pubsub := n.rdb.Subscribe(ctx, n.channel)
	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	out := make(chan Hint, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var hint Hint
				if err := json.Unmarshal([]byte(msg.Payload), &hint); err != nil {
					n.logger.Warn("ignoring malformed hint", zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				select {
				case out <- hint:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis client
func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}
