package events

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries topic names between API instances.
const DefaultChannel = "conclave:changes"

// RedisNotifier fans change notifications out over Redis pub/sub so every
// instance refreshes its own subscribers.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, topic string) error {
	if err := n.client.Publish(ctx, n.channel, topic).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Listen calls fn for every topic announced on the channel until ctx is
// cancelled. It returns once the subscription is confirmed or has failed;
// delivery continues in the background.
func (n *RedisNotifier) Listen(ctx context.Context, fn func(ctx context.Context, topic string)) error {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}

	messages := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					log.Printf("events: channel %s closed", n.channel)
					return
				}
				fn(ctx, msg.Payload)
			}
		}
	}()
	return nil
}
