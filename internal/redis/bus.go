package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/observability"
)

// EventBus carries committed queue deltas between API instances over a
// single Redis pub/sub channel. Every instance, including the publisher,
// receives its own events back through Run and hands them to its local
// hub, so subscribers see the same order no matter which instance
// committed the mutation.
type EventBus struct {
	client  *redis.Client
	channel string
}

func NewEventBus(client *redis.Client, channel string) *EventBus {
	return &EventBus{client: client, channel: channel}
}

// Publish implements events.Publisher. It returns once Redis has accepted
// the message, which keeps per-clinic order when called under the clinic
// lock.
func (b *EventBus) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event to %s: %w", b.channel, err)
	}
	return nil
}

// Run relays bus messages into local until ctx is cancelled or the
// subscription fails.
func (b *EventBus) Run(ctx context.Context, local events.Publisher) error {
	logger := observability.LoggerFromContext(ctx)

	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	logger.Info().Str("channel", b.channel).Msg("event bus subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event bus channel %s closed", b.channel)
			}

			var ev events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn().Err(err).Str("channel", b.channel).Msg("failed to unmarshal bus event")
				continue
			}

			if err := local.Publish(ctx, ev); err != nil {
				logger.Warn().Err(err).Str("event_id", ev.ID.String()).Msg("failed to relay bus event")
			}
		}
	}
}
