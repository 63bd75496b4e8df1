package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Channel is where slot state changes are announced.
const Channel = "booking:slots"

const (
	SlotClosed = "slot.closed"
	SlotOpened = "slot.opened"
)

// SlotEvent announces that a slot flipped after a committed booking change.
type SlotEvent struct {
	Type          string    `json:"type"`
	Tenant        string    `json:"tenant,omitempty"`
	WindowID      uuid.UUID `json:"window_id"`
	SlotKey       string    `json:"slot_key"`
	ReservationID uuid.UUID `json:"reservation_id"`
	At            time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e SlotEvent) error
}

// NopPublisher drops every event. It is used when no redis is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, SlotEvent) error { return nil }

type pubsub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisPublisher publishes slot events as JSON on a redis channel.
type RedisPublisher struct {
	rdb     pubsub
	channel string
	logger  zerolog.Logger
}

func NewRedisPublisher(rdb pubsub, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: Channel, logger: logger.With().Str("component", "slot_events").Logger()}
}

func (p *RedisPublisher) Publish(ctx context.Context, e SlotEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal slot event: %w", err)
	}
	receivers, err := p.rdb.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish slot event: %w", err)
	}
	p.logger.Debug().
		Str("type", e.Type).
		Str("window_id", e.WindowID.String()).
		Str("slot_key", e.SlotKey).
		Int64("receivers", receivers).
		Msg("slot event published")
	return nil
}

// Subscribe streams decoded events until ctx is cancelled. Malformed
// payloads are logged and skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan SlotEvent, error) {
	sub := p.rdb.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	out := make(chan SlotEvent, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e SlotEvent
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					p.logger.Warn().Err(err).Msg("skipping malformed slot event")
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
