package events

import (
	"context"
	"encoding/json"
	"fmt"

	"tasksync/internal/logging"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel carries planner mutations published by other processes.
const DefaultChannel = "tasksync:events"

// Envelope is the wire form of an event on the redis channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PublishRedis sends one event to channel for every relay to pick up.
func PublishRedis(ctx context.Context, client *redis.Client, channel, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, msg).Err()
}

// Relay republishes events from a redis channel onto a local bus.
type Relay struct {
	client  *redis.Client
	channel string
	bus     *EventBus
	logger  *zerolog.Logger
	done    chan struct{}
}

func NewRelay(client *redis.Client, channel string, bus *EventBus, logger *zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		client:  client,
		channel: channel,
		bus:     bus,
		logger:  logging.Component(logger, "event_relay"),
		done:    make(chan struct{}),
	}
}

// Start subscribes and returns once the subscription is confirmed. Events
// are relayed in the background until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		close(r.done)
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("event relay subscribed")

	go func() {
		defer close(r.done)
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
				r.deliver(msg.Payload)
			}
		}
	}()
	return nil
}

// Done is closed when the relay stops.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) deliver(raw string) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Type == "" {
		r.logger.Warn().Err(err).Msg("dropping malformed event")
		return
	}
	r.bus.Publish(&Event{Type: env.Type, Payload: env.Payload})
}
