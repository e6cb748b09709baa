package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisForwarder forwards events to a Redis pub/sub channel so that
// streaming endpoints on any replica can fan them out to clients.
type RedisForwarder struct {
	client     redis.UniversalClient
	channel    string
	eventTypes []string
}

// NewRedisForwarder creates a forwarder publishing eventTypes to channel.
func NewRedisForwarder(client redis.UniversalClient, channel string, eventTypes ...string) *RedisForwarder {
	return &RedisForwarder{
		client:     client,
		channel:    channel,
		eventTypes: eventTypes,
	}
}

// Handles returns the event types forwarded to Redis.
func (f *RedisForwarder) Handles() []string {
	return f.eventTypes
}

// Handle publishes the JSON encoded event.
func (f *RedisForwarder) Handle(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", f.channel, err)
	}
	return nil
}
