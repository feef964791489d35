package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list the historian drains.
const DefaultQueueName = "matchmaker_lobby_events"

// EventQueue publishes lobby events onto a Redis list.
type EventQueue struct {
	rdb   *redis.Client
	queue string
}

var _ events.Recorder = (*EventQueue)(nil)

// NewEventQueue returns a recorder pushing to queue, or DefaultQueueName when empty.
func NewEventQueue(rdb *redis.Client, queue string) *EventQueue {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &EventQueue{rdb: rdb, queue: queue}
}

// Record serializes ev to JSON and RPushes it. It costs one round trip.
func (q *EventQueue) Record(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal lobby event: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.queue, err)
	}
	return nil
}
