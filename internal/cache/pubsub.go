package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/notify"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultNotifyChannel carries notifications between server instances.
const DefaultNotifyChannel = "matchmaker_notify"

// Broadcaster fans notifications out over Redis pub/sub, so a player connected to any
// instance receives events produced by every instance.
type Broadcaster struct {
	rdb     *redis.Client
	channel string
	logger  *logrus.Logger
}

// NewBroadcaster returns a Broadcaster publishing on channel.
func NewBroadcaster(rdb *redis.Client, channel string, logger *logrus.Logger) *Broadcaster {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Broadcaster{rdb: rdb, channel: channel, logger: logger}
}

// Send publishes the event for playerID.
func (b *Broadcaster) Send(ctx context.Context, playerID uuid.UUID, event string, payload any) error {
	msg, err := notify.NewMessage(playerID, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to PUBLISH to '%s': %w", b.channel, err)
	}
	return nil
}

// Listen subscribes to the channel and hands every message to deliver until ctx ends.
// ready, when non-nil, is closed once the subscription is confirmed.
func (b *Broadcaster) Listen(ctx context.Context, deliver func(notify.Message), ready chan<- struct{}) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg notify.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warnf("dropping malformed notification: %v", err)
				continue
			}
			deliver(msg)
		}
	}
}
