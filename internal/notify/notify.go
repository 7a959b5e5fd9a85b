package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"hardmine/internal/logger"

	redis "github.com/redis/go-redis/v9"
)

const DefaultChannel = "mining:session_changed"

// SessionChanged is the payload fanned out after a durable session write.
type SessionChanged struct {
	UserID  int64 `json:"user_id"`
	Version int64 `json:"version"`
}

// Handler receives notifications published by any instance, including this one.
type Handler func(ctx context.Context, userID, version int64)

// RedisNotifier fans session changes out over redis pub/sub so every instance
// holding a controller for the user reseeds it.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	log     *slog.Logger
}

func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		log:     logger.With("component", "session_notifier"),
	}
}

func (n *RedisNotifier) Publish(ctx context.Context, userID, version int64) error {
	payload, err := json.Marshal(SessionChanged{UserID: userID, Version: version})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Listen dispatches notifications to h until ctx is cancelled.
func (n *RedisNotifier) Listen(ctx context.Context, h Handler) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	n.log.Info("listening for session changes", "channel", n.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev SessionChanged
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				n.log.Warn("dropping malformed session notification", "error", err)
				continue
			}
			h(ctx, ev.UserID, ev.Version)
		}
	}
}
