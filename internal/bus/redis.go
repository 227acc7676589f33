// Package bus fans envelopes out across processes over Redis pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-fanline/internal/event"
)

const DefaultChannel = "fanline:deliveries"

type frame struct {
	UserIDs  []string       `json:"user_ids"`
	Envelope event.Envelope `json:"envelope"`
}

// Redis is a cluster-wide event.Deliverer. Deliver publishes to a channel
// every process subscribes to; Run hands each frame to the local hub, which
// writes it to whichever of the users' connections it holds.
type Redis struct {
	client  *redis.Client
	channel string
	local   event.Deliverer
	log     *zap.Logger
}

var _ event.Deliverer = (*Redis)(nil)

func NewRedis(client *redis.Client, local event.Deliverer, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, channel: DefaultChannel, local: local, log: log}
}

func (b *Redis) Deliver(ctx context.Context, userIDs []string, env event.Envelope) error {
	if len(userIDs) == 0 {
		return nil
	}
	data, err := json.Marshal(frame{UserIDs: userIDs, Envelope: env})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", env.Type, err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// Run listens for frames from every instance until ctx is done.
func (b *Redis) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info("subscribed to delivery bus", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.log.Warn("dropping malformed bus frame", zap.Error(err))
				continue
			}
			if err := b.local.Deliver(ctx, f.UserIDs, f.Envelope); err != nil {
				b.log.Warn("local delivery failed", zap.String("type", string(f.Envelope.Type)), zap.Error(err))
			}
		}
	}
}
