package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus publishes change events to a Redis channel and relays everything
// received on that channel into a local Hub, so every instance behind a load
// balancer sees writes made by the others.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
}

func NewRedisBus(rdb *redis.Client, channel string, hub *Hub) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, hub: hub}
}

// NewRedisClient pings before returning so a wrong address fails at startup.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rc := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rc, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Run relays until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	log.Printf("[realtime] relaying redis channel %s", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, msg.Payload)
		}
	}
}

func (b *RedisBus) relay(ctx context.Context, payload string) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Printf("[realtime] bad redis payload: %v", err)
		return
	}
	_ = b.hub.Publish(ctx, ev)
}
