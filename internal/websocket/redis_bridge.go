package websocket

import (
	"context"
	"strings"

	"marketdata-relay/internal/redis"
)

// Subscriber is the pattern subscription the bridge listens on.
type Subscriber interface {
	Subscribe(ctx context.Context, channels []string, handler func(channel string, payload []byte)) error
}

// RedisBridge relays frames published on marketdata:<room> to this
// instance's hub.
type RedisBridge struct {
	subscriber Subscriber
	hub        *Hub
}

func NewRedisBridge(subscriber Subscriber, hub *Hub) *RedisBridge {
	return &RedisBridge{subscriber: subscriber, hub: hub}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (b *RedisBridge) Run(ctx context.Context) error {
	return b.subscriber.Subscribe(ctx, []string{redis.MarketDataChannelPrefix + "*"}, func(channel string, payload []byte) {
		if room := roomFromChannel(channel); room != "" {
			b.hub.Broadcast(room, payload)
		}
	})
}

func roomFromChannel(channel string) string {
	room, ok := strings.CutPrefix(channel, redis.MarketDataChannelPrefix)
	if !ok {
		return ""
	}
	return room
}

type RoomPublisher interface {
	PublishToRoom(ctx context.Context, room string, payload []byte) error
}

// RedisEmitter publishes room frames so every instance's bridge delivers them.
type RedisEmitter struct {
	publisher RoomPublisher
}

func NewRedisEmitter(publisher RoomPublisher) *RedisEmitter {
	return &RedisEmitter{publisher: publisher}
}

func (e *RedisEmitter) EmitToRoom(ctx context.Context, room string, frame []byte) error {
	return e.publisher.PublishToRoom(ctx, room, frame)
}
