package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// MarketDataChannelPrefix prefixes the pub/sub channel of every push room.
const MarketDataChannelPrefix = "marketdata:"

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// PublishToRoom publishes payload on the channel that mirrors room.
func (p *Publisher) PublishToRoom(ctx context.Context, room string, payload []byte) error {
	return p.Publish(ctx, MarketDataChannelPrefix+room, payload)
}
