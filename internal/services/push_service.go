package services

import (
	"context"
	"encoding/json"
	"time"

	"marketdata-relay/internal/feed"
	"marketdata-relay/pkg/logger"

	"go.uber.org/zap"
)

const (
	PushEventMarketData = "market_data"
	roomPrefix          = "user_"
	callbackKeyPrefix   = "room:"
)

// RoomName is the socket room a user's pushes are addressed to.
func RoomName(username string) string {
	return roomPrefix + username
}

// RoomEmitter delivers an encoded push frame to every socket in a room.
type RoomEmitter interface {
	EmitToRoom(ctx context.Context, room string, frame []byte) error
}

type PushFrame struct {
	Event string    `json:"event"`
	Data  feed.Tick `json:"data"`
}

// PushService bridges a user's upstream ticks to that user's socket room.
type PushService struct {
	market  MarketDataService
	emitter RoomEmitter
	log     *logger.Logger
}

func NewPushService(market MarketDataService, emitter RoomEmitter, l *logger.Logger) *PushService {
	if l == nil {
		l = logger.NewNop()
	}
	return &PushService{market: market, emitter: emitter, log: l.Named("push")}
}

func callbackKey(username string) string {
	return callbackKeyPrefix + RoomName(username)
}

// Attach registers the user's push callback. Calling it again for the same
// user replaces the callback instead of adding another one.
func (p *PushService) Attach(username string) {
	room := RoomName(username)
	p.market.RegisterCallback(username, callbackKey(username), func(tick feed.Tick) {
		frame, err := json.Marshal(PushFrame{Event: PushEventMarketData, Data: tick})
		if err != nil {
			p.log.Logger.Warn("encode push frame", zap.String("room", room), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.emitter.EmitToRoom(ctx, room, frame); err != nil {
			p.log.Logger.Warn("emit push frame", zap.String("room", room), zap.Error(err))
		}
	})
}

func (p *PushService) Detach(username string) {
	p.market.UnregisterCallback(username, callbackKey(username))
}
