package websocket

import (
	"marketdata-relay/pkg/logger"

	"go.uber.org/zap"
)

// EventLogger provides structured logging for socket lifecycle events.
type EventLogger struct {
	logger *zap.Logger
}

func NewEventLogger(l *logger.Logger) *EventLogger {
	if l == nil {
		l = logger.NewNop()
	}
	return &EventLogger{
		logger: l.Logger.With(zap.String("component", "websocket")),
	}
}

func (l *EventLogger) Info(event, username, clientID string, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.String("username", username),
		zap.String("client_id", clientID),
	}, fields...)
	l.logger.Info("websocket_event", allFields...)
}

func (l *EventLogger) Error(event, username, clientID string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.String("username", username),
		zap.String("client_id", clientID),
		zap.Error(err),
	}, fields...)
	l.logger.Error("websocket_error", allFields...)
}

func (l *EventLogger) Warn(event, username, clientID string, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.String("username", username),
		zap.String("client_id", clientID),
	}, fields...)
	l.logger.Warn("websocket_warning", allFields...)
}

// Connected writes the plain connect line alongside the structured event.
func (l *EventLogger) Connected(username, clientID, room string) {
	l.logger.Sugar().Infof("User %s connected to market data stream, joined room %s", username, room)
	l.Info("connected", username, clientID, zap.String("room", room))
}
