package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"marketdata-relay/internal/services"
	"marketdata-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Pusher attaches and detaches a user's push callback.
type Pusher interface {
	Attach(username string)
	Detach(username string)
}

// ConnectionTracker counts a user's sockets across instances.
type ConnectionTracker interface {
	TrackConnection(ctx context.Context, username, clientID string) error
	Refresh(ctx context.Context, username string) error
	RemoveConnection(ctx context.Context, username, clientID string) (int64, error)
	ConnectionCount(ctx context.Context, username string) (int64, error)
}

// Handler serves browser sockets on /websocket/ws.
type Handler struct {
	hub         *Hub
	push        Pusher
	connections ConnectionTracker
	log         *EventLogger
	upgrader    websocket.Upgrader

	// mu orders Attach against Detach per handler; local counts this
	// instance's live sockets per user.
	mu    sync.Mutex
	local map[string]int
}

// NewHandler creates a socket handler and subscribes it to hub room-empty events.
func NewHandler(hub *Hub, push Pusher, connections ConnectionTracker, log *EventLogger) *Handler {
	h := &Handler{
		hub:         hub,
		push:        push,
		connections: connections,
		log:         log,
		local:       make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	hub.OnRoomEmpty(h.roomEmptied)
	return h
}

// Connect upgrades the request and joins the user's room. The session
// middleware has already put the username in the request context.
func (h *Handler) Connect(c *gin.Context) {
	username, ok := services.UsernameFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("upgrade_failed", username, "", err)
		return
	}

	client := NewClient(conn, username)
	room := services.RoomName(username)

	ctx := context.Background()
	if h.connections != nil {
		if err := h.connections.TrackConnection(ctx, username, client.ID); err != nil {
			h.log.Warn("track_failed", username, client.ID, zap.Error(err))
		}
	}

	h.mu.Lock()
	h.local[username]++
	h.hub.Register(client)
	h.hub.Join(client, room)
	h.push.Attach(username)
	h.mu.Unlock()
	h.log.Connected(username, client.ID, room)

	go client.WritePump()
	client.ReadPump(func() {
		if h.connections != nil {
			_ = h.connections.Refresh(ctx, username)
		}
	})

	// Drop the connection record before the hub reports the room empty.
	if h.connections != nil {
		if _, err := h.connections.RemoveConnection(ctx, username, client.ID); err != nil {
			h.log.Warn("untrack_failed", username, client.ID, zap.Error(err))
		}
	}
	h.mu.Lock()
	h.local[username]--
	if h.local[username] <= 0 {
		delete(h.local, username)
	}
	h.mu.Unlock()
	h.hub.Unregister(client)
	h.log.Info("disconnected", username, client.ID)
}

// roomEmptied runs on the hub goroutine, so the check happens elsewhere.
func (h *Handler) roomEmptied(room string) {
	username, ok := strings.CutPrefix(room, services.RoomName(""))
	if !ok || username == "" {
		return
	}
	go h.detachIfIdle(username, room)
}

// detachIfIdle detaches the push callback once no instance holds a socket
// for the user.
func (h *Handler) detachIfIdle(username, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.local[username] > 0 || h.hub.RoomSize(room) > 0 {
		return
	}
	if h.connections != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := h.connections.ConnectionCount(ctx, username)
		if err == nil && n > 0 {
			return
		}
	}
	h.push.Detach(username)
	h.log.Info("callback_detached", username, "", zap.String("room", room))
}
