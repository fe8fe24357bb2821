package websocket

import (
	"context"
	"sync"

	"marketdata-relay/pkg/logger"
)

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opJoin
)

// hubOp is a membership change. All changes go through one channel so a join
// can never be applied before the register it depends on.
type hubOp struct {
	kind   opKind
	client *Client
	room   string
}

// Hub tracks socket clients and the rooms they joined.
type Hub struct {
	mu sync.RWMutex

	// clients maps client ID to client
	clients map[string]*Client

	// rooms maps room name to the clients in it
	rooms map[string]map[*Client]struct{}

	ops chan hubOp

	onRoomEmpty func(room string)
	log         *logger.Logger
}

// NewHub creates an empty hub. Call Run to start it.
func NewHub(l *logger.Logger) *Hub {
	if l == nil {
		l = logger.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[*Client]struct{}),
		ops:     make(chan hubOp, 512),
		log:     l.Named("hub"),
	}
}

// OnRoomEmpty sets the function called after the last client leaves a room.
func (h *Hub) OnRoomEmpty(fn func(room string)) {
	h.mu.Lock()
	h.onRoomEmpty = fn
	h.mu.Unlock()
}

// Run applies membership changes until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case op := <-h.ops:
			var emptied []string
			switch op.kind {
			case opRegister:
				h.addClient(op.client)
			case opUnregister:
				emptied = h.removeClient(op.client)
			case opJoin:
				h.joinRoom(op.client, op.room)
			}
			h.mu.RLock()
			notify := h.onRoomEmpty
			h.mu.RUnlock()
			if notify != nil {
				for _, room := range emptied {
					notify(room)
				}
			}
		}
	}
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.ops <- hubOp{kind: opRegister, client: client}
}

// Unregister removes a client from the hub and from every room it joined
func (h *Hub) Unregister(client *Client) {
	h.ops <- hubOp{kind: opUnregister, client: client}
}

// Join adds a registered client to room
func (h *Hub) Join(client *Client, room string) {
	h.ops <- hubOp{kind: opJoin, client: client, room: room}
}

// Broadcast sends a frame to every client in room.
func (h *Hub) Broadcast(room string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		if !c.SendMessage(frame) {
			h.log.Warnf("send buffer full, dropping frame for client %s in %s", c.ID, room)
		}
	}
	return len(h.rooms[room])
}

// EmitToRoom delivers to this instance's sockets only.
func (h *Hub) EmitToRoom(ctx context.Context, room string, frame []byte) error {
	h.Broadcast(room, frame)
	return nil
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients in room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
}

// removeClient drops the client from every room and returns the rooms it
// left empty.
func (h *Hub) removeClient(client *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return nil
	}

	var emptied []string
	for _, room := range client.Rooms() {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
				emptied = append(emptied, room)
			}
		}
	}

	delete(h.clients, client.ID)
	close(client.Send)
	return emptied
}

func (h *Hub) joinRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Joins for clients that already left are dropped.
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	client.join(room)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Send)
		delete(h.clients, id)
	}
	h.rooms = make(map[string]map[*Client]struct{})
}
