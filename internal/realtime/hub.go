package realtime

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var ErrUnknownConnection = errors.New("connection not registered")

// Sender is the hub's view of one live connection. Send must not block: it
// either queues the frame or reports that it was dropped.
type Sender interface {
	ID() string
	UserID() int64
	Send(frame []byte) bool
	Close()
}

// Hub fans events out to the connections subscribed to a chat room. Delivery
// is best effort: a connection whose queue is full or closed misses the
// event and nobody else is affected.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]Sender
	rooms    map[string]map[string]Sender
	presence *Presence
	logger   *zap.Logger
}

func NewHub(presence *Presence, logger *zap.Logger) *Hub {
	if presence == nil {
		presence = NewPresence()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:    make(map[string]Sender),
		rooms:    make(map[string]map[string]Sender),
		presence: presence,
		logger:   logger,
	}
}

func (h *Hub) Register(conn Sender) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
	h.logger.Debug("connection registered", zap.String("conn_id", conn.ID()), zap.Int64("user_id", conn.UserID()))
}

// Unregister drops the connection and its room membership.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	chatID, _ := h.leaveLocked(connID)
	delete(h.conns, connID)
	h.mu.Unlock()
	h.logger.Debug("connection unregistered", zap.String("conn_id", connID), zap.String("chat_id", chatID))
}

// Join subscribes connID to chatID, leaving whatever room it was in before.
func (h *Hub) Join(connID, chatID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if previous, had := h.presence.Set(connID, chatID); had && previous != chatID {
		h.removeFromRoomLocked(previous, connID)
	}
	room := h.rooms[chatID]
	if room == nil {
		room = make(map[string]Sender)
		h.rooms[chatID] = room
	}
	room[connID] = conn
	return nil
}

// Leave unsubscribes connID from its room, returning the room it left.
func (h *Hub) Leave(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(connID)
}

func (h *Hub) leaveLocked(connID string) (string, bool) {
	chatID, ok := h.presence.Remove(connID)
	if ok {
		h.removeFromRoomLocked(chatID, connID)
	}
	return chatID, ok
}

func (h *Hub) removeFromRoomLocked(chatID, connID string) {
	room := h.rooms[chatID]
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, chatID)
	}
}

// Room reports the room connID is subscribed to.
func (h *Hub) Room(connID string) (string, bool) {
	return h.presence.Room(connID)
}

// Broadcast delivers event to every subscriber of chatID except exclude and
// returns how many connections accepted it.
func (h *Hub) Broadcast(chatID string, event EventType, payload any, exclude string) int {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("broadcast", zap.String("chat_id", chatID), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]Sender, 0, len(h.rooms[chatID]))
	for id, conn := range h.rooms[chatID] {
		if id != exclude {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if conn.Send(frame) {
			delivered++
			continue
		}
		h.logger.Debug("event dropped",
			zap.String("conn_id", conn.ID()),
			zap.String("chat_id", chatID),
			zap.String("event", string(event)),
		)
	}
	return delivered
}

// SendTo delivers an event to a single registered connection.
func (h *Hub) SendTo(connID string, event EventType, payload any) bool {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("send", zap.String("conn_id", connID), zap.Error(err))
		return false
	}
	return conn.Send(frame)
}

// CloseRoom unsubscribes every member of chatID and tells them the chat is
// gone. It returns how many connections were evicted.
func (h *Hub) CloseRoom(chatID string) int {
	h.mu.Lock()
	members := make([]Sender, 0, len(h.rooms[chatID]))
	for id, conn := range h.rooms[chatID] {
		h.presence.Remove(id)
		members = append(members, conn)
	}
	delete(h.rooms, chatID)
	h.mu.Unlock()
	if len(members) == 0 {
		return 0
	}

	frame, err := encodeFrame(EventChatDeleted, RoomPayload{ChatID: chatID})
	if err != nil {
		h.logger.Error("close room", zap.String("chat_id", chatID), zap.Error(err))
		return len(members)
	}
	for _, conn := range members {
		conn.Send(frame)
	}
	h.logger.Debug("room closed", zap.String("chat_id", chatID), zap.Int("members", len(members)))
	return len(members)
}

func (h *Hub) RoomSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// Rooms lists the chat ids that currently have subscribers.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	rooms := make([]string, 0, len(h.rooms))
	for chatID := range h.rooms {
		rooms = append(rooms, chatID)
	}
	h.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close closes every registered connection. Each connection unregisters
// itself as it shuts down.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]Sender, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}
