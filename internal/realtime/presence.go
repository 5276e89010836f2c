package realtime

import "sync"

// Presence maps each live connection to the one room it is viewing.
type Presence struct {
	mu    sync.RWMutex
	rooms map[string]string
}

func NewPresence() *Presence {
	return &Presence{rooms: make(map[string]string)}
}

// Set moves connID into chatID and returns the room it was in before.
func (p *Presence) Set(connID, chatID string) (previous string, had bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous, had = p.rooms[connID]
	p.rooms[connID] = chatID
	return previous, had
}

func (p *Presence) Room(connID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	chatID, ok := p.rooms[connID]
	return chatID, ok
}

// Remove forgets connID and returns the room it was in.
func (p *Presence) Remove(connID string) (chatID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	chatID, ok = p.rooms[connID]
	delete(p.rooms, connID)
	return chatID, ok
}

// Len is the number of connections currently in a room.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rooms)
}
