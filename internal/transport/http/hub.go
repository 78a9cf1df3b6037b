package http

import (
	"sync"

	"ctfbot/internal/bot"
)

// Hub fans bot replies out to every connection in a room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[chan bot.Reply]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[chan bot.Reply]struct{})}
}

// Subscribe registers a listener for roomID.
// The caller must invoke the returned cancel function to avoid leaks.
func (h *Hub) Subscribe(roomID string) (<-chan bot.Reply, func()) {
	ch := make(chan bot.Reply, 16)

	h.mu.Lock()
	listeners, ok := h.rooms[roomID]
	if !ok {
		listeners = make(map[chan bot.Reply]struct{})
		h.rooms[roomID] = listeners
	}
	listeners[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		listeners, ok := h.rooms[roomID]
		if !ok {
			return
		}
		if _, ok := listeners[ch]; ok {
			delete(listeners, ch)
			close(ch)
		}
		if len(listeners) == 0 {
			delete(h.rooms, roomID)
		}
	}
	return ch, cancel
}

// Broadcast delivers r to every listener of its room. A listener whose buffer
// is full loses its oldest pending reply rather than blocking the room.
func (h *Hub) Broadcast(r bot.Reply) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.rooms[r.RoomID] {
		select {
		case ch <- r:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- r
		}
	}
}

// Listeners reports how many connections are subscribed to roomID.
func (h *Hub) Listeners(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
