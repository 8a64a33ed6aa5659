package ws

import (
	"context"
	"sync"
)

// Hub tracks the live websocket clients of this process per conversation.
type Hub struct {
	rooms map[int64]map[*Client]ConnInfo
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[int64]map[*Client]ConnInfo),
	}
}

// Add registers a client in its conversation.
func (h *Hub) Add(channelID int64, client *Client, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[channelID]; !ok {
		h.rooms[channelID] = make(map[*Client]ConnInfo)
	}
	h.rooms[channelID][client] = info
}

// Remove drops a client and reports whether it was registered.
func (h *Hub) Remove(channelID int64, client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.rooms[channelID]
	if !ok {
		return false
	}
	if _, exists := clients[client]; !exists {
		return false
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.rooms, channelID)
	}
	return true
}

// Count returns the number of clients in a conversation.
func (h *Hub) Count(channelID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channelID])
}

// Rooms returns the number of conversations with at least one client.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Shutdown closes every client and waits for their sessions to be released or ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	var clients []*Client
	for _, room := range h.rooms {
		for client := range room {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.shutdown("server shutdown")
	}
	for _, client := range clients {
		select {
		case <-client.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
