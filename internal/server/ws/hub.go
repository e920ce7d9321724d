package ws

import (
	"encoding/json"
	"sync"

	"github.com/seamchat/seam/internal/server/storage"
	"github.com/seamchat/seam/internal/wire"
)

// Hub tracks connected clients, their conversation rooms, and broadcasts
// presence snapshots whenever the set of identified users changes.
type Hub struct {
	Store *storage.Store

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
}

func NewHub(store *storage.Store) *Hub {
	return &Hub{
		Store:   store,
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for _, members := range h.rooms {
		delete(members, c)
	}
	c.markClosed()
	close(c.Send)
	h.mu.Unlock()
	h.BroadcastPresence()
}

// Join subscribes the client to a conversation's broadcasts.
func (h *Hub) Join(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[conversationID]
	if members == nil {
		members = make(map[*Client]bool)
		h.rooms[conversationID] = members
	}
	members[c] = true
}

// BroadcastRoom sends an envelope to every client joined to the conversation.
func (h *Hub) BroadcastRoom(conversationID, eventType string, payload interface{}) {
	data, err := marshalEnvelope(eventType, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		c.trySend(data)
	}
}

// BroadcastPresence sends the authoritative online snapshot to everyone. The
// snapshot is total: receivers replace their online set wholesale.
func (h *Hub) BroadcastPresence() {
	h.mu.RLock()
	seen := make(map[string]bool)
	list := []wire.PresenceUser{}
	for c := range h.clients {
		if c.UserID == "" || seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		list = append(list, wire.PresenceUser{UserID: c.UserID, Username: c.Username})
	}
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	data, err := marshalEnvelope(wire.EventPresenceUsers, list)
	if err != nil {
		return
	}
	for _, c := range clients {
		c.trySend(data)
	}
}

func marshalEnvelope(eventType string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire.Envelope{Type: eventType, Payload: body})
}
