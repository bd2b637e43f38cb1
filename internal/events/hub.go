// Package events is the manager's WebSocket event feed: league lifecycle
// changes are broadcast to any connected observer (dashboards, test
// harnesses). The feed is observational only — no league semantics depend
// on it.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the feed.
const (
	TypeRoundAnnounced     = "round_announced"
	TypeResultAccepted     = "result_accepted"
	TypeStandingsPublished = "standings_published"
	TypeLeagueStatus       = "league_status"
)

// Message is one event on the feed.
type Message struct {
	Type      string          `json:"type"`
	LeagueID  string          `json:"league_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Hub fans events out to connected WebSocket clients.
//
// Registry mutations are serialized through the Run loop via channels;
// Publish copies the client set under a read-lock and sends outside it so a
// slow client cannot stall the loop. Clients whose buffers are full are
// disconnected rather than waited on.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. Call exactly once, in its own goroutine;
// it exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends the event to every connected client. Safe to call from any
// goroutine. data is marshalled here so callers pass typed structs.
func (h *Hub) Publish(eventType, leagueID string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	msg := Message{
		Type:      eventType,
		LeagueID:  leagueID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// Buffer full: the client is too slow, drop it.
			h.unregister <- c
		}
	}
}

// Subscribe registers a freshly upgraded client with the hub.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes a client after its connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the number of connected clients. Used by health
// and metrics endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
