// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/valenti1234/socat-balancer-2/internal/stats"
)

// Hub bridges the Bus to websocket clients. It runs as a supervised
// service: Serve subscribes to the Bus, relays every event to each
// connected client's send queue, and closes all clients on shutdown.
type Hub struct {
	bus *Bus
	log zerolog.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a Hub over the given Bus.
func NewHub(bus *Bus, log zerolog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		log:        log.With().Str("component", "ws-hub").Logger(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Serve implements suture.Service. It relays Bus events to clients until
// ctx is cancelled, then disconnects every client.
func (h *Hub) Serve(ctx context.Context) error {
	sub, cancel := h.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			stats.WebsocketClients.Set(float64(n))
			h.log.Info().Int("clients", n).Msg("event client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			stats.WebsocketClients.Set(float64(n))
			h.log.Info().Int("clients", n).Msg("event client disconnected")

		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			h.relay(ev)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (h *Hub) String() string {
	return "ws-hub"
}

// Register hands a new client to the hub and starts its pumps.
func (h *Hub) Register(c *Client) {
	h.register <- c
	c.start()
}

// relay queues an event on every client. Slow clients are dropped rather
// than allowed to block the loop.
func (h *Hub) relay(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- ev.Message:
		default:
			h.log.Warn().Msg("client send queue full, disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// closeAll disconnects every client during shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	stats.WebsocketClients.Set(0)
	h.log.Info().Msg("closed all event clients")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
