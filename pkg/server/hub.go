// Package server carries messages between the host and its connected
// clients: websocket transport, envelope routing, and the handlers that
// bind inbound messages to the task and permission coordinators.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wardenhost/warden/pkg/protocol"
)

// Conn is a single client connection able to receive outbound frames.
type Conn interface {
	// Send queues a frame for delivery. Implementations must be safe for
	// concurrent use.
	Send(frame []byte) error
}

// Hub tracks connected clients and fans outbound envelopes to all of them.
type Hub struct {
	mu     sync.Mutex
	conns  map[Conn]struct{}
	logger *slog.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[Conn]struct{}),
		logger: logger.With("component", "hub"),
	}
}

// Register adds a connection to the broadcast set.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	h.logger.Info("client connected", "clients", len(h.conns))
}

// Unregister removes a connection. Safe to call more than once.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	h.logger.Info("client disconnected", "clients", len(h.conns))
}

// Broadcast validates an outbound envelope and delivers it to every
// connected client. Envelopes that fail validation are refused; the host
// never emits a frame it would reject on the inbound path. Per-client send
// failures are logged, not returned: one slow client must not fail the
// others.
func (h *Hub) Broadcast(env *protocol.Envelope) error {
	if err := protocol.Validate(env); err != nil {
		h.logger.Error("refusing invalid outbound message",
			"type", env.Type, "id", env.ID, "error", err)
		return fmt.Errorf("outbound %s: %w", env.Type, err)
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal outbound message", "type", env.Type, "error", err)
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}

	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			h.logger.Warn("send to client failed", "type", env.Type, "error", err)
		}
	}
	return nil
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
