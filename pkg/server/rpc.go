package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhost/warden/pkg/protocol"
)

// DefaultRPCTimeout bounds how long a request/reply exchange over the
// channel may stay outstanding before it fails.
const DefaultRPCTimeout = 7500 * time.Millisecond

// ErrRPCTimeout reports that no reply arrived within the deadline.
var ErrRPCTimeout = errors.New("rpc: reply timeout")

// RPC implements request/reply exchanges over the broadcast channel: it
// sends a request envelope and resolves the first inbound envelope whose
// replyTo names the request's id.
type RPC struct {
	hub     *Hub
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope
}

// NewRPC builds a request/reply helper on top of the hub. A timeout of
// zero uses DefaultRPCTimeout.
func NewRPC(hub *Hub, timeout time.Duration, logger *slog.Logger) *RPC {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RPC{
		hub:     hub,
		timeout: timeout,
		logger:  logger.With("component", "rpc"),
		pending: make(map[string]chan *protocol.Envelope),
	}
}

// Call broadcasts req and waits for the matching reply. The pending slot is
// registered before the send so a fast client cannot race the reply past
// the waiter.
func (r *RPC) Call(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	ch := make(chan *protocol.Envelope, 1)
	r.mu.Lock()
	r.pending[req.ID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	if err := r.hub.Broadcast(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s %s", ErrRPCTimeout, req.Type, req.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve offers an inbound envelope to any pending call. It reports
// whether the envelope was consumed as a reply.
func (r *RPC) Resolve(env *protocol.Envelope) bool {
	if env.ReplyTo == "" {
		return false
	}
	r.mu.Lock()
	ch, ok := r.pending[env.ReplyTo]
	if ok {
		delete(r.pending, env.ReplyTo)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}
