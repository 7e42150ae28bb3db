package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/time/rate"

	"github.com/wardenhost/warden/pkg/protocol"
)

// Handler processes one validated inbound envelope. Errors returned from a
// handler are reported back to the sender as a typed error envelope.
type Handler func(ctx context.Context, env *protocol.Envelope) error

// typedError carries a protocol error code alongside the message so the
// router can shape the error envelope sent back to the client.
type typedError struct {
	code string
	msg  string
}

func (e *typedError) Error() string { return e.msg }

// Errorf builds a handler error with an explicit protocol error code.
func Errorf(code, format string, args ...any) error {
	return &typedError{code: code, msg: fmt.Sprintf(format, args...)}
}

// Router dispatches inbound frames to per-type handlers.
type Router struct {
	hub      *Hub
	handlers map[string]Handler
	limit    rate.Limit
	burst    int
	logger   *slog.Logger
}

// RouterConfig controls dispatch behavior.
type RouterConfig struct {
	Hub *Hub
	// Limit caps inbound frames per second per connection. Zero disables
	// rate limiting.
	Limit  rate.Limit
	Burst  int
	Logger *slog.Logger
}

// NewRouter builds a router with no handlers registered.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	burst := cfg.Burst
	if cfg.Limit > 0 && burst <= 0 {
		burst = int(cfg.Limit)
	}
	return &Router{
		hub:      cfg.Hub,
		handlers: make(map[string]Handler),
		limit:    cfg.Limit,
		burst:    burst,
		logger:   logger.With("component", "router"),
	}
}

// Handle registers the handler for a message type, replacing any previous one.
func (r *Router) Handle(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// NewLimiter returns a per-connection rate limiter, or nil when rate
// limiting is disabled.
func (r *Router) NewLimiter() *rate.Limiter {
	if r.limit <= 0 {
		return nil
	}
	return rate.NewLimiter(r.limit, r.burst)
}

// Dispatch parses and routes a single inbound frame. Malformed frames and
// handler failures produce a system.event error envelope addressed to the
// offending message; unknown-but-valid message types are logged and dropped
// so newer clients do not wedge older hosts.
func (r *Router) Dispatch(ctx context.Context, limiter *rate.Limiter, frame []byte) {
	if limiter != nil && !limiter.Allow() {
		r.logger.Warn("inbound frame rate limited")
		r.sendError(nil, protocol.ErrCodeRateLimited, "too many messages")
		return
	}

	env, code, err := protocol.Parse(frame)
	if err != nil {
		r.logger.Warn("rejecting inbound frame", "code", code, "error", err)
		r.sendError(env, code, err.Error())
		return
	}
	if err := protocol.ValidatePayload(env.Type, env.Payload); err != nil {
		r.logger.Warn("rejecting inbound payload", "type", env.Type, "error", err)
		r.sendError(env, protocol.ErrCodeBadPayload, err.Error())
		return
	}

	h, ok := r.handlers[env.Type]
	if !ok {
		// Known envelope shape, no handler wired: ignore rather than error
		// so clients can speak newer dialects.
		r.logger.Info("no handler for message type", "type", env.Type, "id", env.ID)
		return
	}

	if err := r.call(ctx, h, env); err != nil {
		code := protocol.ErrCodeInternal
		if te, ok := err.(*typedError); ok {
			code = te.code
		}
		r.logger.Error("handler failed", "type", env.Type, "id", env.ID, "code", code, "error", err)
		r.sendError(env, code, err.Error())
	}
}

// call runs a handler with panic recovery so one bad message cannot take
// down the transport loop.
func (r *Router) call(ctx context.Context, h Handler, env *protocol.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic", "type", env.Type, "panic", rec,
				"stack", string(debug.Stack()))
			err = Errorf(protocol.ErrCodeInternal, "internal error handling %s", env.Type)
		}
	}()
	return h(ctx, env)
}

func (r *Router) sendError(cause *protocol.Envelope, code, message string) {
	payload := protocol.SystemEventPayload{
		Event:   "error",
		Code:    code,
		Message: message,
	}
	var env *protocol.Envelope
	if cause != nil {
		env = protocol.Reply(cause, protocol.TypeSystemEvent, protocol.SourceSystem, payload)
	} else {
		env = protocol.New(protocol.TypeSystemEvent, protocol.SourceSystem, payload)
	}
	_ = r.hub.Broadcast(env)
}
