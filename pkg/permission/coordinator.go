// Package permission correlates in-flight permission requests with the
// asynchronous decisions that resolve them.
//
// A step that needs a human answer suspends on a pending entry keyed by the
// broadcast message id. The decision may arrive as a permission.response
// naming that id in replyTo, by (correlationId, requestId) when replyTo is
// absent, or not at all — in which case a timer forces deny. Every issuance,
// decision, and timeout is audited; audit and rule persistence failures are
// swallowed so a storage problem never blocks the flow itself.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhost/warden/pkg/audit"
	"github.com/wardenhost/warden/pkg/protocol"
	"github.com/wardenhost/warden/pkg/trust"
)

// DefaultTimeout is how long a pending request waits before auto-deny.
const DefaultTimeout = 30 * time.Second

// Broadcaster fans an envelope out to every connected client.
type Broadcaster interface {
	Broadcast(env *protocol.Envelope) error
}

// AuditOpener resolves the audit log for a profile.
type AuditOpener func(profileID string) *audit.Log

// requestContext is what the coordinator remembers about an issued request.
type requestContext struct {
	correlationID string
	profileID     string
	taskID        string
	request       *trust.Request
}

// pendingEntry is the transient correlation state for one wait.
// Created on issuance, deleted on resolution; never survives a restart.
type pendingEntry struct {
	ch    chan trust.Decision
	timer *time.Timer
}

// Coordinator tracks pending permission requests. Construct one per server
// lifetime; all state lives on the instance so tests can isolate it.
type Coordinator struct {
	mu sync.Mutex
	// pending waits keyed by the broadcast message id.
	pending map[string]*pendingEntry
	// message id keyed by "correlationId:requestId", for replies that
	// reference the logical request id instead of replyTo.
	byRequest map[string]string
	// issued request context keyed by message id.
	contexts map[string]requestContext

	broadcaster Broadcaster
	rules       trust.Store
	auditFor    AuditOpener
	timeout     time.Duration
	logger      *slog.Logger
}

// Config assembles a coordinator.
type Config struct {
	Broadcaster Broadcaster
	Rules       trust.Store
	AuditFor    AuditOpener
	Timeout     time.Duration // zero means DefaultTimeout
	Logger      *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		pending:     make(map[string]*pendingEntry),
		byRequest:   make(map[string]string),
		contexts:    make(map[string]requestContext),
		broadcaster: cfg.Broadcaster,
		rules:       cfg.Rules,
		auditFor:    cfg.AuditFor,
		timeout:     timeout,
		logger:      logger.With("component", "permission"),
	}
}

func requestKey(correlationID, requestID string) string {
	return correlationID + ":" + requestID
}

// ensureMessageID returns the message id for (correlationID, requestID),
// minting and recording one if the pair has not been issued yet.
func (c *Coordinator) ensureMessageID(correlationID, requestID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := requestKey(correlationID, requestID)
	if id, ok := c.byRequest[key]; ok {
		return id
	}
	id := uuid.New().String()
	c.byRequest[key] = id
	return id
}

// Issue broadcasts a permission request, records its context, and audits
// the issuance. It returns the message id the wait will be keyed by.
func (c *Coordinator) Issue(correlationID, taskID string, req *trust.Request) string {
	messageID := c.ensureMessageID(correlationID, req.ID)

	c.mu.Lock()
	c.contexts[messageID] = requestContext{
		correlationID: correlationID,
		profileID:     req.ProfileID,
		taskID:        taskID,
		request:       req,
	}
	c.mu.Unlock()

	env := protocol.New(protocol.TypePermissionRequest, protocol.SourceAgent, protocol.PermissionRequestPayload{
		ID:         req.ID,
		Tool:       req.Tool,
		Action:     req.Action,
		Scope:      req.Scope,
		Reason:     req.Reason,
		Risk:       req.ImpliedRisk(),
		Reversible: req.Reversible,
		ProfileID:  req.ProfileID,
		Cloud:      req.Cloud,
	})
	env.ID = messageID
	env.CorrelationID = correlationID
	env.ProfileID = req.ProfileID

	if err := c.broadcaster.Broadcast(env); err != nil {
		c.logger.Warn("broadcast permission request failed",
			"request", req.ID, "error", err)
	}

	// Best-effort by policy: a failed audit write never blocks the flow.
	_ = c.appendAudit(req.ProfileID, audit.Event{
		Type:          audit.EventPermissionRequest,
		CorrelationID: correlationID,
		ProfileID:     req.ProfileID,
		RequestID:     req.ID,
		Tool:          req.Tool,
		Scope:         req.Scope,
		Action:        req.Action,
		Reason:        req.Reason,
	})

	return messageID
}

// Waiter returns the suspend function for one correlation: it registers a
// pending entry with the auto-deny timer and blocks until a matching
// response arrives, the timeout fires, or ctx is cancelled.
func (c *Coordinator) Waiter(correlationID string) func(ctx context.Context, req *trust.Request) (trust.Decision, error) {
	return func(ctx context.Context, req *trust.Request) (trust.Decision, error) {
		messageID := c.ensureMessageID(correlationID, req.ID)

		c.mu.Lock()
		// Clear any stale entry left by a retried step.
		if stale, ok := c.pending[messageID]; ok {
			stale.timer.Stop()
			delete(c.pending, messageID)
		}
		entry := &pendingEntry{ch: make(chan trust.Decision, 1)}
		entry.timer = time.AfterFunc(c.timeout, func() {
			c.expire(messageID)
		})
		c.pending[messageID] = entry
		c.mu.Unlock()

		select {
		case decision := <-entry.ch:
			return decision, nil
		case <-ctx.Done():
			c.abandon(messageID)
			return trust.Decision{Decision: trust.VerdictDeny, Source: trust.SourceDefault},
				fmt.Errorf("await permission %s: %w", req.ID, ctx.Err())
		}
	}
}

// HandleResponse resolves the wait addressed by a permission.response.
// Unknown or already-resolved replies are logged and dropped; they are not
// an error to the sender.
func (c *Coordinator) HandleResponse(env *protocol.Envelope) {
	var payload protocol.PermissionResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.logger.Warn("undecodable permission response", "message", env.ID, "error", err)
		return
	}

	messageID := env.ReplyTo
	if messageID == "" {
		c.mu.Lock()
		messageID = c.byRequest[requestKey(env.CorrelationID, payload.RequestID)]
		c.mu.Unlock()
	}
	if messageID == "" {
		c.logger.Warn("permission response matches no pending request",
			"correlation", env.CorrelationID, "request", payload.RequestID)
		return
	}

	decision := trust.Decision{
		Decision: trust.Verdict(payload.Decision),
		Source:   trust.SourcePrompt,
		Reason:   payload.Reason,
		Remember: payload.Remember,
	}
	c.resolve(messageID, decision)
}

// resolve completes a pending wait exactly once.
func (c *Coordinator) resolve(messageID string, decision trust.Decision) {
	c.mu.Lock()
	entry, ok := c.pending[messageID]
	if !ok {
		c.mu.Unlock()
		c.logger.Info("dropping reply for already-resolved request", "message", messageID)
		return
	}
	entry.timer.Stop()
	rc := c.contexts[messageID]
	c.clearLocked(messageID, rc)
	c.mu.Unlock()

	entry.ch <- decision

	c.auditDecision(rc, decision)

	if decision.Remember &&
		(decision.Decision == trust.VerdictAllow || decision.Decision == trust.VerdictDeny) &&
		rc.request != nil {
		c.remember(rc, decision)
	}
}

// expire is the timer path: force deny and audit the timeout.
func (c *Coordinator) expire(messageID string) {
	c.mu.Lock()
	entry, ok := c.pending[messageID]
	if !ok {
		c.mu.Unlock()
		return
	}
	rc := c.contexts[messageID]
	c.clearLocked(messageID, rc)
	c.mu.Unlock()

	entry.ch <- trust.Decision{
		Decision: trust.VerdictDeny,
		Source:   trust.SourceDefault,
		Reason:   "permission request timed out",
	}

	_ = c.appendAudit(rc.profileID, audit.Event{
		Type:          audit.EventPermissionTimeout,
		CorrelationID: rc.correlationID,
		ProfileID:     rc.profileID,
		RequestID:     requestID(rc),
		Tool:          tool(rc),
		Scope:         scope(rc),
		Decision:      string(trust.VerdictDeny),
		Source:        string(trust.SourceDefault),
		Reason:        "timeout",
	})
}

// abandon removes a wait whose context ended; no decision is delivered.
func (c *Coordinator) abandon(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.pending[messageID]; ok {
		entry.timer.Stop()
		rc := c.contexts[messageID]
		c.clearLocked(messageID, rc)
	}
}

// clearLocked deletes all three map entries for a resolved wait.
// Callers hold c.mu.
func (c *Coordinator) clearLocked(messageID string, rc requestContext) {
	delete(c.pending, messageID)
	delete(c.contexts, messageID)
	if rc.request != nil {
		delete(c.byRequest, requestKey(rc.correlationID, rc.request.ID))
	} else {
		for key, id := range c.byRequest {
			if id == messageID {
				delete(c.byRequest, key)
				break
			}
		}
	}
}

// RecordDecision audits a decision that was settled without prompting
// (rule or profile default), so automatic outcomes are observable too.
func (c *Coordinator) RecordDecision(correlationID string, req *trust.Request, decision trust.Decision) {
	_ = c.appendAudit(req.ProfileID, audit.Event{
		Type:          audit.EventPermissionDecision,
		CorrelationID: correlationID,
		ProfileID:     req.ProfileID,
		RequestID:     req.ID,
		Tool:          req.Tool,
		Scope:         req.Scope,
		Action:        req.Action,
		Decision:      string(decision.Decision),
		Source:        string(decision.Source),
		Reason:        decision.Reason,
	})
}

// PendingCount returns the number of in-flight waits.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) auditDecision(rc requestContext, decision trust.Decision) {
	_ = c.appendAudit(rc.profileID, audit.Event{
		Type:          audit.EventPermissionDecision,
		CorrelationID: rc.correlationID,
		ProfileID:     rc.profileID,
		RequestID:     requestID(rc),
		Tool:          tool(rc),
		Scope:         scope(rc),
		Decision:      string(decision.Decision),
		Source:        string(decision.Source),
		Reason:        decision.Reason,
	})
}

// remember persists a human decision as a trust rule. Failures are logged
// and swallowed; durability degrades, the decision stands.
func (c *Coordinator) remember(rc requestContext, decision trust.Decision) {
	rule := trust.Rule{
		ProfileID:   rc.profileID,
		Tool:        rc.request.Tool,
		ScopePrefix: trust.ScopePrefix(rc.request.Scope),
		Decision:    decision.Decision,
	}
	if err := c.rules.UpsertRule(context.Background(), rule); err != nil {
		c.logger.Warn("failed to persist remembered rule",
			"tool", rule.Tool, "prefix", rule.ScopePrefix, "error", err)
	}
}

func (c *Coordinator) appendAudit(profileID string, event audit.Event) error {
	if c.auditFor == nil {
		return nil
	}
	log := c.auditFor(profileID)
	if log == nil {
		return nil
	}
	if err := log.Append(event); err != nil {
		c.logger.Warn("audit append failed", "type", event.Type, "error", err)
		return err
	}
	return nil
}

func requestID(rc requestContext) string {
	if rc.request == nil {
		return ""
	}
	return rc.request.ID
}

func tool(rc requestContext) string {
	if rc.request == nil {
		return ""
	}
	return rc.request.Tool
}

func scope(rc requestContext) string {
	if rc.request == nil {
		return ""
	}
	return rc.request.Scope
}
