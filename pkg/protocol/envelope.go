// Package protocol defines the message envelope exchanged between the host
// and its local UI clients, the registry of message types, and validation
// for both envelope structure and per-type payload schemas.
//
// Validation is fail-closed: a message that cannot be proven well-formed is
// rejected with a distinct error code instead of being dispatched.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Source identifies who produced a message.
type Source string

const (
	SourceUI     Source = "ui"
	SourceAgent  Source = "agent"
	SourceSystem Source = "system"
)

// Message types consumed and produced by the runtime core.
const (
	TypeTaskRequest        = "task.request"
	TypeTaskStop           = "task.stop"
	TypeTaskPlan           = "task.plan"
	TypeTaskStep           = "task.step"
	TypeTaskResult         = "task.result"
	TypeTaskError          = "task.error"
	TypePermissionRequest  = "permission.request"
	TypePermissionResponse = "permission.response"
	TypeChatRequest        = "chat.request"
	TypeChatResponse       = "chat.response"
	TypeChatError          = "chat.error"
	TypeLLMHealthCheck     = "llm.healthCheck"
	TypeSystemEvent        = "system.event"
)

// Envelope is the wire shape of every message on the channel.
//
// CorrelationID groups all messages belonging to one logical task, chat, or
// permission flow. ReplyTo names the message id a reply answers; every reply
// to a tracked request carries the pending request's message id there.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        Source          `json:"source"`
	Timestamp     int64           `json:"timestamp"` // unix milliseconds
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ProfileID     string          `json:"profileId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
}

// New constructs an envelope with a fresh id and current timestamp.
// The payload is marshalled immediately; a payload that cannot be
// marshalled yields an envelope with a null payload, which validation
// will reject downstream.
func New(msgType string, source Source, payload any) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
}

// WithCorrelation sets the correlation id and returns the envelope.
func (e *Envelope) WithCorrelation(correlationID string) *Envelope {
	e.CorrelationID = correlationID
	return e
}

// WithProfile sets the profile id and returns the envelope.
func (e *Envelope) WithProfile(profileID string) *Envelope {
	e.ProfileID = profileID
	return e
}

// ReplyTo returns a reply envelope answering req: same correlation and
// profile, replyTo set to the request's message id.
func Reply(req *Envelope, msgType string, source Source, payload any) *Envelope {
	reply := New(msgType, source, payload)
	reply.CorrelationID = req.CorrelationID
	reply.ProfileID = req.ProfileID
	reply.ReplyTo = req.ID
	return reply
}
