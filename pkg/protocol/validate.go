package protocol

import (
	"encoding/json"
	"fmt"
)

// Error codes reported back to the originating connection.
// Each validation failure class maps to exactly one code.
const (
	ErrCodeBadJSON     = "bad_json"     // frame is not valid JSON
	ErrCodeBadEnvelope = "bad_envelope" // envelope structure is invalid
	ErrCodeBadPayload  = "bad_payload"  // payload fails the type's schema
	ErrCodeRateLimited = "rate_limited" // connection exceeded inbound rate
	ErrCodeBusy        = "busy"         // a task is already running
	ErrCodeInternal    = "internal"     // handler failure
)

// ValidationError describes a specific envelope validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (r *ValidationResult) addError(field, code, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Code: code, Message: message})
}

// Err returns the first validation error, or nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

var validSources = map[Source]bool{
	SourceUI:     true,
	SourceAgent:  true,
	SourceSystem: true,
}

var knownTypes = map[string]bool{
	TypeTaskRequest:        true,
	TypeTaskStop:           true,
	TypeTaskPlan:           true,
	TypeTaskStep:           true,
	TypeTaskResult:         true,
	TypeTaskError:          true,
	TypePermissionRequest:  true,
	TypePermissionResponse: true,
	TypeChatRequest:        true,
	TypeChatResponse:       true,
	TypeChatError:          true,
	TypeLLMHealthCheck:     true,
	TypeSystemEvent:        true,
}

// KnownType reports whether msgType is part of the protocol.
// Unknown types are not an envelope error: the router logs and ignores them.
func KnownType(msgType string) bool {
	return knownTypes[msgType]
}

// ValidateEnvelope checks the structural invariants of an envelope.
// It does not consult per-type payload schemas; see ValidatePayload.
func ValidateEnvelope(env *Envelope) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if env == nil {
		result.addError("envelope", "REQUIRED", "envelope is nil")
		return result
	}

	if env.ID == "" {
		result.addError("id", "REQUIRED", "id is required")
	}
	if env.Type == "" {
		result.addError("type", "REQUIRED", "type is required")
	}
	if !validSources[env.Source] {
		result.addError("source", "INVALID_VALUE",
			fmt.Sprintf("invalid source %q", env.Source))
	}
	if env.Timestamp <= 0 {
		result.addError("timestamp", "INVALID_VALUE", "timestamp must be positive")
	}
	if !isJSONObject(env.Payload) {
		result.addError("payload", "INVALID_VALUE", "payload must be a JSON object")
	}

	return result
}

// Parse decodes a raw frame into an envelope and validates its structure.
// A frame that is not JSON at all yields ErrCodeBadJSON; a structurally
// invalid envelope yields ErrCodeBadEnvelope.
func Parse(frame []byte) (*Envelope, string, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ErrCodeBadJSON, fmt.Errorf("decode frame: %w", err)
	}
	if result := ValidateEnvelope(&env); !result.Valid {
		return &env, ErrCodeBadEnvelope, result.Err()
	}
	return &env, "", nil
}

func isJSONObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
