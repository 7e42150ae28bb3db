package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchemas maps message type -> JSON Schema for its payload.
// Types without an entry accept any JSON object.
var payloadSchemas = map[string]string{
	TypeTaskRequest: `{
		"type": "object",
		"required": ["taskId", "input"],
		"properties": {
			"taskId":      {"type": "string", "minLength": 1},
			"input":       {"type": "string", "minLength": 1},
			"attachments": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	TypeTaskStop: `{
		"type": "object",
		"properties": {
			"correlationId": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	TypeTaskPlan: `{
		"type": "object",
		"required": ["taskId", "steps"],
		"properties": {
			"taskId": {"type": "string"},
			"steps": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "tool"],
					"properties": {
						"id":     {"type": "string"},
						"tool":   {"type": "string"},
						"action": {"type": "string"},
						"scope":  {"type": "string"},
						"reason": {"type": "string"}
					}
				}
			}
		}
	}`,
	TypeTaskStep: `{
		"type": "object",
		"required": ["taskId", "stepId", "status"],
		"properties": {
			"taskId": {"type": "string"},
			"stepId": {"type": "string"},
			"status": {"type": "string", "enum": ["started", "completed", "failed", "skipped"]},
			"output": {"type": "string"},
			"error":  {"type": "string"}
		}
	}`,
	TypeTaskResult: `{
		"type": "object",
		"required": ["taskId"],
		"properties": {
			"taskId": {"type": "string"},
			"output": {"type": "string"}
		}
	}`,
	TypeTaskError: `{
		"type": "object",
		"required": ["code", "message"],
		"properties": {
			"taskId":  {"type": "string"},
			"code":    {"type": "string"},
			"message": {"type": "string"}
		}
	}`,
	TypePermissionRequest: `{
		"type": "object",
		"required": ["id", "tool", "reason", "reversible", "profileId"],
		"properties": {
			"id":         {"type": "string", "minLength": 1},
			"tool":       {"type": "string", "minLength": 1},
			"action":     {"type": "string"},
			"scope":      {"type": "string"},
			"reason":     {"type": "string"},
			"risk":       {"type": "integer", "minimum": 0, "maximum": 3},
			"reversible": {"type": "boolean"},
			"profileId":  {"type": "string"},
			"cloud":      {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	TypePermissionResponse: `{
		"type": "object",
		"required": ["requestId", "decision"],
		"properties": {
			"requestId": {"type": "string", "minLength": 1},
			"decision":  {"type": "string", "enum": ["allow", "deny"]},
			"remember":  {"type": "boolean"},
			"reason":    {"type": "string"}
		},
		"additionalProperties": false
	}`,
	TypeChatRequest: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	TypeChatResponse: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message":  {"type": "string"},
			"provider": {"type": "string"}
		}
	}`,
	TypeChatError: `{
		"type": "object",
		"required": ["code", "message"],
		"properties": {
			"code":    {"type": "string"},
			"message": {"type": "string"}
		}
	}`,
	TypeLLMHealthCheck: `{
		"type": "object",
		"properties": {
			"providers": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	TypeSystemEvent: `{
		"type": "object",
		"required": ["event"],
		"properties": {
			"event":   {"type": "string"},
			"code":    {"type": "string"},
			"message": {"type": "string"},
			"detail":  {"type": "object"}
		}
	}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*jsonschema.Schema {
	compiled := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for msgType, schema := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://warden.schemas.local/protocol/%s.schema.json", msgType)
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			panic(fmt.Sprintf("protocol: schema load failed for %s: %v", msgType, err))
		}
		s, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("protocol: schema compile failed for %s: %v", msgType, err))
		}
		compiled[msgType] = s
	}
	return compiled
}

// ValidatePayload validates an envelope's payload against the schema
// registered for its type. Types without a schema pass.
func ValidatePayload(msgType string, payload json.RawMessage) error {
	schema, ok := compiledSchemas[msgType]
	if !ok {
		return nil
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("payload schema for %s: %w", msgType, err)
	}
	return nil
}

// Validate checks the envelope structure and its payload schema.
// It is applied to every inbound message and re-applied to every outbound
// broadcast; an invalid outbound message is refused rather than sent.
func Validate(env *Envelope) error {
	if result := ValidateEnvelope(env); !result.Valid {
		return result.Err()
	}
	return ValidatePayload(env.Type, env.Payload)
}
