package protocol

// Typed payloads for the message types the core consumes and produces.
// The wire shape is validated by the schemas in schemas.go before these
// structs are decoded, so handlers can trust required fields are present.

// TaskRequestPayload asks the host to start a task run.
type TaskRequestPayload struct {
	TaskID      string   `json:"taskId"`
	Input       string   `json:"input"`
	Attachments []string `json:"attachments,omitempty"`
}

// TaskStopPayload requests cooperative cancellation of the running task.
type TaskStopPayload struct {
	CorrelationID string `json:"correlationId,omitempty"`
}

// PlanStep is one step of an announced plan.
type PlanStep struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Action string `json:"action,omitempty"`
	Scope  string `json:"scope,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TaskPlanPayload announces the plan the agent intends to execute.
type TaskPlanPayload struct {
	TaskID string     `json:"taskId"`
	Steps  []PlanStep `json:"steps"`
}

// TaskStepPayload reports progress of a single step.
type TaskStepPayload struct {
	TaskID string `json:"taskId"`
	StepID string `json:"stepId"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TaskResultPayload carries the final output of a completed run.
type TaskResultPayload struct {
	TaskID string `json:"taskId"`
	Output string `json:"output,omitempty"`
}

// TaskErrorPayload reports a failed run or a rejected task request.
type TaskErrorPayload struct {
	TaskID  string `json:"taskId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PermissionRequestPayload mirrors trust.Request on the wire.
type PermissionRequestPayload struct {
	ID         string `json:"id"`
	Tool       string `json:"tool"`
	Action     string `json:"action,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Reason     string `json:"reason"`
	Risk       int    `json:"risk,omitempty"`
	Reversible bool   `json:"reversible"`
	ProfileID  string `json:"profileId"`
	Cloud      bool   `json:"cloud,omitempty"`
}

// PermissionResponsePayload is the human decision for a pending request.
type PermissionResponsePayload struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
	Remember  bool   `json:"remember,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ChatRequestPayload is a single-turn chat message.
type ChatRequestPayload struct {
	Message string `json:"message"`
}

// ChatResponsePayload is the reply to a chat request.
type ChatResponsePayload struct {
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

// ChatErrorPayload reports a failed chat request.
type ChatErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LLMHealthCheckPayload optionally narrows the probe to named providers.
type LLMHealthCheckPayload struct {
	Providers []string `json:"providers,omitempty"`
}

// SystemEventPayload carries protocol errors and host lifecycle notices.
type SystemEventPayload struct {
	Event   string         `json:"event"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}
