// Package agent drives a task run: plan the steps, then execute each one
// behind the trust gate, emitting lifecycle events as it goes.
package agent

import "github.com/wardenhost/warden/pkg/trust"

// Event is a closed set of run lifecycle events. The sealed marker method
// keeps the variant set closed so adapters can match exhaustively; adding a
// kind without updating every switch is a compile-visible change.
type Event interface {
	isEvent()
}

// PlanEvent announces the steps the agent intends to execute.
type PlanEvent struct {
	TaskID string
	Steps  []Step
}

// StepStartedEvent marks the beginning of a step.
type StepStartedEvent struct {
	TaskID string
	StepID string
}

// StepCompletedEvent marks a finished step and carries its output.
type StepCompletedEvent struct {
	TaskID string
	StepID string
	Output string
}

// StepFailedEvent marks a step that errored or was denied.
type StepFailedEvent struct {
	TaskID string
	StepID string
	Err    string
}

// PermissionRequestedEvent asks for an interactive decision on a request.
type PermissionRequestedEvent struct {
	Request *trust.Request
}

// ResultEvent carries the final output of a successful run.
type ResultEvent struct {
	TaskID string
	Output string
}

// ErrorEvent reports a run that settled with an error.
type ErrorEvent struct {
	TaskID  string
	Code    string
	Message string
}

func (PlanEvent) isEvent()                {}
func (StepStartedEvent) isEvent()         {}
func (StepCompletedEvent) isEvent()       {}
func (StepFailedEvent) isEvent()          {}
func (PermissionRequestedEvent) isEvent() {}
func (ResultEvent) isEvent()              {}
func (ErrorEvent) isEvent()               {}

// EmitFunc receives lifecycle events. Emission is best-effort; emitters
// must not block the run on a slow consumer.
type EmitFunc func(Event)
