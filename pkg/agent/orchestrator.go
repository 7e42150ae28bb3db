package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wardenhost/warden/pkg/task"
	"github.com/wardenhost/warden/pkg/trust"
)

var (
	// ErrCancelled means the run observed a stop request between steps.
	ErrCancelled = errors.New("task cancelled")
	// ErrPermissionDenied means the user (or a rule) denied a step.
	ErrPermissionDenied = errors.New("permission denied")
)

// Step is one unit of planned work.
type Step struct {
	ID         string
	Tool       string
	Action     string
	Scope      string
	Reason     string
	Reversible bool
	Args       map[string]any
}

// Planner produces the steps for a task. Prompt construction and provider
// selection live behind this interface.
type Planner interface {
	Plan(ctx context.Context, t task.Task) ([]Step, error)
}

// Tool executes one kind of step. Individual tool implementations are
// external collaborators.
type Tool interface {
	Name() string
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// PermissionFunc suspends the step until the pending permission request is
// answered or times out.
type PermissionFunc func(ctx context.Context, req *trust.Request) (trust.Decision, error)

// DecisionRecorder is told about decisions resolved without prompting, so
// automatic allows and denies reach the audit log too.
type DecisionRecorder func(req *trust.Request, d trust.Decision)

// Orchestrator runs a planned task step by step, gating each step on the
// trust evaluator and, when the evaluator says ask, on the interactive
// permission flow.
type Orchestrator struct {
	planner   Planner
	tools     map[string]Tool
	evaluator *trust.Evaluator
	profile   trust.Profile
	ask       PermissionFunc
	record    DecisionRecorder
	logger    *slog.Logger
}

// Config assembles an orchestrator.
type Config struct {
	Planner   Planner
	Tools     []Tool
	Evaluator *trust.Evaluator
	Profile   trust.Profile
	Ask       PermissionFunc
	Record    DecisionRecorder
	Logger    *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	tools := make(map[string]Tool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools[t.Name()] = t
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		planner:   cfg.Planner,
		tools:     tools,
		evaluator: cfg.Evaluator,
		profile:   cfg.Profile,
		ask:       cfg.Ask,
		record:    cfg.Record,
		logger:    logger.With("component", "agent"),
	}
}

// Run plans and executes the task. The token is polled between steps;
// in-progress tool work is never preempted.
func (o *Orchestrator) Run(ctx context.Context, t task.Task, token *task.Token, emit EmitFunc) (string, error) {
	steps, err := o.planner.Plan(ctx, t)
	if err != nil {
		return "", fmt.Errorf("plan task %s: %w", t.TaskID, err)
	}
	emit(PlanEvent{TaskID: t.TaskID, Steps: steps})

	var lastOutput string
	for _, step := range steps {
		if token.Cancelled() {
			return "", ErrCancelled
		}

		emit(StepStartedEvent{TaskID: t.TaskID, StepID: step.ID})

		output, err := o.runStep(ctx, t, step, emit)
		if err != nil {
			emit(StepFailedEvent{TaskID: t.TaskID, StepID: step.ID, Err: err.Error()})
			return "", err
		}

		emit(StepCompletedEvent{TaskID: t.TaskID, StepID: step.ID, Output: output})
		lastOutput = output
	}

	return lastOutput, nil
}

func (o *Orchestrator) runStep(ctx context.Context, t task.Task, step Step, emit EmitFunc) (string, error) {
	tool, ok := o.tools[step.Tool]
	if !ok {
		return "", fmt.Errorf("step %s: unknown tool %q", step.ID, step.Tool)
	}

	req := &trust.Request{
		ID:         fmt.Sprintf("%s-%s", t.TaskID, step.ID),
		Tool:       step.Tool,
		Action:     step.Action,
		Scope:      step.Scope,
		Reason:     step.Reason,
		Reversible: step.Reversible,
		ProfileID:  t.ProfileID,
	}

	decision := o.evaluator.Evaluate(ctx, req, o.profile)
	switch decision.Decision {
	case trust.VerdictAllow:
		if o.record != nil {
			o.record(req, decision)
		}
	case trust.VerdictDeny:
		if o.record != nil {
			o.record(req, decision)
		}
		return "", fmt.Errorf("step %s: %w (%s)", step.ID, ErrPermissionDenied, decision.Reason)
	case trust.VerdictAsk:
		emit(PermissionRequestedEvent{Request: req})
		answered, err := o.ask(ctx, req)
		if err != nil {
			return "", fmt.Errorf("step %s: await permission: %w", step.ID, err)
		}
		if answered.Decision != trust.VerdictAllow {
			return "", fmt.Errorf("step %s: %w", step.ID, ErrPermissionDenied)
		}
	default:
		return "", fmt.Errorf("step %s: unexpected verdict %q", step.ID, decision.Decision)
	}

	output, err := tool.Execute(ctx, step.Args)
	if err != nil {
		return "", fmt.Errorf("step %s: execute %s: %w", step.ID, step.Tool, err)
	}
	return output, nil
}
