package permission

import (
	"github.com/wardenhost/warden/pkg/agent"
	"github.com/wardenhost/warden/pkg/protocol"
)

// EventAdapter translates a run's lifecycle events into outbound protocol
// messages for one (correlation, profile, task) flow. A permission request
// event additionally mints the message id, records the request-id mapping,
// and audits the issuance via Issue.
//
// The type switch is exhaustive over the closed agent.Event set; an
// unhandled kind is a bug surfaced in logs, not silence on the wire.
func (c *Coordinator) EventAdapter(correlationID, profileID, taskID string) agent.EmitFunc {
	broadcast := func(msgType string, payload any) {
		env := protocol.New(msgType, protocol.SourceAgent, payload).
			WithCorrelation(correlationID).
			WithProfile(profileID)
		if err := c.broadcaster.Broadcast(env); err != nil {
			c.logger.Warn("broadcast lifecycle event failed",
				"type", msgType, "correlation", correlationID, "error", err)
		}
	}

	return func(event agent.Event) {
		switch e := event.(type) {
		case agent.PlanEvent:
			steps := make([]protocol.PlanStep, len(e.Steps))
			for i, s := range e.Steps {
				steps[i] = protocol.PlanStep{
					ID:     s.ID,
					Tool:   s.Tool,
					Action: s.Action,
					Scope:  s.Scope,
					Reason: s.Reason,
				}
			}
			broadcast(protocol.TypeTaskPlan, protocol.TaskPlanPayload{
				TaskID: e.TaskID,
				Steps:  steps,
			})
		case agent.StepStartedEvent:
			broadcast(protocol.TypeTaskStep, protocol.TaskStepPayload{
				TaskID: e.TaskID,
				StepID: e.StepID,
				Status: "started",
			})
		case agent.StepCompletedEvent:
			broadcast(protocol.TypeTaskStep, protocol.TaskStepPayload{
				TaskID: e.TaskID,
				StepID: e.StepID,
				Status: "completed",
				Output: e.Output,
			})
		case agent.StepFailedEvent:
			broadcast(protocol.TypeTaskStep, protocol.TaskStepPayload{
				TaskID: e.TaskID,
				StepID: e.StepID,
				Status: "failed",
				Error:  e.Err,
			})
		case agent.PermissionRequestedEvent:
			c.Issue(correlationID, taskID, e.Request)
		case agent.ResultEvent:
			broadcast(protocol.TypeTaskResult, protocol.TaskResultPayload{
				TaskID: e.TaskID,
				Output: e.Output,
			})
		case agent.ErrorEvent:
			broadcast(protocol.TypeTaskError, protocol.TaskErrorPayload{
				TaskID:  e.TaskID,
				Code:    e.Code,
				Message: e.Message,
			})
		default:
			c.logger.Error("unhandled lifecycle event", "event", event)
		}
	}
}
