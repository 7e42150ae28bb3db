package main

import (
	"context"
	"fmt"

	"github.com/wardenhost/warden/pkg/agent"
	"github.com/wardenhost/warden/pkg/llm"
	"github.com/wardenhost/warden/pkg/task"
	"github.com/wardenhost/warden/pkg/trust"
)

// chatPlanner turns a task into a single chat step against the configured
// provider. Multi-step planning belongs to richer agent frontends; the host
// itself only guarantees that whatever is planned runs behind the gate.
//
// A cloud provider plans the step as the synthetic cloud tool, so the trust
// evaluator gates the egress exactly like any other sensitive action.
type chatPlanner struct {
	providers []llm.Provider
}

func newChatPlanner(providers []llm.Provider) *chatPlanner {
	return &chatPlanner{providers: providers}
}

func (p *chatPlanner) Plan(_ context.Context, t task.Task) ([]agent.Step, error) {
	if len(p.providers) == 0 {
		return nil, fmt.Errorf("no LLM provider configured")
	}
	provider := p.providers[0]

	step := agent.Step{
		ID:         "respond",
		Tool:       "llm.chat",
		Action:     "chat",
		Reason:     "answer the task input with the configured model",
		Reversible: true,
		Args:       map[string]any{"input": t.Input},
	}
	if provider.Cloud() {
		step.Tool = trust.CloudTool
		step.Scope = provider.Name()
		step.Reason = fmt.Sprintf("send the task input to cloud provider %s", provider.Name())
		step.Reversible = false
	}
	return []agent.Step{step}, nil
}

// chatTool runs a chat step against the first configured provider. The
// orchestrator has already gated the step by the time Execute runs.
type chatTool struct {
	name      string
	providers []llm.Provider
}

func builtinTools(providers []llm.Provider) []agent.Tool {
	return []agent.Tool{
		&chatTool{name: "llm.chat", providers: providers},
		&chatTool{name: trust.CloudTool, providers: providers},
	}
}

func (t *chatTool) Name() string { return t.name }

func (t *chatTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if len(t.providers) == 0 {
		return "", fmt.Errorf("no LLM provider configured")
	}
	input, _ := args["input"].(string)
	if input == "" {
		return "", fmt.Errorf("%s: missing input", t.name)
	}
	reply, err := t.providers[0].Chat(ctx, []llm.Message{{Role: "user", Content: input}})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", llm.ErrProviderUnreachable, t.providers[0].Name(), err)
	}
	return reply, nil
}
