package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wardenhost/warden/pkg/trust"
)

// AskFunc suspends until the interactive permission flow answers.
type AskFunc func(ctx context.Context, req *trust.Request) (trust.Decision, error)

// IssueFunc announces the request so the UI can render the prompt before
// the gate suspends on ask.
type IssueFunc func(req *trust.Request)

// Gate puts cloud providers behind the trust evaluator. Cloud usage is
// evaluated as the synthetic tool trust.CloudTool, so a remembered rule or
// a profile default settles it exactly like file or tool access.
type Gate struct {
	evaluator *trust.Evaluator
	logger    *slog.Logger
}

// NewGate creates a cloud gate.
func NewGate(evaluator *trust.Evaluator, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{evaluator: evaluator, logger: logger.With("component", "llm")}
}

// Chat runs one exchange against provider after clearing the gate.
// A denial surfaces as ErrUserDenied; a transport failure as
// ErrProviderUnreachable — callers report the two differently.
func (g *Gate) Chat(
	ctx context.Context,
	provider Provider,
	prof trust.Profile,
	messages []Message,
	issue IssueFunc,
	ask AskFunc,
) (string, error) {
	if provider.Cloud() {
		if err := g.authorize(ctx, provider, prof, issue, ask); err != nil {
			return "", err
		}
	}

	reply, err := provider.Chat(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrProviderUnreachable, provider.Name(), err)
	}
	return reply, nil
}

func (g *Gate) authorize(
	ctx context.Context,
	provider Provider,
	prof trust.Profile,
	issue IssueFunc,
	ask AskFunc,
) error {
	req := &trust.Request{
		ID:         uuid.New().String(),
		Tool:       trust.CloudTool,
		Action:     "chat",
		Scope:      provider.Name(),
		Reason:     fmt.Sprintf("send conversation to cloud provider %s", provider.Name()),
		Reversible: false,
		ProfileID:  prof.ID,
		Cloud:      true,
	}

	decision := g.evaluator.Evaluate(ctx, req, prof)
	if decision.Decision == trust.VerdictAsk && ask != nil {
		if issue != nil {
			issue(req)
		}
		answered, err := ask(ctx, req)
		if err != nil {
			return fmt.Errorf("await cloud permission: %w", err)
		}
		decision = answered
	}

	if decision.Decision != trust.VerdictAllow {
		return fmt.Errorf("%w: %s (%s)", ErrUserDenied, provider.Name(), decision.Reason)
	}
	return nil
}

// IsUserDenied reports whether err is a user/profile denial rather than a
// provider failure.
func IsUserDenied(err error) bool {
	return errors.Is(err, ErrUserDenied)
}
