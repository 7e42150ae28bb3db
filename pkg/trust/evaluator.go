package trust

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Profile is the subset of profile state the evaluator needs.
type Profile struct {
	ID                string
	DefaultTrustLevel Level
}

// Evaluator resolves requests against a profile's rules and default trust
// level. It never prompts; an ask verdict tells the caller to fall back to
// the interactive permission flow.
type Evaluator struct {
	store      Store
	conditions *ConditionEngine
	logger     *slog.Logger
}

// NewEvaluator creates an evaluator over the given rule store.
func NewEvaluator(store Store, logger *slog.Logger) (*Evaluator, error) {
	conditions, err := NewConditionEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:      store,
		conditions: conditions,
		logger:     logger.With("component", "trust"),
	}, nil
}

// Evaluate returns the decision for a request under a profile.
//
// The most specific matching rule wins: an exact tool match is required, and
// among matching rules the longest scope prefix beats an unscoped rule for
// the same tool. Rules with a condition must also evaluate true; a condition
// that fails to compile or evaluate is skipped, falling through toward ask.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request, profile Profile) Decision {
	if req.ProfileID == "" {
		req.ProfileID = profile.ID
	}

	rules, err := e.store.ListRules(ctx, profile.ID)
	if err != nil {
		// Rule store unavailable: never guess allow. Fall back to the
		// interactive path so the human settles it.
		e.logger.Warn("rule store unavailable, falling back to prompt",
			"profile", profile.ID, "error", err)
		return Decision{
			Decision: VerdictAsk,
			Source:   SourceDefault,
			Reason:   "rule store unavailable",
		}
	}

	if matched := e.matchRule(rules, req); matched != nil {
		return Decision{
			Decision: matched.Decision,
			Source:   SourceRule,
			Reason:   fmt.Sprintf("rule %s/%s", matched.Tool, matched.ScopePrefix),
			RuleID:   matched.ID,
		}
	}

	return defaultDecision(req, profile.DefaultTrustLevel)
}

// matchRule returns the most specific rule applying to req, or nil.
func (e *Evaluator) matchRule(rules []Rule, req *Request) *Rule {
	var best *Rule
	for i := range rules {
		rule := &rules[i]
		if rule.Tool != req.Tool {
			continue
		}
		if rule.ScopePrefix != "" && !strings.HasPrefix(req.Scope, rule.ScopePrefix) {
			continue
		}
		if rule.Condition != "" {
			ok, err := e.conditions.Evaluate(rule.Condition, req.Attributes())
			if err != nil {
				e.logger.Warn("skipping rule with bad condition",
					"rule", rule.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		if best == nil || len(rule.ScopePrefix) > len(best.ScopePrefix) {
			best = rule
		}
	}
	return best
}

func defaultDecision(req *Request, level Level) Decision {
	switch level {
	case LevelDenyAll:
		return Decision{
			Decision: VerdictDeny,
			Source:   SourceDefault,
			Reason:   "profile trust level is deny-all",
		}
	case LevelAllowAndLog:
		return Decision{
			Decision: VerdictAllow,
			Source:   SourceDefault,
			Reason:   "profile trust level is allow-and-log",
		}
	case LevelAskOnce:
		// Remember hints the prompt to offer persisting the answer.
		return Decision{
			Decision: VerdictAsk,
			Source:   SourceDefault,
			Remember: true,
			Reason:   fmt.Sprintf("risk %d requires confirmation", req.ImpliedRisk()),
		}
	default: // LevelAskAlways and anything unrecognized
		return Decision{
			Decision: VerdictAsk,
			Source:   SourceDefault,
			Reason:   fmt.Sprintf("risk %d requires confirmation", req.ImpliedRisk()),
		}
	}
}
