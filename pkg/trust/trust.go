// Package trust decides whether the agent may perform a sensitive action.
//
// A profile carries a default trust level and a durable set of rules keyed
// by (tool, scope prefix). The evaluator returns allow or deny when a rule
// or the profile default settles the question, and ask when the caller must
// fall back to an interactive permission prompt.
package trust

import "strings"

// Verdict is the outcome of a trust evaluation or a human decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictAsk   Verdict = "ask"
)

// DecisionSource records what produced a decision.
type DecisionSource string

const (
	SourceRule    DecisionSource = "rule"    // a stored trust rule matched
	SourcePrompt  DecisionSource = "prompt"  // a human answered interactively
	SourceDefault DecisionSource = "default" // the profile's trust level applied
)

// Level is a profile-wide default disposition applied when no rule matches.
type Level int

const (
	LevelDenyAll     Level = 0 // deny everything not explicitly allowed
	LevelAskAlways   Level = 1 // prompt for every sensitive action
	LevelAskOnce     Level = 2 // prompt once, offer to remember
	LevelAllowAndLog Level = 3 // allow silently, audit everything
)

func (l Level) String() string {
	switch l {
	case LevelDenyAll:
		return "deny-all"
	case LevelAskAlways:
		return "ask-every-time"
	case LevelAskOnce:
		return "ask-once-then-remember"
	case LevelAllowAndLog:
		return "allow-and-log"
	default:
		return "unknown"
	}
}

// Valid reports whether l is a defined trust level.
func (l Level) Valid() bool {
	return l >= LevelDenyAll && l <= LevelAllowAndLog
}

// CloudTool is the synthetic tool name gating cloud LLM usage, so the same
// evaluator path covers it identically to file and tool access.
const CloudTool = "llm.cloud"

// Request describes a sensitive action awaiting authorization.
// Immutable once issued.
type Request struct {
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

// ImpliedRisk returns the request's risk on a 0-3 scale. An explicit risk
// wins; otherwise irreversibility and cloud egress raise the floor.
func (r *Request) ImpliedRisk() int {
	if r.Risk > 0 {
		return r.Risk
	}
	risk := 1
	if !r.Reversible {
		risk = 2
	}
	if r.Cloud && risk < 2 {
		risk = 2
	}
	return risk
}

// Attributes exposes the request to rule condition expressions.
func (r *Request) Attributes() map[string]any {
	return map[string]any{
		"tool":       r.Tool,
		"action":     r.Action,
		"scope":      r.Scope,
		"risk":       r.ImpliedRisk(),
		"reversible": r.Reversible,
		"cloud":      r.Cloud,
	}
}

// Decision is the resolved disposition for a request.
type Decision struct {
	Decision Verdict        `json:"decision"`
	Source   DecisionSource `json:"source"`
	Reason   string         `json:"reason,omitempty"`
	Remember bool           `json:"remember,omitempty"`
	RuleID   string         `json:"ruleId,omitempty"`
}

// ScopePrefix derives the rule prefix remembered for a scope: everything up
// to and including the last path separator. A scope with no separator keeps
// the whole string as its prefix; only an empty scope yields an unscoped
// rule for the tool.
func ScopePrefix(scope string) string {
	if scope == "" {
		return ""
	}
	if idx := strings.LastIndex(scope, "/"); idx >= 0 {
		return scope[:idx+1]
	}
	return scope
}
