// Package llm defines the provider abstraction the host consumes and the
// gate that puts cloud providers behind the same trust evaluation as tools.
//
// Concrete provider adapters (OpenAI-compatible, local runtimes) live
// outside the core; the core sees only this interface.
package llm

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserDenied means the profile or the user refused cloud usage.
	ErrUserDenied = errors.New("cloud LLM use denied")
	// ErrProviderUnreachable means the provider could not be reached.
	ErrProviderUnreachable = errors.New("LLM provider unreachable")
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a chat-capable LLM backend.
type Provider interface {
	// Name identifies the provider in health reports and errors.
	Name() string
	// Cloud reports whether calls leave the local machine.
	Cloud() bool
	// Chat runs a single exchange.
	Chat(ctx context.Context, messages []Message) (string, error)
	// Healthy probes the provider; a nil error means reachable.
	Healthy(ctx context.Context) error
}

// ProviderHealth is one provider's probe result.
type ProviderHealth struct {
	Name    string `json:"name"`
	Cloud   bool   `json:"cloud"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Millis  int64  `json:"millis"`
}

// healthProbeTimeout bounds each individual provider probe.
const healthProbeTimeout = 3 * time.Second

// CheckHealth probes each provider with an individual timeout. Probes run
// sequentially; a local host has a handful of providers at most.
func CheckHealth(ctx context.Context, providers []Provider, only []string) []ProviderHealth {
	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[name] = true
	}

	var results []ProviderHealth
	for _, p := range providers {
		if len(wanted) > 0 && !wanted[p.Name()] {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		start := time.Now()
		err := p.Healthy(probeCtx)
		cancel()

		health := ProviderHealth{
			Name:    p.Name(),
			Cloud:   p.Cloud(),
			Healthy: err == nil,
			Millis:  time.Since(start).Milliseconds(),
		}
		if err != nil {
			health.Error = err.Error()
		}
		results = append(results, health)
	}
	return results
}
