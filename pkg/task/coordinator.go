// Package task enforces the at-most-one-task invariant and provides
// cooperative cancellation for agent runs.
//
// Cancellation is cooperative only: the run function must poll its token
// between steps. There is no hard task timeout; a run ends when it settles
// or when it observes a stop request.
package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusy is returned when Start is called while a task is running.
var ErrBusy = errors.New("a task is already running")

// Task is a runtime task accepted from a task.request. It is owned
// exclusively by the coordinator for its lifetime.
type Task struct {
	TaskID        string
	CorrelationID string
	ProfileID     string
	Input         string
	Attachments   []string
}

// RunFunc executes a task. It must poll token.Cancelled() between steps.
type RunFunc func(ctx context.Context, token *Token) error

// Coordinator holds the single task slot. Construct one per server lifetime
// and pass it by reference; tests construct isolated instances.
type Coordinator struct {
	mu            sync.Mutex
	current       *Task
	stopRequested bool
	logger        *slog.Logger
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger.With("component", "task")}
}

// Start claims the task slot and invokes run synchronously. It returns
// ErrBusy without side effects when a task is already running. The slot is
// cleared when run settles, but only if it still refers to this exact
// correlation id — a guard against a new task having started while a stale
// reference was being cleaned up.
func (c *Coordinator) Start(ctx context.Context, t Task, run RunFunc) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	claimed := t
	c.current = &claimed
	c.stopRequested = false
	c.mu.Unlock()

	c.logger.Info("task started",
		"task", t.TaskID, "correlation", t.CorrelationID, "profile", t.ProfileID)

	token := &Token{coordinator: c, correlationID: t.CorrelationID}

	defer func() {
		c.mu.Lock()
		if c.current != nil && c.current.CorrelationID == t.CorrelationID {
			c.current = nil
			c.stopRequested = false
		}
		c.mu.Unlock()
	}()

	err := run(ctx, token)
	if err != nil {
		c.logger.Warn("task settled with error", "task", t.TaskID, "error", err)
	} else {
		c.logger.Info("task completed", "task", t.TaskID)
	}
	return err
}

// RequestStop flags the running task for cooperative cancellation.
// It returns false when no task is running or when correlationID is
// non-empty and does not match the running task.
func (c *Coordinator) RequestStop(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return false
	}
	if correlationID != "" && correlationID != c.current.CorrelationID {
		return false
	}
	c.stopRequested = true
	return true
}

// IsRunning reports whether a task currently occupies the slot.
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Current returns a copy of the running task, if any.
func (c *Coordinator) Current() (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Task{}, false
	}
	return *c.current, true
}

// Token is the cancellation handle passed down the run's call chain.
type Token struct {
	coordinator   *Coordinator
	correlationID string
}

// Cancelled reports whether the run should stop: no task is running, the
// running task's correlation differs from this token's, or a stop was
// requested for it.
func (t *Token) Cancelled() bool {
	c := t.coordinator
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return true
	}
	if c.current.CorrelationID != t.correlationID {
		return true
	}
	return c.stopRequested
}

// CorrelationID returns the correlation this token belongs to.
func (t *Token) CorrelationID() string {
	return t.correlationID
}
