package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wardenhost/warden/pkg/agent"
	"github.com/wardenhost/warden/pkg/llm"
	"github.com/wardenhost/warden/pkg/observability"
	"github.com/wardenhost/warden/pkg/permission"
	"github.com/wardenhost/warden/pkg/profile"
	"github.com/wardenhost/warden/pkg/protocol"
	"github.com/wardenhost/warden/pkg/task"
	"github.com/wardenhost/warden/pkg/trust"
)

// DefaultProfileID is used when an inbound message names no profile.
const DefaultProfileID = "default"

// Core binds the transport to the runtime: the task slot, the permission
// coordinator, the trust evaluator, and the LLM gate.
type Core struct {
	hub         *Hub
	rpc         *RPC
	tasks       *task.Coordinator
	permissions *permission.Coordinator
	profiles    *profile.Service
	evaluator   *trust.Evaluator
	gate        *llm.Gate
	providers   []llm.Provider
	planner     agent.Planner
	tools       []agent.Tool
	obs         *observability.Provider
	logger      *slog.Logger

	// wg tracks handler goroutines so shutdown can wait for them.
	wg sync.WaitGroup
}

// CoreConfig assembles the handler core.
type CoreConfig struct {
	Hub         *Hub
	RPC         *RPC
	Tasks       *task.Coordinator
	Permissions *permission.Coordinator
	Profiles    *profile.Service
	Evaluator   *trust.Evaluator
	Gate        *llm.Gate
	Providers   []llm.Provider
	Planner     agent.Planner
	Tools       []agent.Tool
	Obs         *observability.Provider
	Logger      *slog.Logger
}

// NewCore creates the core and registers its handlers on the router.
func NewCore(cfg CoreConfig, router *Router) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{
		hub:         cfg.Hub,
		rpc:         cfg.RPC,
		tasks:       cfg.Tasks,
		permissions: cfg.Permissions,
		profiles:    cfg.Profiles,
		evaluator:   cfg.Evaluator,
		gate:        cfg.Gate,
		providers:   cfg.Providers,
		planner:     cfg.Planner,
		tools:       cfg.Tools,
		obs:         cfg.Obs,
		logger:      logger.With("component", "core"),
	}

	router.Handle(protocol.TypeTaskRequest, c.handleTaskRequest)
	router.Handle(protocol.TypeTaskStop, c.handleTaskStop)
	router.Handle(protocol.TypePermissionResponse, c.handlePermissionResponse)
	router.Handle(protocol.TypeChatRequest, c.handleChatRequest)
	router.Handle(protocol.TypeLLMHealthCheck, c.handleHealthCheck)
	router.Handle(protocol.TypeSystemEvent, c.handleSystemEvent)
	return c
}

// Wait blocks until all in-flight handler goroutines settle.
func (c *Core) Wait() {
	c.wg.Wait()
}

// handleTaskRequest starts a run in its own goroutine so the connection's
// read loop stays free to deliver permission responses and stop requests
// while the task is in flight.
func (c *Core) handleTaskRequest(ctx context.Context, env *protocol.Envelope) error {
	var payload protocol.TaskRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Errorf(protocol.ErrCodeBadPayload, "decode task request: %v", err)
	}

	profileID := env.ProfileID
	if profileID == "" {
		profileID = DefaultProfileID
	}
	settings, err := c.profiles.Load(profileID)
	if err != nil {
		return Errorf(protocol.ErrCodeInternal, "load profile %s: %v", profileID, err)
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	t := task.Task{
		TaskID:        payload.TaskID,
		CorrelationID: correlationID,
		ProfileID:     profileID,
		Input:         payload.Input,
		Attachments:   payload.Attachments,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTask(context.WithoutCancel(ctx), env, t, settings)
	}()
	return nil
}

func (c *Core) runTask(ctx context.Context, env *protocol.Envelope, t task.Task, settings profile.Settings) {
	err := c.tasks.Start(ctx, t, func(ctx context.Context, token *task.Token) error {
		if c.obs != nil {
			spanCtx, span := c.obs.StartSpan(ctx, "task.run",
				attribute.String("task.id", t.TaskID),
				attribute.String("profile.id", t.ProfileID))
			defer span.End()
			ctx = spanCtx
		}

		emit := c.permissions.EventAdapter(t.CorrelationID, t.ProfileID, t.TaskID)
		emit = c.teeTranscript(t, emit)

		ask := c.permissions.Waiter(t.CorrelationID)
		if c.obs != nil {
			inner := ask
			ask = func(ctx context.Context, req *trust.Request) (trust.Decision, error) {
				spanCtx, span := c.obs.StartSpan(ctx, "permission.wait",
					attribute.String("request.id", req.ID),
					attribute.String("request.tool", req.Tool))
				defer span.End()
				return inner(spanCtx, req)
			}
		}

		orch := agent.New(agent.Config{
			Planner:   c.planner,
			Tools:     c.tools,
			Evaluator: c.evaluator,
			Profile:   settings.TrustProfile(),
			Ask:       ask,
			Record: func(req *trust.Request, d trust.Decision) {
				c.permissions.RecordDecision(t.CorrelationID, req, d)
			},
			Logger: c.logger,
		})

		output, err := orch.Run(ctx, t, token, emit)
		if err != nil {
			emit(agent.ErrorEvent{
				TaskID:  t.TaskID,
				Code:    taskErrorCode(err),
				Message: err.Error(),
			})
			return err
		}
		emit(agent.ResultEvent{TaskID: t.TaskID, Output: output})
		return nil
	})

	if errors.Is(err, task.ErrBusy) {
		running, _ := c.tasks.Current()
		c.logger.Info("rejecting task while busy",
			"task", t.TaskID, "running", running.TaskID)
		reply := protocol.Reply(env, protocol.TypeTaskError, protocol.SourceSystem,
			protocol.TaskErrorPayload{
				TaskID:  t.TaskID,
				Code:    protocol.ErrCodeBusy,
				Message: "a task is already running",
			})
		_ = c.hub.Broadcast(reply)
	}
}

// taskErrorCode maps a run error to its wire code.
func taskErrorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrCancelled):
		return "cancelled"
	case errors.Is(err, agent.ErrPermissionDenied):
		return "permission_denied"
	default:
		return protocol.ErrCodeInternal
	}
}

// teeTranscript wraps emit so every lifecycle event also lands in the
// task's transcript. Transcript failures are logged and swallowed.
func (c *Core) teeTranscript(t task.Task, emit agent.EmitFunc) agent.EmitFunc {
	memoryDir, err := c.profiles.MemoryDir(t.ProfileID)
	if err != nil {
		c.logger.Warn("transcript disabled", "task", t.TaskID, "error", err)
		return emit
	}
	transcript, err := task.NewTranscript(memoryDir, t)
	if err != nil {
		c.logger.Warn("transcript disabled", "task", t.TaskID, "error", err)
		return emit
	}

	return func(event agent.Event) {
		emit(event)
		kind, payload := transcriptEntry(event)
		if err := transcript.Append(kind, payload); err != nil {
			c.logger.Warn("transcript append failed", "task", t.TaskID, "error", err)
		}
		switch event.(type) {
		case agent.ResultEvent, agent.ErrorEvent:
			_ = transcript.Close()
		}
	}
}

// transcriptEntry maps a lifecycle event to its transcript line. The switch
// mirrors the closed agent.Event set.
func transcriptEntry(event agent.Event) (string, any) {
	switch e := event.(type) {
	case agent.PlanEvent:
		return "plan", e
	case agent.StepStartedEvent:
		return "step.started", e
	case agent.StepCompletedEvent:
		return "step.completed", e
	case agent.StepFailedEvent:
		return "step.failed", e
	case agent.PermissionRequestedEvent:
		return "permission.requested", e.Request
	case agent.ResultEvent:
		return "result", e
	case agent.ErrorEvent:
		return "error", e
	default:
		return "event", event
	}
}

func (c *Core) handleTaskStop(_ context.Context, env *protocol.Envelope) error {
	var payload protocol.TaskStopPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Errorf(protocol.ErrCodeBadPayload, "decode task stop: %v", err)
	}

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = env.CorrelationID
	}

	stopped := c.tasks.RequestStop(correlationID)
	if !stopped {
		c.logger.Info("stop request matched no running task",
			"correlation", correlationID)
	}
	ack := protocol.Reply(env, protocol.TypeSystemEvent, protocol.SourceSystem,
		protocol.SystemEventPayload{
			Event:  "task.stopRequested",
			Detail: map[string]any{"stopped": stopped},
		})
	_ = c.hub.Broadcast(ack)
	return nil
}

func (c *Core) handlePermissionResponse(_ context.Context, env *protocol.Envelope) error {
	c.permissions.HandleResponse(env)
	return nil
}

// handleChatRequest runs a single chat turn. Like task requests it runs in
// its own goroutine: a cloud chat may suspend on the permission flow.
func (c *Core) handleChatRequest(ctx context.Context, env *protocol.Envelope) error {
	var payload protocol.ChatRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Errorf(protocol.ErrCodeBadPayload, "decode chat request: %v", err)
	}
	if len(c.providers) == 0 {
		return Errorf("no_provider", "no LLM provider configured")
	}
	provider := c.providers[0]

	profileID := env.ProfileID
	if profileID == "" {
		profileID = DefaultProfileID
	}
	settings, err := c.profiles.Load(profileID)
	if err != nil {
		return Errorf(protocol.ErrCodeInternal, "load profile %s: %v", profileID, err)
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = env.ID
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		bg := context.WithoutCancel(ctx)

		reply, err := c.gate.Chat(bg, provider, settings.TrustProfile(),
			[]llm.Message{{Role: "user", Content: payload.Message}},
			func(req *trust.Request) {
				c.permissions.Issue(correlationID, "", req)
			},
			c.permissions.Waiter(correlationID),
		)
		if err != nil {
			code := "provider_unreachable"
			if llm.IsUserDenied(err) {
				code = "denied"
			}
			env := protocol.Reply(env, protocol.TypeChatError, protocol.SourceSystem,
				protocol.ChatErrorPayload{Code: code, Message: err.Error()})
			_ = c.hub.Broadcast(env)
			return
		}
		env := protocol.Reply(env, protocol.TypeChatResponse, protocol.SourceAgent,
			protocol.ChatResponsePayload{Message: reply, Provider: provider.Name()})
		_ = c.hub.Broadcast(env)
	}()
	return nil
}

func (c *Core) handleHealthCheck(ctx context.Context, env *protocol.Envelope) error {
	var payload protocol.LLMHealthCheckPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Errorf(protocol.ErrCodeBadPayload, "decode health check: %v", err)
	}

	results := llm.CheckHealth(ctx, c.providers, payload.Providers)
	detail := make([]any, len(results))
	for i, r := range results {
		detail[i] = r
	}
	reply := protocol.Reply(env, protocol.TypeSystemEvent, protocol.SourceSystem,
		protocol.SystemEventPayload{
			Event:  "llm.health",
			Detail: map[string]any{"providers": detail},
		})
	_ = c.hub.Broadcast(reply)
	return nil
}

// handleSystemEvent feeds client replies to any pending host-initiated
// exchange; everything else is informational and logged.
func (c *Core) handleSystemEvent(_ context.Context, env *protocol.Envelope) error {
	if c.rpc != nil && c.rpc.Resolve(env) {
		return nil
	}
	var payload protocol.SystemEventPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Errorf(protocol.ErrCodeBadPayload, "decode system event: %v", err)
	}
	c.logger.Info("client system event", "event", payload.Event, "message", payload.Message)
	return nil
}
