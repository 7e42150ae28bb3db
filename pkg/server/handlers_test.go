package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhost/warden/pkg/agent"
	"github.com/wardenhost/warden/pkg/llm"
	"github.com/wardenhost/warden/pkg/permission"
	"github.com/wardenhost/warden/pkg/profile"
	"github.com/wardenhost/warden/pkg/protocol"
	"github.com/wardenhost/warden/pkg/task"
	"github.com/wardenhost/warden/pkg/trust"
)

type echoPlanner struct{}

func (echoPlanner) Plan(_ context.Context, t task.Task) ([]agent.Step, error) {
	return []agent.Step{{
		ID:         "s1",
		Tool:       "echo",
		Scope:      "/work/" + t.TaskID,
		Reason:     "echo the input",
		Reversible: true,
		Args:       map[string]any{"input": t.Input},
	}}, nil
}

type echoTool struct{}

func (echoTool) Name() string { return "echo" }

func (echoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	input, _ := args["input"].(string)
	return "echo: " + input, nil
}

type memRules struct {
	mu    sync.Mutex
	rules []trust.Rule
}

func (s *memRules) ListRules(context.Context, string) ([]trust.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trust.Rule(nil), s.rules...), nil
}

func (s *memRules) AddRule(ctx context.Context, r trust.Rule) error { return s.UpsertRule(ctx, r) }

func (s *memRules) UpsertRule(_ context.Context, r trust.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
	return nil
}

func (s *memRules) Close() error { return nil }

type chatProvider struct {
	reply string
	cloud bool
}

func (p *chatProvider) Name() string { return "test:model" }
func (p *chatProvider) Cloud() bool  { return p.cloud }
func (p *chatProvider) Chat(context.Context, []llm.Message) (string, error) {
	return p.reply, nil
}
func (p *chatProvider) Healthy(context.Context) error { return nil }

type coreFixture struct {
	core   *Core
	router *Router
	hub    *Hub
	conn   *memConn
	rules  *memRules
}

func newCoreFixture(t *testing.T, level trust.Level, providers []llm.Provider) *coreFixture {
	t.Helper()

	hub := NewHub(nil)
	conn := &memConn{}
	hub.Register(conn)

	rules := &memRules{}
	evaluator, err := trust.NewEvaluator(rules, nil)
	require.NoError(t, err)

	profiles := profile.NewService(t.TempDir())
	require.NoError(t, profiles.Save(profile.Settings{
		ID:                DefaultProfileID,
		Name:              "default",
		DefaultTrustLevel: level,
	}))

	permissions := permission.NewCoordinator(permission.Config{
		Broadcaster: hub,
		Rules:       rules,
		AuditFor:    profiles.AuditLog,
		Timeout:     200 * time.Millisecond,
	})

	router := NewRouter(RouterConfig{Hub: hub})
	core := NewCore(CoreConfig{
		Hub:         hub,
		RPC:         NewRPC(hub, time.Second, nil),
		Tasks:       task.NewCoordinator(nil),
		Permissions: permissions,
		Profiles:    profiles,
		Evaluator:   evaluator,
		Gate:        llm.NewGate(evaluator, nil),
		Providers:   providers,
		Planner:     echoPlanner{},
		Tools:       []agent.Tool{echoTool{}},
	}, router)

	return &coreFixture{core: core, router: router, hub: hub, conn: conn, rules: rules}
}

func (f *coreFixture) dispatch(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	f.router.Dispatch(context.Background(), nil, frameFor(t, env))
}

// awaitType waits until a broadcast of the given type arrives and returns it.
func (f *coreFixture) awaitType(t *testing.T, msgType string) *protocol.Envelope {
	t.Helper()
	var found *protocol.Envelope
	require.Eventually(t, func() bool {
		for _, env := range f.conn.envelopes(t) {
			if env.Type == msgType {
				found = env
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s broadcast", msgType)
	return found
}

func TestTaskRequestRunsToResult(t *testing.T) {
	f := newCoreFixture(t, trust.LevelAllowAndLog, nil)

	req := protocol.New(protocol.TypeTaskRequest, protocol.SourceUI,
		protocol.TaskRequestPayload{TaskID: "t1", Input: "hello"}).
		WithCorrelation("corr-1")
	f.dispatch(t, req)

	result := f.awaitType(t, protocol.TypeTaskResult)
	assert.Equal(t, "corr-1", result.CorrelationID)

	var payload protocol.TaskResultPayload
	require.NoError(t, json.Unmarshal(result.Payload, &payload))
	assert.Equal(t, "t1", payload.TaskID)
	assert.Equal(t, "echo: hello", payload.Output)

	// The full lifecycle was broadcast in order.
	types := []string{}
	for _, env := range f.conn.envelopes(t) {
		types = append(types, env.Type)
	}
	assert.Contains(t, types, protocol.TypeTaskPlan)
	assert.Contains(t, types, protocol.TypeTaskStep)
	f.core.Wait()
}

func TestTaskRequestWhileBusyGetsBusyError(t *testing.T) {
	f := newCoreFixture(t, trust.LevelAskAlways, nil)

	// First task suspends on its permission prompt, holding the slot.
	first := protocol.New(protocol.TypeTaskRequest, protocol.SourceUI,
		protocol.TaskRequestPayload{TaskID: "t1", Input: "x"}).
		WithCorrelation("corr-1")
	f.dispatch(t, first)
	f.awaitType(t, protocol.TypePermissionRequest)

	second := protocol.New(protocol.TypeTaskRequest, protocol.SourceUI,
		protocol.TaskRequestPayload{TaskID: "t2", Input: "y"}).
		WithCorrelation("corr-2")
	f.dispatch(t, second)

	errEnv := f.awaitType(t, protocol.TypeTaskError)
	assert.Equal(t, second.ID, errEnv.ReplyTo)

	var payload protocol.TaskErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &payload))
	assert.Equal(t, protocol.ErrCodeBusy, payload.Code)
	assert.Equal(t, "t2", payload.TaskID)
	f.core.Wait()
}

func TestPermissionFlowEndToEnd(t *testing.T) {
	f := newCoreFixture(t, trust.LevelAskAlways, nil)

	req := protocol.New(protocol.TypeTaskRequest, protocol.SourceUI,
		protocol.TaskRequestPayload{TaskID: "t1", Input: "hello"}).
		WithCorrelation("corr-1")
	f.dispatch(t, req)

	prompt := f.awaitType(t, protocol.TypePermissionRequest)
	var promptPayload protocol.PermissionRequestPayload
	require.NoError(t, json.Unmarshal(prompt.Payload, &promptPayload))
	assert.Equal(t, "echo", promptPayload.Tool)

	// Answer allow-and-remember the way a UI would: replyTo the prompt.
	response := protocol.New(protocol.TypePermissionResponse, protocol.SourceUI,
		protocol.PermissionResponsePayload{
			RequestID: promptPayload.ID,
			Decision:  "allow",
			Remember:  true,
		})
	response.CorrelationID = prompt.CorrelationID
	response.ReplyTo = prompt.ID
	f.dispatch(t, response)

	result := f.awaitType(t, protocol.TypeTaskResult)
	var resultPayload protocol.TaskResultPayload
	require.NoError(t, json.Unmarshal(result.Payload, &resultPayload))
	assert.Equal(t, "echo: hello", resultPayload.Output)

	f.rules.mu.Lock()
	defer f.rules.mu.Unlock()
	require.Len(t, f.rules.rules, 1, "remembered decision persisted as a rule")
	assert.Equal(t, "echo", f.rules.rules[0].Tool)
	assert.Equal(t, "/work/", f.rules.rules[0].ScopePrefix)
	f.core.Wait()
}

func TestPermissionTimeoutFailsTask(t *testing.T) {
	f := newCoreFixture(t, trust.LevelAskAlways, nil)

	req := protocol.New(protocol.TypeTaskRequest, protocol.SourceUI,
		protocol.TaskRequestPayload{TaskID: "t1", Input: "hello"}).
		WithCorrelation("corr-1")
	f.dispatch(t, req)
	f.awaitType(t, protocol.TypePermissionRequest)

	// Nobody answers; the 200ms fixture timeout forces deny.
	errEnv := f.awaitType(t, protocol.TypeTaskError)
	var payload protocol.TaskErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &payload))
	assert.Equal(t, "permission_denied", payload.Code)
	f.core.Wait()
}

func TestTaskStopAcknowledged(t *testing.T) {
	f := newCoreFixture(t, trust.LevelAskAlways, nil)

	stop := protocol.New(protocol.TypeTaskStop, protocol.SourceUI, protocol.TaskStopPayload{}).
		WithCorrelation("corr-none")
	f.dispatch(t, stop)

	ack := f.awaitType(t, protocol.TypeSystemEvent)
	var payload protocol.SystemEventPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))
	assert.Equal(t, "task.stopRequested", payload.Event)
	assert.Equal(t, false, payload.Detail["stopped"], "nothing was running")
}

func TestChatRequestRoundTrip(t *testing.T) {
	f := newCoreFixture(t, trust.LevelAllowAndLog, []llm.Provider{&chatProvider{reply: "hi there"}})

	req := protocol.New(protocol.TypeChatRequest, protocol.SourceUI,
		protocol.ChatRequestPayload{Message: "hello"}).
		WithCorrelation("chat-1")
	f.dispatch(t, req)

	resp := f.awaitType(t, protocol.TypeChatResponse)
	assert.Equal(t, req.ID, resp.ReplyTo)

	var payload protocol.ChatResponsePayload
	require.NoError(t, json.Unmarshal(resp.Payload, &payload))
	assert.Equal(t, "hi there", payload.Message)
	assert.Equal(t, "test:model", payload.Provider)
	f.core.Wait()
}

func TestChatRequestCloudDenied(t *testing.T) {
	f := newCoreFixture(t, trust.LevelDenyAll,
		[]llm.Provider{&chatProvider{reply: "hi", cloud: true}})

	req := protocol.New(protocol.TypeChatRequest, protocol.SourceUI,
		protocol.ChatRequestPayload{Message: "hello"}).
		WithCorrelation("chat-1")
	f.dispatch(t, req)

	errEnv := f.awaitType(t, protocol.TypeChatError)
	var payload protocol.ChatErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &payload))
	assert.Equal(t, "denied", payload.Code)
	f.core.Wait()
}

func TestHealthCheckReply(t *testing.T) {
	f := newCoreFixture(t, trust.LevelAskAlways, []llm.Provider{&chatProvider{reply: "x"}})

	req := protocol.New(protocol.TypeLLMHealthCheck, protocol.SourceUI,
		protocol.LLMHealthCheckPayload{})
	f.dispatch(t, req)

	reply := f.awaitType(t, protocol.TypeSystemEvent)
	var payload protocol.SystemEventPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &payload))
	assert.Equal(t, "llm.health", payload.Event)
	providers, ok := payload.Detail["providers"].([]any)
	require.True(t, ok)
	require.Len(t, providers, 1)
}
