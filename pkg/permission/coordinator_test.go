package permission

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhost/warden/pkg/audit"
	"github.com/wardenhost/warden/pkg/protocol"
	"github.com/wardenhost/warden/pkg/trust"
)

// captureBroadcaster records every broadcast envelope.
type captureBroadcaster struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (b *captureBroadcaster) Broadcast(env *protocol.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, env)
	return nil
}

func (b *captureBroadcaster) last() *protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return nil
	}
	return b.sent[len(b.sent)-1]
}

// memoryRules records upserts in memory.
type memoryRules struct {
	mu    sync.Mutex
	rules []trust.Rule
	err   error
}

func (s *memoryRules) ListRules(context.Context, string) ([]trust.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trust.Rule(nil), s.rules...), nil
}

func (s *memoryRules) AddRule(_ context.Context, r trust.Rule) error {
	return s.UpsertRule(context.Background(), r)
}

func (s *memoryRules) UpsertRule(_ context.Context, r trust.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rules = append(s.rules, r)
	return nil
}

func (s *memoryRules) Close() error { return nil }

type fixture struct {
	coordinator *Coordinator
	broadcaster *captureBroadcaster
	rules       *memoryRules
	auditLog    *audit.Log
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	broadcaster := &captureBroadcaster{}
	rules := &memoryRules{}
	log, err := audit.Open(t.TempDir())
	require.NoError(t, err)

	c := NewCoordinator(Config{
		Broadcaster: broadcaster,
		Rules:       rules,
		AuditFor:    func(string) *audit.Log { return log },
		Timeout:     timeout,
	})
	return &fixture{coordinator: c, broadcaster: broadcaster, rules: rules, auditLog: log}
}

func testRequest() *trust.Request {
	return &trust.Request{
		ID:        "task1-step1",
		Tool:      "fs.write",
		Scope:     "/a/b/c.txt",
		Reason:    "write the file",
		ProfileID: "p1",
	}
}

func respond(env *protocol.Envelope, payload protocol.PermissionResponsePayload) *protocol.Envelope {
	resp := protocol.New(protocol.TypePermissionResponse, protocol.SourceUI, payload)
	resp.CorrelationID = env.CorrelationID
	resp.ReplyTo = env.ID
	return resp
}

func TestIssueBroadcastsAndAudits(t *testing.T) {
	f := newFixture(t, time.Second)

	messageID := f.coordinator.Issue("corr-1", "task1", testRequest())
	require.NotEmpty(t, messageID)

	env := f.broadcaster.last()
	assert.Equal(t, protocol.TypePermissionRequest, env.Type)
	assert.Equal(t, messageID, env.ID, "wait is keyed by the broadcast message id")
	assert.Equal(t, "corr-1", env.CorrelationID)

	var payload protocol.PermissionRequestPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "task1-step1", payload.ID)
	assert.Equal(t, "fs.write", payload.Tool)
	assert.Equal(t, 2, payload.Risk, "irreversible implies risk 2")

	events, err := f.auditLog.Read()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventPermissionRequest, events[0].Type)
	assert.Equal(t, "task1-step1", events[0].RequestID)
}

func TestResponseByReplyToResolvesWait(t *testing.T) {
	f := newFixture(t, time.Minute)
	req := testRequest()

	f.coordinator.Issue("corr-1", "task1", req)
	env := f.broadcaster.last()

	done := make(chan trust.Decision, 1)
	go func() {
		d, err := f.coordinator.Waiter("corr-1")(context.Background(), req)
		require.NoError(t, err)
		done <- d
	}()

	// Let the waiter register before replying.
	require.Eventually(t, func() bool {
		return f.coordinator.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	f.coordinator.HandleResponse(respond(env, protocol.PermissionResponsePayload{
		RequestID: req.ID,
		Decision:  "allow",
	}))

	d := <-done
	assert.Equal(t, trust.VerdictAllow, d.Decision)
	assert.Equal(t, trust.SourcePrompt, d.Source)
	assert.Zero(t, f.coordinator.PendingCount())

	events, err := f.auditLog.Read()
	require.NoError(t, err)
	require.Len(t, events, 2, "issuance plus decision")
	assert.Equal(t, audit.EventPermissionDecision, events[1].Type)
	assert.Equal(t, "allow", events[1].Decision)
}

func TestResponseByRequestIDFallback(t *testing.T) {
	f := newFixture(t, time.Minute)
	req := testRequest()

	f.coordinator.Issue("corr-1", "task1", req)

	done := make(chan trust.Decision, 1)
	go func() {
		d, _ := f.coordinator.Waiter("corr-1")(context.Background(), req)
		done <- d
	}()
	require.Eventually(t, func() bool {
		return f.coordinator.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	// No replyTo: the (correlationId, requestId) pair identifies the wait.
	resp := protocol.New(protocol.TypePermissionResponse, protocol.SourceUI,
		protocol.PermissionResponsePayload{RequestID: req.ID, Decision: "deny"})
	resp.CorrelationID = "corr-1"
	f.coordinator.HandleResponse(resp)

	d := <-done
	assert.Equal(t, trust.VerdictDeny, d.Decision)
}

func TestDuplicateResponseIsDropped(t *testing.T) {
	f := newFixture(t, time.Minute)
	req := testRequest()

	f.coordinator.Issue("corr-1", "task1", req)
	env := f.broadcaster.last()

	done := make(chan trust.Decision, 1)
	go func() {
		d, _ := f.coordinator.Waiter("corr-1")(context.Background(), req)
		done <- d
	}()
	require.Eventually(t, func() bool {
		return f.coordinator.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	f.coordinator.HandleResponse(respond(env, protocol.PermissionResponsePayload{
		RequestID: req.ID, Decision: "allow"}))
	d := <-done
	assert.Equal(t, trust.VerdictAllow, d.Decision)

	// Second answer for the same wait: no panic, no extra audit decision.
	f.coordinator.HandleResponse(respond(env, protocol.PermissionResponsePayload{
		RequestID: req.ID, Decision: "deny"}))

	events, err := f.auditLog.Read()
	require.NoError(t, err)
	decisions := 0
	for _, e := range events {
		if e.Type == audit.EventPermissionDecision {
			decisions++
		}
	}
	assert.Equal(t, 1, decisions, "exactly one decision per request")
}

func TestUnknownResponseIsDropped(t *testing.T) {
	f := newFixture(t, time.Minute)

	resp := protocol.New(protocol.TypePermissionResponse, protocol.SourceUI,
		protocol.PermissionResponsePayload{RequestID: "nope", Decision: "allow"})
	resp.CorrelationID = "corr-x"
	f.coordinator.HandleResponse(resp)

	assert.Zero(t, f.coordinator.PendingCount())
	events, err := f.auditLog.Read()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTimeoutForcesDeny(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	req := testRequest()

	f.coordinator.Issue("corr-1", "task1", req)

	d, err := f.coordinator.Waiter("corr-1")(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, trust.VerdictDeny, d.Decision)
	assert.Equal(t, trust.SourceDefault, d.Source)
	assert.Zero(t, f.coordinator.PendingCount())

	events, err := f.auditLog.Read()
	require.NoError(t, err)
	timeouts := 0
	for _, e := range events {
		if e.Type == audit.EventPermissionTimeout {
			timeouts++
			assert.Equal(t, "task1-step1", e.RequestID)
			assert.Equal(t, string(trust.VerdictDeny), e.Decision)
		}
	}
	assert.Equal(t, 1, timeouts)
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	req := testRequest()

	f.coordinator.Issue("corr-1", "task1", req)
	env := f.broadcaster.last()

	d, err := f.coordinator.Waiter("corr-1")(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, trust.VerdictDeny, d.Decision)

	f.coordinator.HandleResponse(respond(env, protocol.PermissionResponsePayload{
		RequestID: req.ID, Decision: "allow"}))

	f.rules.mu.Lock()
	defer f.rules.mu.Unlock()
	assert.Empty(t, f.rules.rules, "late allow must not create rules")
}

func TestContextCancelAbandonsWait(t *testing.T) {
	f := newFixture(t, time.Minute)
	req := testRequest()

	f.coordinator.Issue("corr-1", "task1", req)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Waiter("corr-1")(ctx, req)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return f.coordinator.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.coordinator.PendingCount())
}

func TestRememberedAllowPersistsRule(t *testing.T) {
	f := newFixture(t, time.Minute)
	req := testRequest()

	f.coordinator.Issue("corr-1", "task1", req)
	env := f.broadcaster.last()

	done := make(chan trust.Decision, 1)
	go func() {
		d, _ := f.coordinator.Waiter("corr-1")(context.Background(), req)
		done <- d
	}()
	require.Eventually(t, func() bool {
		return f.coordinator.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	f.coordinator.HandleResponse(respond(env, protocol.PermissionResponsePayload{
		RequestID: req.ID, Decision: "allow", Remember: true}))
	<-done

	f.rules.mu.Lock()
	defer f.rules.mu.Unlock()
	require.Len(t, f.rules.rules, 1)
	rule := f.rules.rules[0]
	assert.Equal(t, "p1", rule.ProfileID)
	assert.Equal(t, "fs.write", rule.Tool)
	assert.Equal(t, "/a/b/", rule.ScopePrefix, "prefix derived from the decided scope")
	assert.Equal(t, trust.VerdictAllow, rule.Decision)
}

func TestRememberFailureDoesNotBlockDecision(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.rules.err = assert.AnError
	req := testRequest()

	f.coordinator.Issue("corr-1", "task1", req)
	env := f.broadcaster.last()

	done := make(chan trust.Decision, 1)
	go func() {
		d, _ := f.coordinator.Waiter("corr-1")(context.Background(), req)
		done <- d
	}()
	require.Eventually(t, func() bool {
		return f.coordinator.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	f.coordinator.HandleResponse(respond(env, protocol.PermissionResponsePayload{
		RequestID: req.ID, Decision: "allow", Remember: true}))

	d := <-done
	assert.Equal(t, trust.VerdictAllow, d.Decision, "decision stands even when the rule write fails")
}

func TestRecordDecisionAudits(t *testing.T) {
	f := newFixture(t, time.Minute)
	req := testRequest()

	f.coordinator.RecordDecision("corr-1", req, trust.Decision{
		Decision: trust.VerdictAllow,
		Source:   trust.SourceRule,
		RuleID:   "r1",
	})

	events, err := f.auditLog.Read()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventPermissionDecision, events[0].Type)
	assert.Equal(t, string(trust.SourceRule), events[0].Source)
}
