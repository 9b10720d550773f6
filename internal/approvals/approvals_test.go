package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strandcrm/strand/internal/store"
	"github.com/strandcrm/strand/internal/tools"
	"github.com/strandcrm/strand/pkg/models"
)

type recordedResume struct {
	ConvID  string
	AgentID string
	Result  string
}

// fakeResumer records resume calls instead of running the model loop.
type fakeResumer struct {
	mu      sync.Mutex
	resumes []recordedResume
}

func (f *fakeResumer) ResumeAfterApproval(_ context.Context, conv *models.Conversation, agent *models.Agent, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, recordedResume{ConvID: conv.ID, AgentID: agent.ID, Result: result})
	return nil
}

func (f *fakeResumer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resumes)
}

func (f *fakeResumer) last() recordedResume {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumes[len(f.resumes)-1]
}

type fixture struct {
	handler *Handler
	store   *store.MemoryStore
	resumer *fakeResumer
	conv    *models.Conversation
	agent   *models.Agent
	calls   *int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	calls := 0
	reg := tools.NewRegistry()
	if err := reg.Register(&tools.Tool{
		Key:         "cancel_order",
		Name:        "cancel_order",
		Description: "Cancels an order.",
		Destructive: true,
		Handler: func(_ context.Context, _ models.OrgContext, args map[string]any) (string, error) {
			calls++
			id, _ := args["order_id"].(string)
			if id == "missing" {
				return "", errors.New("order not found")
			}
			return "Cancelled order " + id + ".", nil
		},
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	agent := &models.Agent{OrgID: "org-1", Name: "Ava", Provider: "anthropic", ToolKeys: []string{"cancel_order"}}
	if err := st.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	conv := &models.Conversation{OrgID: "org-1", AgentID: agent.ID}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	resumer := &fakeResumer{}
	handler, err := NewHandler(Config{Store: st, Tools: reg, Engine: resumer})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	return &fixture{handler: handler, store: st, resumer: resumer, conv: conv, agent: agent, calls: &calls}
}

func (f *fixture) pendingAction(t *testing.T, input string) *models.ActionLog {
	t.Helper()
	log := &models.ActionLog{
		OrgID:          "org-1",
		ConversationID: f.conv.ID,
		AgentID:        f.agent.ID,
		ToolCallID:     "call_1",
		ToolKey:        "cancel_order",
		Input:          json.RawMessage(input),
		Status:         models.ActionPendingApproval,
	}
	if err := f.store.CreateActionLog(context.Background(), log); err != nil {
		t.Fatalf("CreateActionLog: %v", err)
	}
	return log
}

func (f *fixture) reload(t *testing.T, id string) *models.ActionLog {
	t.Helper()
	log, err := f.store.GetActionLog(context.Background(), "org-1", id)
	if err != nil {
		t.Fatalf("GetActionLog: %v", err)
	}
	return log
}

func (f *fixture) messages(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), "org-1", f.conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return msgs
}

func TestApproveExecutesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	pending := f.pendingAction(t, `{"order_id":"ord-1"}`)

	if err := f.handler.Approve(context.Background(), "org-1", pending.ID, "user-9"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if *f.calls != 1 {
		t.Fatalf("tool must run exactly once, ran %d times", *f.calls)
	}

	log := f.reload(t, pending.ID)
	if log.Status != models.ActionSuccess {
		t.Errorf("expected success status, got %s", log.Status)
	}
	if log.DecidedBy != "user-9" {
		t.Errorf("DecidedBy not recorded: %q", log.DecidedBy)
	}
	if !strings.Contains(log.Output, "ord-1") {
		t.Errorf("output not recorded: %q", log.Output)
	}
	if log.ResolvedAt == nil {
		t.Error("ResolvedAt should be set")
	}

	// action_result closes out the held call, then the turn resumes.
	msgs := f.messages(t)
	if len(msgs) == 0 || msgs[0].ContentType != models.ContentActionResult {
		t.Fatalf("expected an action_result message, got %+v", msgs)
	}
	if msgs[0].Metadata[models.MetaToolCallID] != "call_1" {
		t.Errorf("action_result should correlate with the tool call, got %v", msgs[0].Metadata[models.MetaToolCallID])
	}
	if f.resumer.count() != 1 {
		t.Errorf("expected 1 resume, got %d", f.resumer.count())
	}

	// A second approve hits the already-decided log.
	err := f.handler.Approve(context.Background(), "org-1", pending.ID, "user-9")
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError on double approve, got %v", err)
	}
	if *f.calls != 1 {
		t.Errorf("double approve must not run the tool again, ran %d times", *f.calls)
	}
}

func TestApproveHandlerFailure(t *testing.T) {
	f := newFixture(t)
	pending := f.pendingAction(t, `{"order_id":"missing"}`)

	if err := f.handler.Approve(context.Background(), "org-1", pending.ID, "user-9"); err != nil {
		t.Fatalf("Approve should not fail on a tool error: %v", err)
	}

	log := f.reload(t, pending.ID)
	if log.Status != models.ActionFailed {
		t.Errorf("expected failed status, got %s", log.Status)
	}
	if !strings.Contains(log.Reason, "order not found") {
		t.Errorf("reason should carry the handler error, got %q", log.Reason)
	}

	msgs := f.messages(t)
	if len(msgs) == 0 {
		t.Fatal("expected an action_result message")
	}
	if isErr, _ := msgs[0].Metadata[models.MetaIsError].(bool); !isErr {
		t.Error("action_result should be marked as an error")
	}
	if f.resumer.count() != 1 {
		t.Error("the turn should still resume so the agent can explain the failure")
	}
}

func TestRejectLeavesToolUnexecuted(t *testing.T) {
	f := newFixture(t)
	pending := f.pendingAction(t, `{"order_id":"ord-1"}`)

	if err := f.handler.Reject(context.Background(), "org-1", pending.ID, "user-9", "too risky"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if *f.calls != 0 {
		t.Fatalf("rejected tool must not run, ran %d times", *f.calls)
	}

	log := f.reload(t, pending.ID)
	if log.Status != models.ActionFailed || log.Reason != "too risky" {
		t.Errorf("unexpected log state: status=%s reason=%q", log.Status, log.Reason)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("expected action_result plus acknowledgment, got %d messages", len(msgs))
	}
	if msgs[0].ContentType != models.ContentActionResult {
		t.Errorf("first message should be the action_result, got %s", msgs[0].ContentType)
	}
	if msgs[1].ContentType != models.ContentText || !strings.Contains(msgs[1].Content, "not approved") {
		t.Errorf("second message should acknowledge the rejection, got %+v", msgs[1])
	}
	if f.resumer.count() != 0 {
		t.Error("rejection must not trigger a model call")
	}
}

func TestRejectIsIdempotentInEffect(t *testing.T) {
	f := newFixture(t)
	pending := f.pendingAction(t, `{"order_id":"ord-1"}`)

	if err := f.handler.Reject(context.Background(), "org-1", pending.ID, "user-9", "no"); err != nil {
		t.Fatalf("first Reject: %v", err)
	}
	before := f.reload(t, pending.ID)
	beforeMsgs := len(f.messages(t))

	err := f.handler.Reject(context.Background(), "org-1", pending.ID, "user-9", "no")
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError on second reject, got %v", err)
	}

	after := f.reload(t, pending.ID)
	if after.Status != before.Status || after.Reason != before.Reason || after.DecidedBy != before.DecidedBy {
		t.Error("second reject must not change stored state")
	}
	if len(f.messages(t)) != beforeMsgs {
		t.Error("second reject must not append messages")
	}
}

func TestDecisionOnUnknownAction(t *testing.T) {
	f := newFixture(t)

	err := f.handler.Approve(context.Background(), "org-1", "nope", "user-9")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	err = f.handler.Reject(context.Background(), "org-1", "nope", "user-9", "x")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepExpiresOldPending(t *testing.T) {
	f := newFixture(t)

	recent := f.pendingAction(t, `{"order_id":"ord-new"}`)
	aged := &models.ActionLog{
		OrgID:          "org-1",
		ConversationID: f.conv.ID,
		AgentID:        f.agent.ID,
		ToolCallID:     "call_old",
		ToolKey:        "cancel_order",
		Input:          json.RawMessage(`{"order_id":"ord-old"}`),
		Status:         models.ActionPendingApproval,
		CreatedAt:      time.Now().Add(-2 * time.Hour),
	}
	if err := f.store.CreateActionLog(context.Background(), aged); err != nil {
		t.Fatalf("CreateActionLog: %v", err)
	}

	sweeper := NewSweeper(f.handler, "@every 1m", time.Hour, nil)
	sweeper.Sweep(context.Background())

	expired := f.reload(t, aged.ID)
	if expired.Status != models.ActionFailed || expired.Reason != ExpiryReason {
		t.Errorf("aged action should be expired, got status=%s reason=%q", expired.Status, expired.Reason)
	}
	if expired.DecidedBy != "system:sweeper" {
		t.Errorf("expiry should attribute the sweeper, got %q", expired.DecidedBy)
	}

	kept := f.reload(t, recent.ID)
	if kept.Status != models.ActionPendingApproval {
		t.Errorf("recent pending action must survive the sweep, got %s", kept.Status)
	}

	if *f.calls != 0 {
		t.Errorf("expiry must not execute the tool, ran %d times", *f.calls)
	}
}

func TestApproveConcurrentlyExecutesOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	var execs int32
	entered := make(chan struct{}, 2)
	release := make(chan struct{})

	reg := tools.NewRegistry()
	if err := reg.Register(&tools.Tool{
		Key:         "cancel_order",
		Name:        "cancel_order",
		Description: "Cancels an order.",
		Destructive: true,
		Handler: func(_ context.Context, _ models.OrgContext, _ map[string]any) (string, error) {
			atomic.AddInt32(&execs, 1)
			entered <- struct{}{}
			<-release
			return "done", nil
		},
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	agent := &models.Agent{OrgID: "org-1", Name: "Ava", Provider: "anthropic"}
	if err := st.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	conv := &models.Conversation{OrgID: "org-1", AgentID: agent.ID}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	pending := &models.ActionLog{
		OrgID:          "org-1",
		ConversationID: conv.ID,
		AgentID:        agent.ID,
		ToolCallID:     "call_1",
		ToolKey:        "cancel_order",
		Input:          json.RawMessage(`{}`),
		Status:         models.ActionPendingApproval,
	}
	if err := st.CreateActionLog(ctx, pending); err != nil {
		t.Fatalf("CreateActionLog: %v", err)
	}

	handler, err := NewHandler(Config{Store: st, Tools: reg, Engine: &fakeResumer{}})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- handler.Approve(ctx, "org-1", pending.ID, "user-1")
	}()
	<-entered // first approver is inside the tool handler

	// The second approval arrives while the first is still executing. It
	// must not reach the handler.
	secondErr := handler.Approve(ctx, "org-1", pending.ID, "user-2")
	if !IsConflict(secondErr) {
		t.Fatalf("expected ConflictError for the racing approval, got %v", secondErr)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Approve: %v", err)
	}

	if got := atomic.LoadInt32(&execs); got != 1 {
		t.Fatalf("tool must execute exactly once across racing approvals, ran %d times", got)
	}

	final, err := st.GetActionLog(ctx, "org-1", pending.ID)
	if err != nil {
		t.Fatalf("GetActionLog: %v", err)
	}
	if final.Status != models.ActionSuccess || final.DecidedBy != "user-1" {
		t.Errorf("winning approval should own the decision, got status=%s decided_by=%q", final.Status, final.DecidedBy)
	}
}

func TestApproveSummaryOnlyByDefault(t *testing.T) {
	f := newFixture(t)
	pending := f.pendingAction(t, `{"order_id":"ord-1"}`)

	if err := f.handler.Approve(context.Background(), "org-1", pending.ID, "user-9"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	msgs := f.messages(t)
	if len(msgs) == 0 || msgs[0].ContentType != models.ContentActionResult {
		t.Fatalf("expected an action_result message, got %+v", msgs)
	}
	if msgs[0].Content != "Action completed." {
		t.Errorf("raw output must stay out of history by default, got %q", msgs[0].Content)
	}

	// The raw output still reaches the model through the resume prompt.
	if got := f.resumer.last().Result; !strings.Contains(got, "ord-1") {
		t.Errorf("resume should carry the raw output, got %q", got)
	}
}

func TestApproveRelaysRawOutputWhenConfigured(t *testing.T) {
	f := newFixture(t)
	relay, err := NewHandler(Config{
		Store:           f.store,
		Tools:           f.handler.tools,
		Engine:          f.resumer,
		RelayRawResults: true,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	pending := f.pendingAction(t, `{"order_id":"ord-1"}`)

	if err := relay.Approve(context.Background(), "org-1", pending.ID, "user-9"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	msgs := f.messages(t)
	if len(msgs) == 0 || !strings.Contains(msgs[0].Content, "Cancelled order ord-1") {
		t.Fatalf("raw output should be persisted verbatim, got %+v", msgs)
	}
	if got := f.resumer.last().Result; got != "" {
		t.Errorf("resume prompt should not repeat relayed output, got %q", got)
	}
}
