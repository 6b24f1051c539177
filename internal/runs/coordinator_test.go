package runs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/threadline/internal/assistant"
	"github.com/haasonsaas/threadline/internal/observability"
	"github.com/haasonsaas/threadline/internal/retry"
	"github.com/haasonsaas/threadline/internal/sessions"
)

// scriptedClient plays back run snapshots. Each GetRun pops the next
// snapshot; the last one repeats.
type scriptedClient struct {
	mu sync.Mutex

	appendErrs  []error
	startRun    assistant.Run
	snapshots   []assistant.Run
	submitted   [][]assistant.ToolResult
	afterSubmit assistant.Run
	reply       string
	noReply     bool

	appendCalls atomic.Int32
	getCalls    atomic.Int32
	cancelled   chan string
}

func newScriptedClient(snapshots ...assistant.Run) *scriptedClient {
	return &scriptedClient{
		startRun:  assistant.Run{ID: "run_1", Status: assistant.RunQueued},
		snapshots: snapshots,
		reply:     "hello there",
		cancelled: make(chan string, 4),
	}
}

func (c *scriptedClient) CreateThread(context.Context) (string, error) { return "thread_1", nil }

func (c *scriptedClient) AppendMessage(ctx context.Context, threadID, text string) error {
	n := int(c.appendCalls.Add(1))
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= len(c.appendErrs) {
		return c.appendErrs[n-1]
	}
	return nil
}

func (c *scriptedClient) StartRun(ctx context.Context, threadID string, opts assistant.RunOptions) (assistant.Run, error) {
	return c.startRun, nil
}

func (c *scriptedClient) GetRun(ctx context.Context, threadID, runID string) (assistant.Run, error) {
	c.getCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) == 0 {
		return assistant.Run{ID: runID, Status: assistant.RunInProgress}, nil
	}
	run := c.snapshots[0]
	if len(c.snapshots) > 1 {
		c.snapshots = c.snapshots[1:]
	}
	return run, nil
}

func (c *scriptedClient) SubmitToolResults(ctx context.Context, threadID, runID string, results []assistant.ToolResult) (assistant.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, results)
	return c.afterSubmit, nil
}

func (c *scriptedClient) LatestAssistantMessage(ctx context.Context, threadID, runID string) (string, bool, error) {
	if c.noReply {
		return "", false, nil
	}
	return c.reply, true, nil
}

func (c *scriptedClient) CancelRun(ctx context.Context, threadID, runID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.cancelled <- runID
	return nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(call assistant.ToolCall) assistant.ToolResult
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, call assistant.ToolCall) assistant.ToolResult {
	d.mu.Lock()
	d.calls = append(d.calls, call.ID)
	d.mu.Unlock()
	if d.fn != nil {
		return d.fn(call)
	}
	return assistant.ToolResult{CallID: call.ID, Output: "ok:" + call.Name}
}

func testConfig() Config {
	return Config{
		PollInterval:  5 * time.Millisecond,
		TurnTimeout:   2 * time.Second,
		CancelTimeout: time.Second,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testSession = sessions.Context{UserID: "alice", ThreadID: "thread_1"}

func toolCall(id, name string) assistant.ToolCall {
	return assistant.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestRunTurn_TerminalStatuses(t *testing.T) {
	tests := []struct {
		name       string
		snapshots  []assistant.Run
		noReply    bool
		wantState  State
		wantReason Reason
		wantReply  string
	}{
		{
			name: "completed after polling",
			snapshots: []assistant.Run{
				{ID: "run_1", Status: assistant.RunInProgress},
				{ID: "run_1", Status: "some_future_status"},
				{ID: "run_1", Status: assistant.RunCompleted},
			},
			wantState: StateCompleted,
			wantReply: "hello there",
		},
		{
			name:       "failed",
			snapshots:  []assistant.Run{{ID: "run_1", Status: assistant.RunFailed, LastError: "server_error"}},
			wantState:  StateFailed,
			wantReason: ReasonRunFailed,
		},
		{
			name:       "expired",
			snapshots:  []assistant.Run{{ID: "run_1", Status: assistant.RunExpired}},
			wantState:  StateFailed,
			wantReason: ReasonRunFailed,
		},
		{
			name:       "incomplete",
			snapshots:  []assistant.Run{{ID: "run_1", Status: assistant.RunIncomplete}},
			wantState:  StateFailed,
			wantReason: ReasonRunFailed,
		},
		{
			name:       "cancelled remotely",
			snapshots:  []assistant.Run{{ID: "run_1", Status: assistant.RunCancelled}},
			wantState:  StateCancelled,
			wantReason: ReasonCancelled,
		},
		{
			name:       "completed without message",
			snapshots:  []assistant.Run{{ID: "run_1", Status: assistant.RunCompleted}},
			noReply:    true,
			wantState:  StateFailed,
			wantReason: ReasonMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newScriptedClient(tt.snapshots...)
			client.noReply = tt.noReply
			coord := NewCoordinator(client, &recordingDispatcher{}, testConfig(), WithLogger(testLogger()))

			out := coord.RunTurn(context.Background(), testSession, "hi")
			if out.State != tt.wantState || out.Reason != tt.wantReason {
				t.Fatalf("outcome = %s/%q (err %v), want %s/%q", out.State, out.Reason, out.Err, tt.wantState, tt.wantReason)
			}
			if out.Reply != tt.wantReply {
				t.Errorf("Reply = %q, want %q", out.Reply, tt.wantReply)
			}
			if out.State != StateCompleted && out.Err == nil {
				t.Error("non-completed outcome must carry an error")
			}
			if out.TurnID == "" || out.RunID != "run_1" {
				t.Errorf("ids = %q/%q", out.TurnID, out.RunID)
			}
			if tt.name == "completed without message" && !errors.Is(out.Err, ErrNoReply) {
				t.Errorf("Err = %v, want ErrNoReply", out.Err)
			}
		})
	}
}

func TestRunTurn_ToolBatchSubmittedOnce(t *testing.T) {
	calls := []assistant.ToolCall{toolCall("c1", "calendar-read"), toolCall("c2", "web-search"), toolCall("c3", "email-read")}
	client := newScriptedClient(
		assistant.Run{ID: "run_1", Status: assistant.RunRequiresAction, ToolCalls: calls},
		assistant.Run{ID: "run_1", Status: assistant.RunCompleted},
	)
	client.afterSubmit = assistant.Run{ID: "run_1", Status: assistant.RunQueued}
	dispatcher := &recordingDispatcher{}
	coord := NewCoordinator(client, dispatcher, testConfig(), WithLogger(testLogger()))

	out := coord.RunTurn(context.Background(), testSession, "what's on today?")
	if !out.OK() {
		t.Fatalf("outcome = %s (%v)", out.State, out.Err)
	}
	if out.ToolCalls != 3 {
		t.Errorf("ToolCalls = %d, want 3", out.ToolCalls)
	}
	if len(client.submitted) != 1 {
		t.Fatalf("submissions = %d, want 1", len(client.submitted))
	}
	got := client.submitted[0]
	if len(got) != 3 {
		t.Fatalf("results = %d, want 3", len(got))
	}
	for i, res := range got {
		if res.CallID != calls[i].ID {
			t.Errorf("result %d CallID = %s, want %s", i, res.CallID, calls[i].ID)
		}
		if res.Output != "ok:"+calls[i].Name {
			t.Errorf("result %d Output = %q", i, res.Output)
		}
	}
	sort.Strings(dispatcher.calls)
	if len(dispatcher.calls) != 3 {
		t.Errorf("dispatched %v", dispatcher.calls)
	}
}

func TestRunTurn_StaleRequiresActionNotRedispatched(t *testing.T) {
	calls := []assistant.ToolCall{toolCall("c1", "web-search")}
	client := newScriptedClient(
		assistant.Run{ID: "run_1", Status: assistant.RunRequiresAction, ToolCalls: calls},
		assistant.Run{ID: "run_1", Status: assistant.RunRequiresAction, ToolCalls: calls},
		assistant.Run{ID: "run_1", Status: assistant.RunRequiresAction, ToolCalls: append(calls, toolCall("c2", "calendar-read"))},
		assistant.Run{ID: "run_1", Status: assistant.RunCompleted},
	)
	dispatcher := &recordingDispatcher{}
	coord := NewCoordinator(client, dispatcher, testConfig(), WithLogger(testLogger()))

	out := coord.RunTurn(context.Background(), testSession, "hi")
	if !out.OK() {
		t.Fatalf("outcome = %s (%v)", out.State, out.Err)
	}
	if len(dispatcher.calls) != 2 || dispatcher.calls[0] != "c1" || dispatcher.calls[1] != "c2" {
		t.Errorf("dispatched = %v, want [c1 c2]", dispatcher.calls)
	}
	if len(client.submitted) != 2 {
		t.Fatalf("submissions = %d, want 2", len(client.submitted))
	}
	second := client.submitted[1]
	if len(second) != 2 || second[0].CallID != "c1" || second[1].CallID != "c2" {
		t.Errorf("second submission = %+v", second)
	}
}

func TestRunTurn_HandlerFailuresBecomeResults(t *testing.T) {
	calls := []assistant.ToolCall{toolCall("c1", "explode"), toolCall("c2", "broken"), toolCall("c3", "fine")}
	client := newScriptedClient(
		assistant.Run{ID: "run_1", Status: assistant.RunRequiresAction, ToolCalls: calls},
		assistant.Run{ID: "run_1", Status: assistant.RunCompleted},
	)
	dispatcher := &recordingDispatcher{fn: func(call assistant.ToolCall) assistant.ToolResult {
		switch call.Name {
		case "explode":
			panic("boom")
		case "broken":
			return assistant.ToolResult{Error: "calendar unavailable"}
		default:
			return assistant.ToolResult{Output: "fine"}
		}
	}}
	coord := NewCoordinator(client, dispatcher, testConfig(), WithLogger(testLogger()))

	out := coord.RunTurn(context.Background(), testSession, "hi")
	if !out.OK() {
		t.Fatalf("outcome = %s (%v)", out.State, out.Err)
	}
	got := client.submitted[0]
	if len(got) != 3 {
		t.Fatalf("results = %d", len(got))
	}
	if !got[0].Failed() || got[0].Error != "capability explode failed unexpectedly" {
		t.Errorf("panic result = %+v", got[0])
	}
	if got[1].CallID != "c2" || got[1].Error != "calendar unavailable" {
		t.Errorf("error result = %+v", got[1])
	}
	if got[2].Output != "fine" {
		t.Errorf("ok result = %+v", got[2])
	}
}

func TestRunTurn_RetriesTransientSubmission(t *testing.T) {
	client := newScriptedClient(assistant.Run{ID: "run_1", Status: assistant.RunCompleted})
	client.appendErrs = []error{
		&assistant.Error{Op: "append_message", Kind: assistant.KindRateLimit, Status: http.StatusTooManyRequests},
	}
	coord := NewCoordinator(client, &recordingDispatcher{}, testConfig(), WithLogger(testLogger()))

	out := coord.RunTurn(context.Background(), testSession, "hi")
	if !out.OK() {
		t.Fatalf("outcome = %s (%v)", out.State, out.Err)
	}
	if got := client.appendCalls.Load(); got != 2 {
		t.Errorf("AppendMessage calls = %d, want 2", got)
	}
}

func TestRunTurn_PermanentRemoteErrorNotRetried(t *testing.T) {
	client := newScriptedClient()
	client.appendErrs = []error{
		&assistant.Error{Op: "append_message", Kind: assistant.KindInvalidRequest, Status: http.StatusBadRequest},
	}
	coord := NewCoordinator(client, &recordingDispatcher{}, testConfig(), WithLogger(testLogger()))

	out := coord.RunTurn(context.Background(), testSession, "hi")
	if out.State != StateFailed || out.Reason != ReasonRemote {
		t.Fatalf("outcome = %s/%s", out.State, out.Reason)
	}
	if got := client.appendCalls.Load(); got != 1 {
		t.Errorf("AppendMessage calls = %d, want 1", got)
	}
	if out.RunID != "" {
		t.Errorf("RunID = %q, no run should start", out.RunID)
	}
}

func TestRunTurn_TimeoutCancelsRemoteRun(t *testing.T) {
	client := newScriptedClient() // in_progress forever
	cfg := testConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.TurnTimeout = 50 * time.Millisecond
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	coord := NewCoordinator(client, &recordingDispatcher{}, cfg, WithLogger(testLogger()), WithMetrics(metrics))

	start := time.Now()
	out := coord.RunTurn(context.Background(), testSession, "hi")
	elapsed := time.Since(start)

	if out.State != StateTimedOut || out.Reason != ReasonTimeout || !errors.Is(out.Err, ErrTurnTimeout) {
		t.Fatalf("outcome = %s/%s (%v)", out.State, out.Reason, out.Err)
	}
	if elapsed > cfg.TurnTimeout+cfg.PollInterval {
		t.Errorf("RunTurn returned after %v, want within one poll interval of the deadline", elapsed)
	}
	select {
	case runID := <-client.cancelled:
		if runID != "run_1" {
			t.Errorf("cancelled %s", runID)
		}
	default:
		t.Fatal("remote run was not cancelled")
	}
	if got := testutil.ToFloat64(metrics.TurnCounter.WithLabelValues("timed_out", "timeout")); got != 1 {
		t.Errorf("timed_out turns = %v", got)
	}
}

func TestRunTurn_CallerCancellation(t *testing.T) {
	client := newScriptedClient()
	coord := NewCoordinator(client, &recordingDispatcher{}, testConfig(), WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	out := coord.RunTurn(ctx, testSession, "hi")
	if out.State != StateCancelled || out.Reason != ReasonCancelled {
		t.Fatalf("outcome = %s/%s (%v)", out.State, out.Reason, out.Err)
	}
	select {
	case <-client.cancelled:
	default:
		t.Fatal("remote run was not cancelled on a detached context")
	}
}

func TestRunTurn_Metrics(t *testing.T) {
	client := newScriptedClient(assistant.Run{ID: "run_1", Status: assistant.RunCompleted})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	coord := NewCoordinator(client, &recordingDispatcher{}, testConfig(), WithLogger(testLogger()), WithMetrics(metrics))

	coord.RunTurn(context.Background(), testSession, "hi")

	if got := testutil.ToFloat64(metrics.TurnCounter.WithLabelValues("completed", "")); got != 1 {
		t.Errorf("completed turns = %v", got)
	}
	for _, op := range []string{"append_message", "start_run", "get_run", "list_messages"} {
		if got := testutil.ToFloat64(metrics.RemoteCallCounter.WithLabelValues(op, "success")); got != 1 {
			t.Errorf("%s calls = %v, want 1", op, got)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled, StateTimedOut} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateSubmitting, StatePolling, StateAwaitingTools} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
