package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/threadline/internal/assistant"
	"github.com/haasonsaas/threadline/internal/capabilities"
	"github.com/haasonsaas/threadline/internal/capabilities/calendar"
	"github.com/haasonsaas/threadline/internal/guard"
	"github.com/haasonsaas/threadline/internal/reply"
	"github.com/haasonsaas/threadline/internal/retry"
	"github.com/haasonsaas/threadline/internal/runs"
	"github.com/haasonsaas/threadline/internal/sessions"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeResolver struct {
	mu     sync.Mutex
	err    error
	calls  int
	resets []string
}

func (r *fakeResolver) Resolve(ctx context.Context, userID string) (sessions.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return sessions.Context{}, r.err
	}
	return sessions.Context{UserID: userID, ThreadID: "thread_" + userID}, nil
}

func (r *fakeResolver) Reset(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, userID)
	return nil
}

// fakeRunner returns outcome, optionally blocking until release is closed.
type fakeRunner struct {
	outcome runs.Outcome
	started chan struct{}
	release chan struct{}
}

func (r *fakeRunner) RunTurn(ctx context.Context, sess sessions.Context, text string) runs.Outcome {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	return r.outcome
}

type recorder struct {
	mu   sync.Mutex
	sent []string
	err  error
	// failAfter makes Emit fail once this many messages were sent.
	failAfter int
}

func (r *recorder) Emit(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil && len(r.sent) >= r.failAfter {
		return r.err
	}
	r.sent = append(r.sent, text)
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newTestOrchestrator(t *testing.T, resolver Resolver, runner Runner, cfg Config, opts ...Option) (*Orchestrator, *guard.Guard) {
	t.Helper()
	g := guard.New(guard.DefaultConfig())
	opts = append([]Option{WithLogger(testLogger)}, opts...)
	return New(resolver, g, runner, cfg, opts...), g
}

func completed(text string) runs.Outcome {
	return runs.Outcome{State: runs.StateCompleted, Reply: text}
}

func TestHandle_Outcomes(t *testing.T) {
	msgs := DefaultMessages()
	tests := []struct {
		name       string
		outcome    runs.Outcome
		resolveErr error
		wantStatus Status
		wantSent   []string
	}{
		{
			name:       "reply",
			outcome:    completed("Hello!"),
			wantStatus: StatusReplied,
			wantSent:   []string{"Hello!"},
		},
		{
			name:       "silent reply",
			outcome:    completed("NO_REPLY"),
			wantStatus: StatusSilent,
		},
		{
			name:       "failed",
			outcome:    runs.Outcome{State: runs.StateFailed, Reason: runs.ReasonRunFailed, Err: errors.New("server_error")},
			wantStatus: StatusFailed,
			wantSent:   []string{msgs.Failed},
		},
		{
			name:       "timed out",
			outcome:    runs.Outcome{State: runs.StateTimedOut, Reason: runs.ReasonTimeout, Err: runs.ErrTurnTimeout},
			wantStatus: StatusTimedOut,
			wantSent:   []string{msgs.TimedOut},
		},
		{
			name:       "cancelled",
			outcome:    runs.Outcome{State: runs.StateCancelled, Reason: runs.ReasonCancelled},
			wantStatus: StatusCancelled,
			wantSent:   []string{msgs.Cancelled},
		},
		{
			name:       "session creation failed",
			resolveErr: fmt.Errorf("%w: boom", sessions.ErrSessionCreationFailed),
			wantStatus: StatusSessionFailed,
			wantSent:   []string{msgs.SessionFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{err: tt.resolveErr}
			o, g := newTestOrchestrator(t, resolver, &fakeRunner{outcome: tt.outcome}, Config{})
			rec := &recorder{}

			res := o.Handle(context.Background(), Event{UserID: "u1", Text: "hi", Fingerprint: "m1"}, rec)
			if res.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", res.Status, tt.wantStatus)
			}
			if got := rec.messages(); strings.Join(got, "|") != strings.Join(tt.wantSent, "|") {
				t.Errorf("sent = %q, want %q", got, tt.wantSent)
			}
			if g.InFlight("u1") {
				t.Error("permit not released")
			}
		})
	}
}

func TestHandle_NoticesAreDistinct(t *testing.T) {
	m := DefaultMessages()
	seen := map[string]string{}
	for name, text := range map[string]string{
		"busy": m.Busy, "failed": m.Failed, "timed_out": m.TimedOut,
		"session_failed": m.SessionFailed, "cancelled": m.Cancelled,
	} {
		if other, ok := seen[text]; ok {
			t.Errorf("%s and %s share notice %q", name, other, text)
		}
		seen[text] = name
	}
}

func TestHandle_ChunksInOrder(t *testing.T) {
	long := strings.Repeat("word ", 30)
	o, _ := newTestOrchestrator(t, &fakeResolver{}, &fakeRunner{outcome: completed(long)}, Config{MaxReplyLength: 40})
	rec := &recorder{}

	res := o.Handle(context.Background(), Event{UserID: "u1", Text: "hi"}, rec)
	if res.Status != StatusReplied {
		t.Fatalf("Status = %s", res.Status)
	}
	sent := rec.messages()
	if res.Chunks != len(sent) || len(sent) < 2 {
		t.Fatalf("Chunks = %d, sent %d", res.Chunks, len(sent))
	}
	for i, seg := range sent {
		if n := len([]rune(seg)); n > 40 {
			t.Errorf("segment %d has %d runes", i, n)
		}
	}
	if strings.Join(sent, "") != strings.TrimSpace(long) {
		t.Error("segments do not reassemble the reply")
	}
}

func TestHandle_EmitErrorStopsChunks(t *testing.T) {
	o, g := newTestOrchestrator(t, &fakeResolver{}, &fakeRunner{outcome: completed(strings.Repeat("a", 100))}, Config{MaxReplyLength: 10})
	rec := &recorder{err: errors.New("rate limited"), failAfter: 2}

	res := o.Handle(context.Background(), Event{UserID: "u1", Text: "hi"}, rec)
	if res.Chunks != 2 || res.Err == nil {
		t.Fatalf("Chunks = %d, Err = %v", res.Chunks, res.Err)
	}
	if g.InFlight("u1") {
		t.Error("permit not released")
	}
}

func TestHandle_AppliesFilter(t *testing.T) {
	filter, err := reply.NewFilter(reply.Config{})
	if err != nil {
		t.Fatalf("NewFilter() error = %v", err)
	}
	runner := &fakeRunner{outcome: completed("I'll coordinate with the team. You are free at 3.")}
	o, _ := newTestOrchestrator(t, &fakeResolver{}, runner, Config{}, WithFilter(filter))
	rec := &recorder{}

	o.Handle(context.Background(), Event{UserID: "u1", Text: "free?"}, rec)
	sent := rec.messages()
	if len(sent) != 1 || strings.Contains(sent[0], "coordinate with the team") || !strings.HasPrefix(sent[0], reply.DefaultReplacement) {
		t.Errorf("sent = %q", sent)
	}
}

func TestHandle_TrimsReplyRegardlessOfFilter(t *testing.T) {
	filter, err := reply.NewFilter(reply.Config{Phrases: []string{}})
	if err != nil {
		t.Fatalf("NewFilter() error = %v", err)
	}
	tests := []struct {
		name       string
		filter     *reply.Filter
		reply      string
		wantStatus Status
		wantSent   []string
	}{
		{name: "no filter", reply: "  hi there  \n", wantStatus: StatusReplied, wantSent: []string{"hi there"}},
		{name: "with filter", filter: filter, reply: "  hi there  \n", wantStatus: StatusReplied, wantSent: []string{"hi there"}},
		{name: "blank without filter", reply: " \n\t ", wantStatus: StatusSilent},
		{name: "blank with filter", filter: filter, reply: " \n\t ", wantStatus: StatusSilent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.filter != nil {
				opts = append(opts, WithFilter(tt.filter))
			}
			o, _ := newTestOrchestrator(t, &fakeResolver{}, &fakeRunner{outcome: completed(tt.reply)}, Config{}, opts...)
			rec := &recorder{}

			res := o.Handle(context.Background(), Event{UserID: "u1", Text: "hi"}, rec)
			if res.Status != tt.wantStatus {
				t.Fatalf("Status = %s, want %s", res.Status, tt.wantStatus)
			}
			sent := rec.messages()
			if strings.Join(sent, "|") != strings.Join(tt.wantSent, "|") {
				t.Errorf("sent = %q, want %q", sent, tt.wantSent)
			}
		})
	}
}

func TestHandle_BusyThenSuccess(t *testing.T) {
	runner := &fakeRunner{
		outcome: completed("done"),
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	resolver := &fakeResolver{}
	o, _ := newTestOrchestrator(t, resolver, runner, Config{})
	first := &recorder{}

	done := make(chan Result, 1)
	go func() {
		done <- o.Handle(context.Background(), Event{UserID: "u1", Text: "first", Fingerprint: "m1"}, first)
	}()
	<-runner.started

	second := &recorder{}
	res := o.Handle(context.Background(), Event{UserID: "u1", Text: "second", Fingerprint: "m2"}, second)
	if res.Status != StatusBusy {
		t.Fatalf("Status = %s, want busy", res.Status)
	}
	if got := second.messages(); len(got) != 1 || got[0] != DefaultMessages().Busy {
		t.Errorf("busy notice = %q", got)
	}

	close(runner.release)
	if res := <-done; res.Status != StatusReplied {
		t.Fatalf("first Status = %s", res.Status)
	}

	// The busy-rejected message was never accepted, so a retry runs.
	third := &recorder{}
	res = o.Handle(context.Background(), Event{UserID: "u1", Text: "second", Fingerprint: "m2"}, third)
	if res.Status != StatusReplied {
		t.Fatalf("retry Status = %s", res.Status)
	}
	if resolver.calls != 2 {
		t.Errorf("Resolve calls = %d, want 2", resolver.calls)
	}
}

func TestHandle_DuplicateIsSilent(t *testing.T) {
	resolver := &fakeResolver{}
	o, _ := newTestOrchestrator(t, resolver, &fakeRunner{outcome: completed("ok")}, Config{})

	ev := Event{UserID: "u1", Text: "hi", Fingerprint: "m1"}
	o.Handle(context.Background(), ev, &recorder{})
	rec := &recorder{}
	res := o.Handle(context.Background(), ev, rec)
	if res.Status != StatusDuplicate {
		t.Fatalf("Status = %s, want duplicate", res.Status)
	}
	if len(rec.messages()) != 0 {
		t.Errorf("duplicate emitted %q", rec.messages())
	}
	if resolver.calls != 1 {
		t.Errorf("Resolve calls = %d, want 1", resolver.calls)
	}
}

func TestHandle_IgnoresEmptyText(t *testing.T) {
	resolver := &fakeResolver{}
	o, _ := newTestOrchestrator(t, resolver, &fakeRunner{}, Config{})
	rec := &recorder{}
	if res := o.Handle(context.Background(), Event{UserID: "u1", Text: "   "}, rec); res.Status != StatusIgnored {
		t.Fatalf("Status = %s", res.Status)
	}
	if resolver.calls != 0 || len(rec.messages()) != 0 {
		t.Error("empty text should be ignored")
	}
}

func TestReset(t *testing.T) {
	runner := &fakeRunner{
		outcome: completed("done"),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	resolver := &fakeResolver{}
	o, _ := newTestOrchestrator(t, resolver, runner, Config{})

	done := make(chan struct{})
	go func() {
		o.Handle(context.Background(), Event{UserID: "u1", Text: "hi"}, &recorder{})
		close(done)
	}()
	<-runner.started

	rec := &recorder{}
	if res := o.Reset(context.Background(), "u1", rec); res.Status != StatusBusy {
		t.Fatalf("Reset while busy = %s", res.Status)
	}
	close(runner.release)
	<-done

	rec = &recorder{}
	if res := o.Reset(context.Background(), "u1", rec); res.Status != StatusReset {
		t.Fatalf("Reset = %s", res.Status)
	}
	if got := rec.messages(); len(got) != 1 || got[0] != DefaultMessages().Reset {
		t.Errorf("sent = %q", got)
	}
	if len(resolver.resets) != 1 || resolver.resets[0] != "u1" {
		t.Errorf("resets = %v", resolver.resets)
	}
}

func TestMessages_Overrides(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeResolver{}, &fakeRunner{outcome: runs.Outcome{State: runs.StateFailed}}, Config{
		Messages: Messages{Failed: "nope"},
	})
	rec := &recorder{}
	res := o.Handle(context.Background(), Event{UserID: "u1", Text: "hi"}, rec)
	if got := rec.messages(); len(got) != 1 || got[0] != "nope" {
		t.Errorf("sent = %q", got)
	}
	if res.Err == nil {
		t.Error("expected a synthesized error for a failed turn without one")
	}
	if o.config.Messages.Busy != DefaultMessages().Busy {
		t.Error("unset messages should fall back to defaults")
	}
}

// calendarAssistant asks for calendar-read once and answers with the
// capability's output.
type calendarAssistant struct {
	mu        sync.Mutex
	submitted []assistant.ToolResult
}

func (a *calendarAssistant) CreateThread(context.Context) (string, error) { return "thread_1", nil }

func (a *calendarAssistant) AppendMessage(context.Context, string, string) error { return nil }

func (a *calendarAssistant) StartRun(ctx context.Context, threadID string, opts assistant.RunOptions) (assistant.Run, error) {
	return assistant.Run{
		ID:     "run_1",
		Status: assistant.RunRequiresAction,
		ToolCalls: []assistant.ToolCall{{
			ID:        "call_1",
			Name:      calendar.ReadName,
			Arguments: []byte(`{"range":"today"}`),
		}},
	}, nil
}

func (a *calendarAssistant) GetRun(ctx context.Context, threadID, runID string) (assistant.Run, error) {
	return assistant.Run{ID: runID, Status: assistant.RunCompleted}, nil
}

func (a *calendarAssistant) SubmitToolResults(ctx context.Context, threadID, runID string, results []assistant.ToolResult) (assistant.Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, results...)
	return assistant.Run{ID: runID, Status: assistant.RunCompleted}, nil
}

func (a *calendarAssistant) LatestAssistantMessage(ctx context.Context, threadID, runID string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.submitted) == 0 {
		return "", false, nil
	}
	return "Here is your day: " + a.submitted[0].Payload(), true, nil
}

func (a *calendarAssistant) CancelRun(context.Context, string, string) error { return nil }

func TestHandle_CalendarWithNoEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	loc := time.FixedZone("EST", -5*3600)
	cal := calendar.NewClient(srv.Client(), "primary", loc,
		calendar.WithBaseURL(srv.URL),
		calendar.WithClock(func() time.Time { return time.Date(2025, 3, 10, 8, 30, 0, 0, loc) }),
	)
	registry, err := capabilities.NewRegistry([]capabilities.Capability{calendar.ReadCapability(cal)},
		capabilities.WithLogger(testLogger))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	remote := &calendarAssistant{}
	cfg := runs.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.Retry = retry.Config{MaxAttempts: 1}
	coord := runs.NewCoordinator(remote, registry, cfg, runs.WithLogger(testLogger))
	store := sessions.NewStore(remote, sessions.WithLogger(testLogger))
	o, g := newTestOrchestrator(t, store, coord, Config{})

	rec := &recorder{}
	res := o.Handle(context.Background(), Event{UserID: "u1", Text: "what's on my calendar today?", Fingerprint: "m1"}, rec)
	if res.Status != StatusReplied {
		t.Fatalf("Status = %s, err = %v", res.Status, res.Err)
	}
	want := "Here is your day: No events scheduled for today."
	if got := rec.messages(); len(got) != 1 || got[0] != want {
		t.Errorf("sent = %q, want %q", got, want)
	}
	if res.Outcome.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", res.Outcome.ToolCalls)
	}
	if g.InFlight("u1") {
		t.Error("permit not released")
	}
}
