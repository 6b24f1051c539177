package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"

	"github.com/haasonsaas/threadline/internal/assistant"
	"github.com/haasonsaas/threadline/internal/observability"
	"github.com/haasonsaas/threadline/internal/retry"
	"github.com/haasonsaas/threadline/internal/sessions"
)

// Dispatcher executes tool calls. *capabilities.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call assistant.ToolCall) assistant.ToolResult
}

// Config tunes the run loop.
type Config struct {
	// PollInterval is the wait between run status checks.
	PollInterval time.Duration

	// TurnTimeout bounds a whole turn, tool execution included.
	TurnTimeout time.Duration

	// CancelTimeout bounds the best-effort remote cancel after a timeout.
	CancelTimeout time.Duration

	// MaxParallelTools caps concurrent handlers within one batch. Zero
	// means GOMAXPROCS.
	MaxParallelTools int

	// Retry governs retries of transient remote failures.
	Retry retry.Config

	// Run is passed to every StartRun.
	Run assistant.RunOptions
}

// DefaultConfig returns a one second poll and a sixty second turn budget.
func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Second,
		TurnTimeout:      60 * time.Second,
		CancelTimeout:    5 * time.Second,
		MaxParallelTools: 8,
		Retry:            retry.DefaultConfig(),
	}
}

// Coordinator runs turns. It holds no per-turn state and is safe for
// concurrent use; callers serialize turns per context.
type Coordinator struct {
	client     assistant.Client
	dispatcher Dispatcher
	config     Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records turn outcomes and remote calls.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer creates spans per turn and remote call.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(client assistant.Client, dispatcher Dispatcher, cfg Config, opts ...Option) *Coordinator {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaults.TurnTimeout
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = defaults.CancelTimeout
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = assistant.IsTransient
	}
	c := &Coordinator{
		client:     client,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "runs")
	return c
}

// RunTurn appends text to the session's thread and drives a run to a
// terminal state. It never panics and never returns without a terminal
// Outcome. A turn that exceeds TurnTimeout ends TimedOut and its remote run
// is cancelled on a detached context.
func (c *Coordinator) RunTurn(ctx context.Context, sess sessions.Context, text string) Outcome {
	turn := &Turn{
		ID:        uuid.NewString(),
		Input:     text,
		State:     StateSubmitting,
		StartedAt: c.now(),
	}
	ctx = observability.WithUserID(ctx, sess.UserID)
	ctx = observability.WithThreadID(ctx, sess.ThreadID)
	ctx = observability.WithTurnID(ctx, turn.ID)
	ctx, span := c.tracer.TraceTurn(ctx, sess.UserID, sess.ThreadID)
	defer span.End()

	turnCtx, cancel := context.WithTimeout(ctx, c.config.TurnTimeout)
	defer cancel()

	out := c.drive(turnCtx, sess, turn)
	if out.State != StateCompleted && turnCtx.Err() != nil {
		out = c.interrupted(ctx, sess, turn, out)
	}

	out.TurnID = turn.ID
	out.RunID = turn.RunID
	out.Duration = c.now().Sub(turn.StartedAt)
	turn.State = out.State

	c.metrics.RecordTurn(string(out.State), string(out.Reason), out.Duration.Seconds())
	c.tracer.SetAttributes(span, "turn.id", turn.ID, "turn.state", string(out.State), "run.id", turn.RunID)
	if out.Err != nil {
		c.tracer.RecordError(span, out.Err)
	}

	level := slog.LevelInfo
	if out.State != StateCompleted {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "turn finished",
		"run_id", turn.RunID,
		"state", out.State,
		"reason", out.Reason,
		"tool_calls", out.ToolCalls,
		"duration", out.Duration,
		"error", out.Err,
	)
	return out
}

// interrupted converts a turn cut short by its context into TimedOut or
// Cancelled and asks the remote service to stop the run.
func (c *Coordinator) interrupted(parent context.Context, sess sessions.Context, turn *Turn, out Outcome) Outcome {
	if parent.Err() != nil {
		out.State, out.Reason, out.Err = StateCancelled, ReasonCancelled, parent.Err()
	} else {
		out.State, out.Reason, out.Err = StateTimedOut, ReasonTimeout, ErrTurnTimeout
	}
	turn.Pending = nil
	if turn.RunID == "" {
		return out
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.config.CancelTimeout)
	defer cancel()
	err := c.client.CancelRun(cctx, sess.ThreadID, turn.RunID)
	c.metrics.RecordRemoteCall("cancel_run", err)
	if err != nil {
		c.logger.WarnContext(parent, "failed to cancel remote run", "run_id", turn.RunID, "error", err)
	}
	return out
}

func (c *Coordinator) drive(ctx context.Context, sess sessions.Context, turn *Turn) Outcome {
	var out Outcome

	if err := c.remote(ctx, "append_message", func(ctx context.Context) error {
		return c.client.AppendMessage(ctx, sess.ThreadID, turn.Input)
	}); err != nil {
		return failedWith(out, ReasonRemote, err)
	}

	var run assistant.Run
	if err := c.remote(ctx, "start_run", func(ctx context.Context) (err error) {
		run, err = c.client.StartRun(ctx, sess.ThreadID, c.config.Run)
		return err
	}); err != nil {
		return failedWith(out, ReasonRemote, err)
	}
	turn.RunID = run.ID
	turn.State = StatePolling
	c.logger.DebugContext(ctx, "run started", "run_id", run.ID)

	// answered holds every result produced this turn, by call id.
	answered := make(map[string]assistant.ToolResult)

	for {
		switch run.Status {
		case assistant.RunCompleted:
			return c.collectReply(ctx, sess, turn, out)

		case assistant.RunFailed, assistant.RunExpired, assistant.RunIncomplete:
			msg := run.LastError
			if msg == "" {
				msg = "no error detail"
			}
			return failedWith(out, ReasonRunFailed, fmt.Errorf("run %s %s: %s", run.ID, run.Status, msg))

		case assistant.RunCancelled:
			out.State, out.Reason = StateCancelled, ReasonCancelled
			out.Err = fmt.Errorf("run %s was cancelled remotely", run.ID)
			return out

		case assistant.RunRequiresAction:
			if len(run.ToolCalls) == 0 {
				c.logger.WarnContext(ctx, "run requires action without tool calls", "run_id", run.ID)
				break
			}
			results, fresh := c.answer(ctx, turn, run.ToolCalls, answered)
			if fresh == 0 {
				// Stale snapshot of a batch already submitted.
				break
			}
			out.ToolCalls += fresh

			var next assistant.Run
			if err := c.remote(ctx, "submit_tool_outputs", func(ctx context.Context) (err error) {
				next, err = c.client.SubmitToolResults(ctx, sess.ThreadID, run.ID, results)
				return err
			}); err != nil {
				return failedWith(out, ReasonRemote, err)
			}
			turn.Pending = nil
			turn.State = StatePolling
			if next.ID != "" {
				run = next
				continue
			}
		}

		if err := retry.Sleep(ctx, c.config.PollInterval); err != nil {
			return failedWith(out, ReasonRemote, err)
		}
		if err := c.remote(ctx, "get_run", func(ctx context.Context) (err error) {
			run, err = c.client.GetRun(ctx, sess.ThreadID, turn.RunID)
			return err
		}); err != nil {
			return failedWith(out, ReasonRemote, err)
		}
	}
}

// answer dispatches every call not yet answered this turn and returns one
// result per requested call, in request order, plus the number dispatched.
func (c *Coordinator) answer(ctx context.Context, turn *Turn, calls []assistant.ToolCall, answered map[string]assistant.ToolResult) ([]assistant.ToolResult, int) {
	var pending []assistant.ToolCall
	seen := make(map[string]bool, len(calls))
	for _, call := range calls {
		if _, done := answered[call.ID]; done || seen[call.ID] {
			continue
		}
		seen[call.ID] = true
		pending = append(pending, call)
	}
	if len(pending) == 0 {
		return nil, 0
	}

	turn.State = StateAwaitingTools
	turn.Pending = pending
	c.logger.InfoContext(ctx, "dispatching tool calls", "run_id", turn.RunID, "count", len(pending))

	mapper := iter.Mapper[assistant.ToolCall, assistant.ToolResult]{MaxGoroutines: c.config.MaxParallelTools}
	fresh := mapper.Map(pending, func(call *assistant.ToolCall) assistant.ToolResult {
		return c.dispatch(ctx, *call)
	})
	for _, res := range fresh {
		answered[res.CallID] = res
	}

	results := make([]assistant.ToolResult, 0, len(calls))
	emitted := make(map[string]bool, len(calls))
	for _, call := range calls {
		if emitted[call.ID] {
			continue
		}
		emitted[call.ID] = true
		results = append(results, answered[call.ID])
	}
	return results, len(pending)
}

// dispatch never panics; a panicking dispatcher yields an error result.
func (c *Coordinator) dispatch(ctx context.Context, call assistant.ToolCall) (res assistant.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "tool dispatch panicked", "capability", call.Name, "call_id", call.ID, "panic", fmt.Sprint(r))
			res = assistant.ToolResult{CallID: call.ID, Error: fmt.Sprintf("capability %s failed unexpectedly", call.Name)}
		}
	}()
	res = c.dispatcher.Dispatch(ctx, call)
	res.CallID = call.ID
	return res
}

func (c *Coordinator) collectReply(ctx context.Context, sess sessions.Context, turn *Turn, out Outcome) Outcome {
	var (
		text string
		ok   bool
	)
	if err := c.remote(ctx, "list_messages", func(ctx context.Context) (err error) {
		text, ok, err = c.client.LatestAssistantMessage(ctx, sess.ThreadID, turn.RunID)
		return err
	}); err != nil {
		return failedWith(out, ReasonRemote, err)
	}
	if !ok {
		return failedWith(out, ReasonMalformedResponse, ErrNoReply)
	}
	out.State = StateCompleted
	out.Reason = ReasonNone
	out.Reply = text
	return out
}

// remote runs one protocol call with retries on transient failures.
func (c *Coordinator) remote(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := c.tracer.TraceRemoteCall(ctx, op)
	defer span.End()

	res := retry.Do(ctx, c.config.Retry, func() error { return fn(ctx) })
	c.metrics.RecordRemoteCall(op, res.Err)
	if res.Err != nil {
		c.tracer.RecordError(span, res.Err)
		if !errors.Is(res.Err, context.Canceled) && !errors.Is(res.Err, context.DeadlineExceeded) {
			c.logger.WarnContext(ctx, "remote call failed", "op", op, "attempts", res.Attempts, "error", res.Err)
		}
	}
	return res.Err
}

func failedWith(out Outcome, reason Reason, err error) Outcome {
	out.State, out.Reason, out.Err = StateFailed, reason, err
	return out
}
