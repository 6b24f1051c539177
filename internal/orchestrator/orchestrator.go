// Package orchestrator turns an inbound chat message into a reply: it
// admits the turn, resolves the user's thread, runs the turn and emits the
// chunked reply or one user-facing notice.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/threadline/internal/chunk"
	"github.com/haasonsaas/threadline/internal/guard"
	"github.com/haasonsaas/threadline/internal/observability"
	"github.com/haasonsaas/threadline/internal/reply"
	"github.com/haasonsaas/threadline/internal/runs"
	"github.com/haasonsaas/threadline/internal/sessions"
)

// Event is one inbound message.
type Event struct {
	UserID string
	Text   string
	// Fingerprint identifies the delivery; redeliveries carry the same one.
	Fingerprint string
	// Channel names the transport, for logs.
	Channel string
}

// Emitter delivers outbound text to the user.
type Emitter interface {
	Emit(ctx context.Context, text string) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, text string) error

func (f EmitterFunc) Emit(ctx context.Context, text string) error { return f(ctx, text) }

// Resolver maps users to contexts. *sessions.Store satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (sessions.Context, error)
	Reset(ctx context.Context, userID string) error
}

// Runner executes turns. *runs.Coordinator satisfies it.
type Runner interface {
	RunTurn(ctx context.Context, sess sessions.Context, text string) runs.Outcome
}

// Status is what Handle did with an event.
type Status string

const (
	StatusReplied       Status = "replied"
	StatusSilent        Status = "silent"
	StatusIgnored       Status = "ignored"
	StatusDuplicate     Status = "duplicate"
	StatusBusy          Status = "busy"
	StatusSessionFailed Status = "session_failed"
	StatusFailed        Status = "failed"
	StatusTimedOut      Status = "timed_out"
	StatusCancelled     Status = "cancelled"
	StatusReset         Status = "reset"
)

// Result reports the handling of one event.
type Result struct {
	Status  Status
	Outcome runs.Outcome
	// Chunks is the number of reply segments emitted.
	Chunks int
	// Err is the underlying failure, including emit errors.
	Err error
}

// Messages are the user-facing notices, one per failure category.
type Messages struct {
	Busy          string `yaml:"busy"`
	Failed        string `yaml:"failed"`
	TimedOut      string `yaml:"timed_out"`
	SessionFailed string `yaml:"session_failed"`
	Cancelled     string `yaml:"cancelled"`
	Reset         string `yaml:"reset"`
}

// DefaultMessages returns the built-in notices.
func DefaultMessages() Messages {
	return Messages{
		Busy:          "I'm still working on your previous message. Please wait a moment.",
		Failed:        "Sorry, something went wrong while processing your request. Please try again.",
		TimedOut:      "This is taking longer than expected. I'm still working on it, please check back in a moment.",
		SessionFailed: "Sorry, I couldn't start a conversation right now. Please try again shortly.",
		Cancelled:     "Your request was cancelled.",
		Reset:         "Your conversation has been reset. Your next message starts fresh.",
	}
}

func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&m.Busy, d.Busy)
	fill(&m.Failed, d.Failed)
	fill(&m.TimedOut, d.TimedOut)
	fill(&m.SessionFailed, d.SessionFailed)
	fill(&m.Cancelled, d.Cancelled)
	fill(&m.Reset, d.Reset)
	return m
}

// Config configures an Orchestrator.
type Config struct {
	// MaxReplyLength is the transport's segment size in runes.
	MaxReplyLength int
	Messages       Messages
}

// Orchestrator is safe for concurrent use; transports call Handle from one
// goroutine per inbound event.
type Orchestrator struct {
	resolver Resolver
	guard    *guard.Guard
	runner   Runner
	filter   *reply.Filter
	config   Config
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFilter rewrites replies before chunking.
func WithFilter(f *reply.Filter) Option {
	return func(o *Orchestrator) { o.filter = f }
}

// New creates an Orchestrator.
func New(resolver Resolver, g *guard.Guard, runner Runner, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxReplyLength == 0 {
		cfg.MaxReplyLength = chunk.DiscordLimit
	}
	cfg.Messages = cfg.Messages.withDefaults()
	o := &Orchestrator{
		resolver: resolver,
		guard:    g,
		runner:   runner,
		config:   cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Handle processes one inbound event. The concurrency permit is released
// on every path before Handle returns.
func (o *Orchestrator) Handle(ctx context.Context, ev Event, emit Emitter) Result {
	ctx = observability.WithUserID(ctx, ev.UserID)
	text := strings.TrimSpace(ev.Text)
	if text == "" || ev.UserID == "" {
		return Result{Status: StatusIgnored}
	}

	permit, decision := o.guard.TryAcquire(ev.UserID, ev.Fingerprint)
	switch decision {
	case guard.Duplicate:
		o.logger.DebugContext(ctx, "dropping redelivered event", "fingerprint", ev.Fingerprint)
		return Result{Status: StatusDuplicate}
	case guard.Busy:
		o.logger.InfoContext(ctx, "turn already in flight", "fingerprint", ev.Fingerprint)
		return o.notify(ctx, emit, StatusBusy, o.config.Messages.Busy, nil)
	}
	defer permit.Release()

	start := time.Now()
	sess, err := o.resolver.Resolve(ctx, ev.UserID)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to resolve session", "error", err)
		return o.notify(ctx, emit, StatusSessionFailed, o.config.Messages.SessionFailed, err)
	}
	ctx = observability.WithThreadID(ctx, sess.ThreadID)

	out := o.runner.RunTurn(ctx, sess, text)
	res := o.deliver(ctx, emit, out)
	o.logger.InfoContext(ctx, "event handled",
		"channel", ev.Channel,
		"status", res.Status,
		"chunks", res.Chunks,
		"duration", time.Since(start),
	)
	return res
}

// Reset forgets the user's thread. It is refused with the busy notice while
// a turn is in flight for the user.
func (o *Orchestrator) Reset(ctx context.Context, userID string, emit Emitter) Result {
	ctx = observability.WithUserID(ctx, userID)
	permit, decision := o.guard.TryAcquire(userID, "")
	if decision != guard.Acquired {
		return o.notify(ctx, emit, StatusBusy, o.config.Messages.Busy, nil)
	}
	defer permit.Release()

	if err := o.resolver.Reset(ctx, userID); err != nil {
		o.logger.ErrorContext(ctx, "failed to reset session", "error", err)
		return o.notify(ctx, emit, StatusFailed, o.config.Messages.Failed, err)
	}
	return o.notify(ctx, emit, StatusReset, o.config.Messages.Reset, nil)
}

func (o *Orchestrator) deliver(ctx context.Context, emit Emitter, out runs.Outcome) Result {
	switch out.State {
	case runs.StateCompleted:
	case runs.StateTimedOut:
		return o.withOutcome(o.notify(ctx, emit, StatusTimedOut, o.config.Messages.TimedOut, out.Err), out)
	case runs.StateCancelled:
		return o.withOutcome(o.notify(ctx, emit, StatusCancelled, o.config.Messages.Cancelled, out.Err), out)
	default:
		err := out.Err
		if err == nil {
			err = fmt.Errorf("turn ended in state %s", out.State)
		}
		return o.withOutcome(o.notify(ctx, emit, StatusFailed, o.config.Messages.Failed, err), out)
	}

	res := Result{Status: StatusReplied, Outcome: out}
	text := strings.TrimSpace(o.filter.Apply(out.Reply))
	if text == "" || reply.IsSilent(text) {
		res.Status = StatusSilent
		return res
	}
	segments := chunk.Split(text, o.config.MaxReplyLength)
	for _, seg := range segments {
		if err := emit.Emit(ctx, seg); err != nil {
			o.logger.WarnContext(ctx, "failed to emit reply chunk", "chunk", res.Chunks+1, "of", len(segments), "error", err)
			res.Err = err
			return res
		}
		res.Chunks++
	}
	return res
}

func (o *Orchestrator) notify(ctx context.Context, emit Emitter, status Status, message string, cause error) Result {
	res := Result{Status: status, Err: cause}
	if err := emit.Emit(ctx, message); err != nil {
		o.logger.WarnContext(ctx, "failed to emit notice", "status", status, "error", err)
		res.Err = errors.Join(cause, err)
	}
	return res
}

func (o *Orchestrator) withOutcome(res Result, out runs.Outcome) Result {
	res.Outcome = out
	return res
}
