// Package briefing runs a scheduled turn and posts the reply to a channel.
package briefing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/threadline/internal/orchestrator"
)

// Handler runs turns. *orchestrator.Orchestrator satisfies it.
type Handler interface {
	Handle(ctx context.Context, ev orchestrator.Event, emit orchestrator.Emitter) orchestrator.Result
}

// Poster delivers text to a channel.
type Poster interface {
	Send(ctx context.Context, channelID, text string) error
}

// Config describes one briefing.
type Config struct {
	// Schedule is a standard five-field cron expression or a descriptor
	// such as @daily.
	Schedule string
	Location *time.Location

	ChannelID string
	UserID    string
	Prompt    string

	// Timeout bounds one run, posting included.
	Timeout time.Duration
}

// Scheduler fires the briefing on its schedule. Overlapping runs are
// skipped rather than queued.
type Scheduler struct {
	config   Config
	schedule cron.Schedule
	handler  Handler
	poster   Poster
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	lastRun time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now for fingerprints and Next.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New validates cfg and returns a stopped Scheduler.
func New(cfg Config, handler Handler, poster Poster, opts ...Option) (*Scheduler, error) {
	if handler == nil || poster == nil {
		return nil, errors.New("briefing: handler and poster are required")
	}
	if strings.TrimSpace(cfg.ChannelID) == "" || strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("briefing: channel and user are required")
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return nil, errors.New("briefing: prompt is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("briefing: invalid schedule %q: %w", cfg.Schedule, err)
	}

	s := &Scheduler{
		config:   cfg,
		schedule: schedule,
		handler:  handler,
		poster:   poster,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "briefing")
	return s, nil
}

// Next returns the next time the briefing fires.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(s.now().In(s.config.Location))
}

// Start begins firing on schedule. Runs use ctx, detached from its
// cancellation; Stop ends them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("briefing: already started")
	}

	clog := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(s.config.Location),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	runCtx := context.WithoutCancel(ctx)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.logger.Warn("briefing run failed", "error", err)
		}
	}))
	c.Start()
	s.cron = c
	s.logger.Info("briefing scheduled", "schedule", s.config.Schedule, "next", s.Next(), "channel_id", s.config.ChannelID)
	return nil
}

// Stop prevents further runs and waits for a running one until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs the briefing turn now. The reply is posted only when the turn
// produced one. Busy, failure and timeout notices are logged, not posted,
// since nobody asked for them in the channel.
func (s *Scheduler) RunOnce(ctx context.Context) (orchestrator.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	started := s.now()
	var parts []string
	collect := orchestrator.EmitterFunc(func(_ context.Context, text string) error {
		parts = append(parts, text)
		return nil
	})

	res := s.handler.Handle(ctx, orchestrator.Event{
		UserID:      s.config.UserID,
		Text:        s.config.Prompt,
		Fingerprint: "briefing:" + started.UTC().Format(time.RFC3339),
		Channel:     "briefing",
	}, collect)

	s.mu.Lock()
	s.lastRun = started
	s.mu.Unlock()

	if res.Status != orchestrator.StatusReplied {
		s.logger.Info("briefing produced nothing to post", "status", res.Status, "error", res.Err)
		if res.Err != nil {
			return res, fmt.Errorf("briefing turn %s: %w", res.Status, res.Err)
		}
		return res, nil
	}

	for i, part := range parts {
		if err := s.poster.Send(ctx, s.config.ChannelID, part); err != nil {
			return res, fmt.Errorf("briefing: post part %d of %d: %w", i+1, len(parts), err)
		}
	}
	s.logger.Info("briefing posted", "channel_id", s.config.ChannelID, "parts", len(parts), "duration", time.Since(started))
	return res, nil
}

// LastRun returns when the briefing last ran, or the zero time.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
