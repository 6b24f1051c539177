// Package sessions maps chat users to their remote conversation threads.
//
// A thread is created lazily on a user's first message and reused for every
// later turn. Concurrent first messages from the same user collapse onto a
// single creation.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/threadline/internal/assistant"
	"github.com/haasonsaas/threadline/internal/observability"
	"github.com/haasonsaas/threadline/internal/retry"
)

// ErrSessionCreationFailed is returned when a thread could not be created
// for a new user. Nothing is stored, so the next Resolve retries.
var ErrSessionCreationFailed = errors.New("session creation failed")

// Context is a user's durable conversation context.
type Context struct {
	UserID    string
	ThreadID  string
	CreatedAt time.Time
}

// ThreadCreator creates remote threads. assistant.Client satisfies it.
type ThreadCreator interface {
	CreateThread(ctx context.Context) (string, error)
}

// Config tunes thread creation.
type Config struct {
	// Retry governs CreateThread retries on transient failures.
	Retry retry.Config

	// CreateTimeout bounds one creation, including retries. Creation runs
	// detached from the first caller's context so that a caller giving up
	// does not fail the others waiting on the same user.
	CreateTimeout time.Duration
}

// DefaultConfig returns the default creation settings.
func DefaultConfig() Config {
	return Config{
		Retry:         retry.DefaultConfig(),
		CreateTimeout: 30 * time.Second,
	}
}

// Store resolves users to contexts.
type Store struct {
	creator   ThreadCreator
	directory Directory
	config    Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu       sync.RWMutex
	contexts map[string]Context

	group singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithDirectory persists the user to thread mapping.
func WithDirectory(d Directory) Option {
	return func(s *Store) {
		if d != nil {
			s.directory = d
		}
	}
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *Store) { s.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics counts created threads.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a Store. Without WithDirectory the mapping lives only
// in memory.
func NewStore(creator ThreadCreator, opts ...Option) *Store {
	s := &Store{
		creator:   creator,
		directory: NewMemoryDirectory(),
		config:    DefaultConfig(),
		logger:    slog.Default(),
		now:       time.Now,
		contexts:  make(map[string]Context),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.CreateTimeout <= 0 {
		s.config.CreateTimeout = DefaultConfig().CreateTimeout
	}
	if s.config.Retry.Retryable == nil {
		s.config.Retry.Retryable = assistant.IsTransient
	}
	s.logger = s.logger.With("component", "sessions")
	return s
}

// Resolve returns the context for userID, creating a remote thread on first
// contact. Errors from creation match ErrSessionCreationFailed.
func (s *Store) Resolve(ctx context.Context, userID string) (Context, error) {
	if strings.TrimSpace(userID) == "" {
		return Context{}, errors.New("sessions: user id is required")
	}
	if c, ok := s.cached(userID); ok {
		return c, nil
	}

	ch := s.group.DoChan(userID, func() (any, error) {
		return s.load(context.WithoutCancel(ctx), userID)
	})
	select {
	case <-ctx.Done():
		return Context{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Context{}, res.Err
		}
		return res.Val.(Context), nil
	}
}

// Peek returns the context for userID without creating one.
func (s *Store) Peek(userID string) (Context, bool) {
	return s.cached(userID)
}

// Reset forgets the user's thread so the next Resolve creates a fresh one.
// The remote thread itself is left in place. Callers must ensure no turn is
// in flight for the user.
func (s *Store) Reset(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.contexts, userID)
	s.mu.Unlock()

	if err := s.directory.Delete(ctx, userID); err != nil {
		return fmt.Errorf("sessions: forget %s: %w", userID, err)
	}
	s.logger.InfoContext(ctx, "session reset", "user_id", userID)
	return nil
}

// Len returns the number of cached contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

func (s *Store) cached(userID string) (Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[userID]
	return c, ok
}

// load runs at most once per user at a time. The context is published to
// the cache before the singleflight call returns, so callers arriving after
// it finishes hit the cache instead of creating again.
func (s *Store) load(ctx context.Context, userID string) (Context, error) {
	if c, ok := s.cached(userID); ok {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.CreateTimeout)
	defer cancel()

	stored, ok, err := s.directory.Lookup(ctx, userID)
	if err != nil {
		return Context{}, fmt.Errorf("%w: lookup %s: %w", ErrSessionCreationFailed, userID, err)
	}
	if ok {
		s.publish(stored)
		return stored, nil
	}

	threadID, result := retry.DoWithValue(ctx, s.config.Retry, func() (string, error) {
		return s.creator.CreateThread(ctx)
	})
	if result.Err != nil {
		s.logger.WarnContext(ctx, "thread creation failed",
			"user_id", userID,
			"attempts", result.Attempts,
			"error", result.Err,
		)
		return Context{}, fmt.Errorf("%w: %w", ErrSessionCreationFailed, result.Err)
	}
	if threadID == "" {
		return Context{}, fmt.Errorf("%w: empty thread id", ErrSessionCreationFailed)
	}

	c := Context{UserID: userID, ThreadID: threadID, CreatedAt: s.now()}
	if err := s.directory.Save(ctx, c); err != nil {
		// The remote thread exists; keep serving it from memory.
		s.logger.WarnContext(ctx, "failed to persist thread mapping",
			"user_id", userID,
			"thread_id", threadID,
			"error", err,
		)
	}
	s.publish(c)
	s.metrics.SessionCreated()
	s.logger.InfoContext(ctx, "thread created", "user_id", userID, "thread_id", threadID)
	return c, nil
}

func (s *Store) publish(c Context) {
	s.mu.Lock()
	s.contexts[c.UserID] = c
	s.mu.Unlock()
}
