// Package guard admits at most one turn per conversation context and drops
// redelivered inbound events.
package guard

import (
	"sync"
	"time"

	"github.com/haasonsaas/threadline/internal/observability"
)

// Decision is the outcome of TryAcquire.
type Decision int

const (
	// Acquired means the caller holds the context until Permit.Release.
	Acquired Decision = iota
	// Busy means another turn is in flight for the context.
	Busy
	// Duplicate means the fingerprint was already accepted.
	Duplicate
)

func (d Decision) String() string {
	switch d {
	case Acquired:
		return "acquired"
	case Busy:
		return "busy"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Config tunes duplicate detection.
type Config struct {
	// RedeliveryWindow keeps released fingerprints for this long so that a
	// late redelivery is still recognized. Zero forgets them on release.
	RedeliveryWindow time.Duration `yaml:"redelivery_window"`

	// MaxRemembered bounds the released fingerprints kept for the window.
	MaxRemembered int `yaml:"max_remembered"`
}

// DefaultConfig returns a ten minute redelivery window.
func DefaultConfig() Config {
	return Config{
		RedeliveryWindow: 10 * time.Minute,
		MaxRemembered:    10000,
	}
}

// Guard tracks in-flight contexts and accepted fingerprints.
type Guard struct {
	config  Config
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]string
	// accepted maps a fingerprint to its release time; zero while in flight.
	accepted map[string]time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithMetrics counts rejections.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard.
func New(cfg Config, opts ...Option) *Guard {
	if cfg.RedeliveryWindow < 0 {
		cfg.RedeliveryWindow = 0
	}
	if cfg.MaxRemembered <= 0 {
		cfg.MaxRemembered = DefaultConfig().MaxRemembered
	}
	g := &Guard{
		config:   cfg,
		now:      time.Now,
		inFlight: make(map[string]string),
		accepted: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryAcquire admits a turn for contextID. Duplicate is checked before Busy,
// so a redelivered event is dropped silently even while its original turn
// is still running. An empty fingerprint is never a duplicate.
func (g *Guard) TryAcquire(contextID, fingerprint string) (*Permit, Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if fingerprint != "" {
		if releasedAt, ok := g.accepted[fingerprint]; ok {
			if releasedAt.IsZero() || now.Sub(releasedAt) < g.config.RedeliveryWindow {
				g.metrics.RecordGuardRejection(Duplicate.String())
				return nil, Duplicate
			}
			delete(g.accepted, fingerprint)
		}
	}
	if _, busy := g.inFlight[contextID]; busy {
		g.metrics.RecordGuardRejection(Busy.String())
		return nil, Busy
	}

	g.inFlight[contextID] = fingerprint
	if fingerprint != "" {
		g.accepted[fingerprint] = time.Time{}
	}
	return &Permit{guard: g, contextID: contextID, fingerprint: fingerprint}, Acquired
}

// InFlight reports whether a turn holds contextID.
func (g *Guard) InFlight(contextID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[contextID]
	return ok
}

// Active returns the number of contexts with a turn in flight.
func (g *Guard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

func (g *Guard) release(contextID, fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inFlight, contextID)
	if fingerprint == "" {
		return
	}
	if g.config.RedeliveryWindow <= 0 {
		delete(g.accepted, fingerprint)
		return
	}
	now := g.now()
	g.accepted[fingerprint] = now
	g.prune(now)
}

// prune drops fingerprints past the window, then evicts the oldest released
// ones until the bound holds. In-flight fingerprints are never evicted.
func (g *Guard) prune(now time.Time) {
	for fp, releasedAt := range g.accepted {
		if !releasedAt.IsZero() && now.Sub(releasedAt) >= g.config.RedeliveryWindow {
			delete(g.accepted, fp)
		}
	}
	for len(g.accepted) > g.config.MaxRemembered {
		var oldestKey string
		var oldest time.Time
		for fp, releasedAt := range g.accepted {
			if releasedAt.IsZero() {
				continue
			}
			if oldestKey == "" || releasedAt.Before(oldest) {
				oldestKey, oldest = fp, releasedAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(g.accepted, oldestKey)
	}
}

// Permit is held for the duration of one turn.
type Permit struct {
	guard       *Guard
	contextID   string
	fingerprint string
	once        sync.Once
}

// Release frees the context. It is safe to call more than once and from
// any goroutine; only the first call has an effect.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.guard.release(p.contextID, p.fingerprint)
	})
}
