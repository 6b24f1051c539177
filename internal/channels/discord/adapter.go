// Package discord connects the orchestrator to Discord through discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/threadline/internal/chunk"
	"github.com/haasonsaas/threadline/internal/observability"
	"github.com/haasonsaas/threadline/internal/orchestrator"
	"github.com/haasonsaas/threadline/internal/retry"
)

// ChannelName labels Discord in logs and metrics.
const ChannelName = "discord"

// ErrNotConnected is returned by Send before Start or after Stop.
var ErrNotConnected = errors.New("discord: adapter not connected")

// discordSession is the subset of *discordgo.Session the adapter uses.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// Handler processes conversation turns. *orchestrator.Orchestrator
// satisfies it.
type Handler interface {
	Handle(ctx context.Context, ev orchestrator.Event, emit orchestrator.Emitter) orchestrator.Result
	Reset(ctx context.Context, userID string, emit orchestrator.Emitter) orchestrator.Result
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord Developer Portal.
	Token string

	// AllowedChannels restricts the guild channels the bot answers in.
	// Empty allows all channels.
	AllowedChannels []string

	// IgnoreDMs drops direct messages.
	IgnoreDMs bool

	// CommandPrefix marks built-in commands. Defaults to "!".
	CommandPrefix string

	// TypingInterval is how often the typing indicator is refreshed while a
	// turn runs. Discord shows it for about ten seconds.
	TypingInterval time.Duration

	// ConnectAttempts bounds the initial connection attempts, spaced by
	// exponential backoff starting at ConnectBackoff.
	ConnectAttempts int
	ConnectBackoff  time.Duration

	// SendRate and SendBurst shape outbound messages per second.
	SendRate  float64
	SendBurst int
}

func (c *Config) applyDefaults() error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("discord: token is required")
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "!"
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 8 * time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectBackoff == 0 {
		c.ConnectBackoff = time.Second
	}
	if c.SendRate == 0 {
		c.SendRate = 5
	}
	if c.SendBurst == 0 {
		c.SendBurst = 10
	}
	return nil
}

// Stats is reported by the status command.
type Stats struct {
	ActiveTurns  int
	KnownUsers   int
	Capabilities []string
}

// SearchFunc answers the search command directly, without a turn.
type SearchFunc func(ctx context.Context, query string) (string, error)

// Adapter receives Discord messages, hands them to the Handler and posts
// replies back to the originating channel.
type Adapter struct {
	config  Config
	handler Handler
	session discordSession
	limiter *rateLimiter
	allowed map[string]bool

	logger  *slog.Logger
	metrics *observability.Metrics
	search  SearchFunc
	stats   func() Stats

	mu        sync.RWMutex
	botID     string
	connected bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	// accepting gates new inbound work. wg.Add only happens under mu while
	// accepting is true, so Stop's wg.Wait never races an Add.
	accepting bool
	wg        sync.WaitGroup
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics counts inbound and outbound messages.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithSearch enables the search command.
func WithSearch(fn SearchFunc) Option {
	return func(a *Adapter) { a.search = fn }
}

// WithStats feeds the status command.
func WithStats(fn func() Stats) Option {
	return func(a *Adapter) { a.stats = fn }
}

// NewAdapter creates a Discord adapter. It does not connect until Start.
func NewAdapter(cfg Config, handler Handler, opts ...Option) (*Adapter, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("discord: handler is required")
	}
	a := &Adapter{
		config:  cfg,
		handler: handler,
		limiter: newRateLimiter(cfg.SendRate, cfg.SendBurst),
		allowed: make(map[string]bool, len(cfg.AllowedChannels)),
		logger:  slog.Default(),
	}
	for _, id := range cfg.AllowedChannels {
		if id = strings.TrimSpace(id); id != "" {
			a.allowed[id] = true
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("adapter", ChannelName)
	return a, nil
}

// Start opens the gateway connection and begins handling messages.
// discordgo reconnects on its own after the first successful Open.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return errors.New("discord: adapter already started")
	}
	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentGuildMessages |
			discordgo.IntentDirectMessages |
			discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.onReady)
	a.session.AddHandler(a.onMessageCreate)

	cfg := retry.Config{
		MaxAttempts:  a.config.ConnectAttempts,
		InitialDelay: a.config.ConnectBackoff,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		Jitter:       true,
	}
	result := retry.Do(ctx, cfg, func() error {
		err := a.session.Open()
		if err != nil {
			a.logger.Warn("connection failed, retrying", "error", err)
		}
		return err
	})
	if result.Err != nil {
		return fmt.Errorf("discord: connect after %d attempts: %w", result.Attempts, result.Err)
	}

	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.connected = true
	a.startedAt = time.Now()
	a.accepting = true
	a.logger.Info("discord adapter started", "allowed_channels", len(a.allowed))
	return nil
}

// Stop stops accepting messages, waits for in-flight turns until ctx is
// done, then cancels the rest and closes the connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected || !a.accepting {
		a.mu.Unlock()
		return nil
	}
	a.accepting = false
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("stop timeout, cancelling in-flight turns")
	}
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.cancel()

	if err := a.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// Send posts text to a channel, split at Discord's message limit and sent
// in order. It stops at the first failed part.
func (a *Adapter) Send(ctx context.Context, channelID, text string) error {
	a.mu.RLock()
	connected := a.connected
	a.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	for i, part := range chunk.Split(text, chunk.DiscordLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("discord: send cancelled: %w", err)
		}
		if _, err := a.session.ChannelMessageSend(channelID, part); err != nil {
			a.logger.Error("failed to send message",
				"channel_id", channelID,
				"part", i+1,
				"rate_limited", isRateLimited(err),
				"error", err)
			return fmt.Errorf("discord: send to %s: %w", channelID, err)
		}
		a.metrics.MessageSent(ChannelName)
	}
	return nil
}

// Emitter returns an orchestrator.Emitter that posts to channelID.
func (a *Adapter) Emitter(channelID string) orchestrator.Emitter {
	return orchestrator.EmitterFunc(func(ctx context.Context, text string) error {
		return a.Send(ctx, channelID, text)
	})
}

func (a *Adapter) onReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botID = r.User.ID
	a.mu.Unlock()
	a.logger.Info("discord connection ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	a.handleMessage(m.Message)
}

// handleMessage runs on discordgo's per-event goroutine and blocks for the
// length of the turn.
func (a *Adapter) handleMessage(m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	botID := a.selfID()
	if m.Author.ID == botID {
		return
	}

	isDM := m.GuildID == ""
	if isDM && a.config.IgnoreDMs {
		return
	}
	if !isDM && len(a.allowed) > 0 && !a.allowed[m.ChannelID] {
		return
	}

	text := strings.TrimSpace(stripMention(m.Content, botID))
	cmd, arg, isCommand := parseCommand(text, a.config.CommandPrefix)
	if isCommand && !knownCommand(cmd) {
		isCommand = false
	}
	if !isDM && !isCommand && !mentions(m, botID) {
		return
	}
	if text == "" {
		return
	}

	ctx, ok := a.begin()
	if !ok {
		return
	}
	defer a.wg.Done()

	a.metrics.MessageReceived(ChannelName)
	a.logger.Debug("received message",
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID,
		"dm", isDM,
		"content_length", len(text))

	if isCommand {
		a.runCommand(ctx, m, cmd, arg)
		return
	}

	a.sendTyping(m.ChannelID)
	typingCtx, stopTyping := context.WithCancel(ctx)
	go a.keepTyping(typingCtx, m.ChannelID)
	defer stopTyping()

	a.handler.Handle(ctx, orchestrator.Event{
		UserID:      m.Author.ID,
		Text:        text,
		Fingerprint: m.ID,
		Channel:     ChannelName,
	}, a.Emitter(m.ChannelID))
}

// keepTyping refreshes the typing indicator until ctx is done.
func (a *Adapter) keepTyping(ctx context.Context, channelID string) {
	ticker := time.NewTicker(a.config.TypingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendTyping(channelID)
		}
	}
}

func (a *Adapter) sendTyping(channelID string) {
	if err := a.session.ChannelTyping(channelID); err != nil {
		a.logger.Debug("typing indicator failed", "channel_id", channelID, "error", err)
	}
}

func (a *Adapter) selfID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID
}

// begin registers one unit of inbound work. It reports false once Stop has
// begun or before Start; callers that get true must call a.wg.Done.
func (a *Adapter) begin() (context.Context, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.accepting {
		return nil, false
	}
	a.wg.Add(1)
	return a.ctx, true
}

func mentions(m *discordgo.Message, botID string) bool {
	if botID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return strings.Contains(m.Content, "<@"+botID+">") || strings.Contains(m.Content, "<@!"+botID+">")
}

// stripMention removes the bot's user and nickname mentions.
func stripMention(content, botID string) string {
	if botID == "" {
		return content
	}
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	return content
}

func isRateLimited(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusTooManyRequests
	}
	return strings.Contains(err.Error(), "429")
}
