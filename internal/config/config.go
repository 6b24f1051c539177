// Package config loads the threadline configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/threadline/internal/capabilities/google"
	"github.com/haasonsaas/threadline/internal/capabilities/websearch"
	"github.com/haasonsaas/threadline/internal/guard"
	"github.com/haasonsaas/threadline/internal/retry"
)

// Config is the main configuration structure for threadline.
type Config struct {
	Version      int                `yaml:"version"`
	Assistant    AssistantConfig    `yaml:"assistant"`
	Discord      DiscordConfig      `yaml:"discord"`
	Turns        TurnsConfig        `yaml:"turns"`
	Retry        retry.Config       `yaml:"retry"`
	Guard        guard.Config       `yaml:"guard"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Reply        ReplyConfig        `yaml:"reply"`
	Briefing     BriefingConfig     `yaml:"briefing"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// AssistantConfig points at the remote assistant.
type AssistantConfig struct {
	APIKey      string `yaml:"api_key"`
	AssistantID string `yaml:"assistant_id"`
	BaseURL     string `yaml:"base_url"`

	// Model is pushed by `assistant sync`. Empty keeps the remote model.
	Model string `yaml:"model"`

	// InstructionsFile is read by `assistant sync` and watched with --watch.
	InstructionsFile string `yaml:"instructions_file"`

	// Instructions and AdditionalInstructions are sent with every run.
	Instructions           string `yaml:"instructions"`
	AdditionalInstructions string `yaml:"additional_instructions"`
}

// DiscordConfig configures the Discord transport.
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`

	// AllowedChannels restricts guild channels the bot answers in. Empty
	// allows every channel. Direct messages are always answered unless
	// IgnoreDMs is set.
	AllowedChannels []string `yaml:"allowed_channels"`
	IgnoreDMs       bool     `yaml:"ignore_dms"`

	// CommandPrefix marks built-in commands such as !ping.
	CommandPrefix string `yaml:"command_prefix"`
}

// TurnsConfig tunes the run loop.
type TurnsConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	Timeout          time.Duration `yaml:"timeout"`
	CancelTimeout    time.Duration `yaml:"cancel_timeout"`
	MaxParallelTools int           `yaml:"max_parallel_tools"`
}

// SessionsConfig configures the user to thread directory.
type SessionsConfig struct {
	CreateTimeout time.Duration   `yaml:"create_timeout"`
	Directory     DirectoryConfig `yaml:"directory"`
}

// DirectoryConfig selects where user to thread mappings are kept.
type DirectoryConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CapabilitiesConfig holds credentials for the capability backends. A
// backend without credentials stays registered and reports itself as not
// configured when invoked.
type CapabilitiesConfig struct {
	Google google.Config `yaml:"google"`

	// Timezone is the IANA zone used to interpret calendar times.
	Timezone string `yaml:"timezone"`

	Calendar  CalendarConfig   `yaml:"calendar"`
	Email     EmailConfig      `yaml:"email"`
	WebSearch websearch.Config `yaml:"web_search"`
}

type CalendarConfig struct {
	CalendarID string `yaml:"calendar_id"`
}

type EmailConfig struct {
	// From overrides the sender address on outgoing mail.
	From string `yaml:"from"`
}

// ReplyConfig controls post-processing and delivery of replies.
type ReplyConfig struct {
	// MaxLength is the segment size in runes. Defaults to the Discord limit.
	MaxLength int `yaml:"max_length"`

	// Phrases replaced in replies. Unset uses the built-in list; an empty
	// list disables replacement.
	Phrases       []string `yaml:"phrases"`
	Replacement   string   `yaml:"replacement"`
	StripEmphasis bool     `yaml:"strip_emphasis"`

	Messages MessagesConfig `yaml:"messages"`
}

// MessagesConfig overrides the notices shown to users.
type MessagesConfig struct {
	Busy          string `yaml:"busy"`
	Failed        string `yaml:"failed"`
	TimedOut      string `yaml:"timed_out"`
	SessionFailed string `yaml:"session_failed"`
	Cancelled     string `yaml:"cancelled"`
	Reset         string `yaml:"reset"`
}

// BriefingConfig schedules a recurring turn whose reply is posted to a
// Discord channel.
type BriefingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a standard five-field cron expression.
	Schedule  string `yaml:"schedule"`
	Timezone  string `yaml:"timezone"`
	ChannelID string `yaml:"channel_id"`

	// UserID owns the thread the briefing runs in.
	UserID string `yaml:"user_id"`
	Prompt string `yaml:"prompt"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// MetricsConfig exposes Prometheus metrics and a health check.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location returns the capability timezone, or time.Local when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Capabilities.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Capabilities.Timezone)
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Discord.CommandPrefix == "" {
		cfg.Discord.CommandPrefix = "!"
	}

	if cfg.Turns.PollInterval == 0 {
		cfg.Turns.PollInterval = time.Second
	}
	if cfg.Turns.Timeout == 0 {
		cfg.Turns.Timeout = 60 * time.Second
	}
	if cfg.Turns.CancelTimeout == 0 {
		cfg.Turns.CancelTimeout = 5 * time.Second
	}
	if cfg.Turns.MaxParallelTools == 0 {
		cfg.Turns.MaxParallelTools = 8
	}

	defRetry := retry.DefaultConfig()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = defRetry.MaxAttempts
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = defRetry.InitialDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = defRetry.MaxDelay
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = defRetry.Factor
	}

	defGuard := guard.DefaultConfig()
	if cfg.Guard.RedeliveryWindow == 0 {
		cfg.Guard.RedeliveryWindow = defGuard.RedeliveryWindow
	}
	if cfg.Guard.MaxRemembered == 0 {
		cfg.Guard.MaxRemembered = defGuard.MaxRemembered
	}

	if cfg.Sessions.CreateTimeout == 0 {
		cfg.Sessions.CreateTimeout = 30 * time.Second
	}
	if cfg.Sessions.Directory.Driver == "" {
		cfg.Sessions.Directory.Driver = "memory"
	}
	if cfg.Sessions.Directory.Driver == "postgres" && cfg.Sessions.Directory.MaxOpenConns == 0 {
		cfg.Sessions.Directory.MaxOpenConns = 10
	}
	if cfg.Sessions.Directory.ConnMaxLifetime == 0 {
		cfg.Sessions.Directory.ConnMaxLifetime = 5 * time.Minute
	}

	if cfg.Capabilities.Calendar.CalendarID == "" {
		cfg.Capabilities.Calendar.CalendarID = "primary"
	}

	if cfg.Reply.MaxLength == 0 {
		cfg.Reply.MaxLength = 2000
	}

	if cfg.Briefing.Timezone == "" {
		cfg.Briefing.Timezone = cfg.Capabilities.Timezone
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "threadline"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}
