package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config invalid"
	}
	return "config invalid:\n- " + strings.Join(e.Issues, "\n- ")
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("version: %v", err)
	}

	if strings.TrimSpace(c.Assistant.APIKey) == "" {
		add("assistant.api_key is required")
	}
	if strings.TrimSpace(c.Assistant.AssistantID) == "" {
		add("assistant.assistant_id is required")
	}

	if c.Discord.Enabled && strings.TrimSpace(c.Discord.BotToken) == "" {
		add("discord.bot_token is required when discord is enabled")
	}
	if strings.ContainsAny(c.Discord.CommandPrefix, " \t\n") {
		add("discord.command_prefix must not contain whitespace")
	}

	if c.Turns.PollInterval <= 0 {
		add("turns.poll_interval must be positive")
	}
	if c.Turns.Timeout <= c.Turns.PollInterval {
		add("turns.timeout (%s) must exceed turns.poll_interval (%s)", c.Turns.Timeout, c.Turns.PollInterval)
	}
	if c.Turns.CancelTimeout < 0 {
		add("turns.cancel_timeout must not be negative")
	}
	if c.Turns.MaxParallelTools < 0 {
		add("turns.max_parallel_tools must not be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		add("retry.max_delay must be at least retry.initial_delay")
	}
	if c.Retry.Factor < 1 {
		add("retry.factor must be at least 1")
	}

	if c.Guard.RedeliveryWindow < 0 {
		add("guard.redelivery_window must not be negative")
	}

	switch c.Sessions.Directory.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Sessions.Directory.DSN) == "" {
			add("sessions.directory.dsn is required for driver %q", c.Sessions.Directory.Driver)
		}
	default:
		add("sessions.directory.driver must be memory, sqlite or postgres (got %q)", c.Sessions.Directory.Driver)
	}

	if tz := c.Capabilities.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("capabilities.timezone: %v", err)
		}
	}
	if g := c.Capabilities.Google; g.CredentialsFile == "" && (g.TokenFile != "" || g.Subject != "") {
		add("capabilities.google.credentials_file is required when token_file or subject is set")
	}

	if c.Reply.MaxLength < 0 {
		add("reply.max_length must not be negative")
	}
	if c.Discord.Enabled && c.Reply.MaxLength > 2000 {
		add("reply.max_length must not exceed the Discord limit of 2000")
	}

	if c.Briefing.Enabled {
		issues = append(issues, c.validateBriefing()...)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text (got %q)", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (c *Config) validateBriefing() []string {
	var issues []string
	b := c.Briefing
	if !c.Discord.Enabled {
		issues = append(issues, "briefing requires discord to be enabled")
	}
	if _, err := cron.ParseStandard(b.Schedule); err != nil {
		issues = append(issues, fmt.Sprintf("briefing.schedule: %v", err))
	}
	if b.Timezone != "" {
		if _, err := time.LoadLocation(b.Timezone); err != nil {
			issues = append(issues, fmt.Sprintf("briefing.timezone: %v", err))
		}
	}
	if strings.TrimSpace(b.ChannelID) == "" {
		issues = append(issues, "briefing.channel_id is required")
	}
	if strings.TrimSpace(b.UserID) == "" {
		issues = append(issues, "briefing.user_id is required")
	}
	if strings.TrimSpace(b.Prompt) == "" {
		issues = append(issues, "briefing.prompt is required")
	}
	return issues
}
