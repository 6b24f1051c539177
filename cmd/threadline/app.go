package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/haasonsaas/threadline/internal/assistant"
	"github.com/haasonsaas/threadline/internal/capabilities"
	"github.com/haasonsaas/threadline/internal/capabilities/calendar"
	"github.com/haasonsaas/threadline/internal/capabilities/email"
	"github.com/haasonsaas/threadline/internal/capabilities/google"
	"github.com/haasonsaas/threadline/internal/capabilities/websearch"
	"github.com/haasonsaas/threadline/internal/config"
	"github.com/haasonsaas/threadline/internal/guard"
	"github.com/haasonsaas/threadline/internal/observability"
	"github.com/haasonsaas/threadline/internal/orchestrator"
	"github.com/haasonsaas/threadline/internal/reply"
	"github.com/haasonsaas/threadline/internal/runs"
	"github.com/haasonsaas/threadline/internal/sessions"
)

// app is the assembled conversation pipeline shared by serve and chat.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	client       *assistant.OpenAIClient
	registry     *capabilities.Registry
	searcher     *websearch.Searcher
	store        *sessions.Store
	guard        *guard.Guard
	orchestrator *orchestrator.Orchestrator

	closers []func(context.Context) error
}

// newLogger builds the process logger from the logging section. debug
// forces the debug level.
func newLogger(cfg config.LoggingConfig, debug bool, out io.Writer) *slog.Logger {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Format,
		Output:         out,
		AddSource:      cfg.AddSource,
		RedactPatterns: cfg.RedactPatterns,
	})
}

func newTracer(cfg *config.Config) (*observability.Tracer, func(context.Context) error) {
	return observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
}

func newAssistantClient(cfg *config.Config) (*assistant.OpenAIClient, error) {
	client, err := assistant.NewOpenAIClient(assistant.OpenAIConfig{
		APIKey:                 cfg.Assistant.APIKey,
		AssistantID:            cfg.Assistant.AssistantID,
		BaseURL:                cfg.Assistant.BaseURL,
		Instructions:           cfg.Assistant.Instructions,
		AdditionalInstructions: cfg.Assistant.AdditionalInstructions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create assistant client: %w", err)
	}
	return client, nil
}

// buildCapabilities registers every capability. Backends without
// credentials stay registered and answer with capabilities.ErrNotConfigured.
func buildCapabilities(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*capabilities.Registry, *websearch.Searcher, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid capabilities.timezone: %w", err)
	}

	var (
		cal  *calendar.Client
		mail *email.Client
	)
	if cfg.Capabilities.Google.Enabled() {
		httpClient, err := google.NewHTTPClient(ctx, cfg.Capabilities.Google,
			google.ScopeCalendar, google.ScopeGmailReadonly, google.ScopeGmailSend)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create google client: %w", err)
		}
		cal = calendar.NewClient(httpClient, cfg.Capabilities.Calendar.CalendarID, loc)
		var mailOpts []email.Option
		if cfg.Capabilities.Email.From != "" {
			mailOpts = append(mailOpts, email.WithFrom(cfg.Capabilities.Email.From))
		}
		mail = email.NewClient(httpClient, mailOpts...)
	} else {
		logger.Info("google credentials not configured; calendar and email capabilities disabled")
	}

	var searcher *websearch.Searcher
	if cfg.Capabilities.WebSearch.Enabled() {
		searcher = websearch.NewSearcher(cfg.Capabilities.WebSearch)
	} else {
		logger.Info("web search not configured; web-search capability disabled")
	}

	registry, err := capabilities.NewRegistry([]capabilities.Capability{
		calendar.ReadCapability(cal),
		calendar.WriteCapability(cal),
		email.ReadCapability(mail),
		email.WriteCapability(mail),
		websearch.Capability(searcher),
	},
		capabilities.WithLogger(logger),
		capabilities.WithMetrics(metrics),
		capabilities.WithTracer(tracer),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build capability registry: %w", err)
	}
	return registry, searcher, nil
}

func openDirectory(ctx context.Context, cfg config.DirectoryConfig) (sessions.Directory, func(context.Context) error, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return sessions.NewMemoryDirectory(), nil, nil
	}
	dir, err := sessions.OpenSQLDirectory(ctx, sessions.SQLConfig{
		Driver:          sessions.Dialect(cfg.Driver),
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open thread directory: %w", err)
	}
	return dir, func(context.Context) error { return dir.Close() }, nil
}

// newApp wires the pipeline. Callers must Close the returned app.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics, tracer: tracer}

	client, err := newAssistantClient(cfg)
	if err != nil {
		return nil, err
	}
	a.client = client

	a.registry, a.searcher, err = buildCapabilities(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		return nil, err
	}

	directory, closeDir, err := openDirectory(ctx, cfg.Sessions.Directory)
	if err != nil {
		return nil, err
	}
	if closeDir != nil {
		a.closers = append(a.closers, closeDir)
	}

	a.store = sessions.NewStore(client,
		sessions.WithDirectory(directory),
		sessions.WithConfig(sessions.Config{
			Retry:         cfg.Retry,
			CreateTimeout: cfg.Sessions.CreateTimeout,
		}),
		sessions.WithLogger(logger),
		sessions.WithMetrics(metrics),
	)

	a.guard = guard.New(cfg.Guard, guard.WithMetrics(metrics))

	coordinator := runs.NewCoordinator(client, a.registry, runs.Config{
		PollInterval:     cfg.Turns.PollInterval,
		TurnTimeout:      cfg.Turns.Timeout,
		CancelTimeout:    cfg.Turns.CancelTimeout,
		MaxParallelTools: cfg.Turns.MaxParallelTools,
		Retry:            cfg.Retry,
	},
		runs.WithLogger(logger),
		runs.WithMetrics(metrics),
		runs.WithTracer(tracer),
	)

	filter, err := reply.NewFilter(reply.Config{
		Phrases:       cfg.Reply.Phrases,
		Replacement:   cfg.Reply.Replacement,
		StripEmphasis: cfg.Reply.StripEmphasis,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("invalid reply filter: %w", err)
	}

	a.orchestrator = orchestrator.New(a.store, a.guard, coordinator, orchestrator.Config{
		MaxReplyLength: cfg.Reply.MaxLength,
		Messages:       orchestrator.Messages(cfg.Reply.Messages),
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithFilter(filter),
	)
	return a, nil
}

// stats reports the live counters shown by the status command.
func (a *app) stats() (active, users int, names []string) {
	return a.guard.Active(), a.store.Len(), a.registry.Names()
}

// search answers the direct search command.
func (a *app) search(ctx context.Context, query string) (string, error) {
	if a.searcher == nil {
		return "", capabilities.ErrNotConfigured
	}
	resp, err := a.searcher.Search(ctx, query, websearch.TypeGeneral, websearch.MaxResults)
	if err != nil {
		return "", err
	}
	return websearch.Format(resp), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
