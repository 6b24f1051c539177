package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/threadline/internal/briefing"
	"github.com/haasonsaas/threadline/internal/channels/discord"
	"github.com/haasonsaas/threadline/internal/config"
	"github.com/haasonsaas/threadline/internal/observability"
)

const shutdownTimeout = 30 * time.Second

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, connects Discord and blocks until a shutdown
// signal or a fatal server error.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Discord.Enabled {
		return errors.New("discord is not enabled; set discord.enabled or use `threadline chat`")
	}

	logger := newLogger(cfg.Logging, debug, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting threadline",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	tracer, shutdownTracer := newTracer(cfg)
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		return err
	}

	adapterOpts := []discord.Option{
		discord.WithLogger(logger),
		discord.WithMetrics(metrics),
		discord.WithStats(func() discord.Stats {
			active, users, names := a.stats()
			return discord.Stats{ActiveTurns: active, KnownUsers: users, Capabilities: names}
		}),
	}
	if a.searcher != nil {
		adapterOpts = append(adapterOpts, discord.WithSearch(a.search))
	}
	adapter, err := discord.NewAdapter(discord.Config{
		Token:           cfg.Discord.BotToken,
		AllowedChannels: cfg.Discord.AllowedChannels,
		IgnoreDMs:       cfg.Discord.IgnoreDMs,
		CommandPrefix:   cfg.Discord.CommandPrefix,
	}, a.orchestrator, adapterOpts...)
	if err != nil {
		a.Close(ctx)
		return fmt.Errorf("failed to create discord adapter: %w", err)
	}

	var scheduler *briefing.Scheduler
	if cfg.Briefing.Enabled {
		scheduler, err = newBriefing(cfg, a, adapter, logger)
		if err != nil {
			a.Close(ctx)
			return err
		}
	}

	errCh := make(chan error, 2)
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = newMetricsServer(cfg.Metrics)
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if err := adapter.Start(ctx); err != nil {
		shutdown(logger, nil, nil, metricsServer, a, shutdownTracer)
		return fmt.Errorf("failed to start discord: %w", err)
	}
	if scheduler != nil {
		if err := scheduler.Start(ctx); err != nil {
			shutdown(logger, adapter, nil, metricsServer, a, shutdownTracer)
			return fmt.Errorf("failed to start briefing: %w", err)
		}
		logger.Info("briefing scheduled", "schedule", cfg.Briefing.Schedule, "next", scheduler.Next())
	}

	logger.Info("threadline started", "capabilities", a.registry.Names())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case runErr = <-errCh:
		logger.Error("server error, shutting down", "error", runErr)
	}

	if err := shutdown(logger, adapter, scheduler, metricsServer, a, shutdownTracer); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("threadline stopped")
	return runErr
}

func newBriefing(cfg *config.Config, a *app, adapter *discord.Adapter, logger *slog.Logger) (*briefing.Scheduler, error) {
	loc := time.Local
	if cfg.Briefing.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Briefing.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid briefing.timezone: %w", err)
		}
	}
	scheduler, err := briefing.New(briefing.Config{
		Schedule:  cfg.Briefing.Schedule,
		Location:  loc,
		ChannelID: cfg.Briefing.ChannelID,
		UserID:    cfg.Briefing.UserID,
		Prompt:    cfg.Briefing.Prompt,
	}, a.orchestrator, adapter, briefing.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create briefing: %w", err)
	}
	return scheduler, nil
}

func newMetricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// shutdown stops components in reverse start order. Nil components are
// skipped.
func shutdown(logger *slog.Logger, adapter *discord.Adapter, scheduler *briefing.Scheduler, server *http.Server, a *app, shutdownTracer func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if scheduler != nil {
		if err := scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("briefing: %w", err))
		}
	}
	if adapter != nil {
		if err := adapter.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("discord: %w", err))
		}
	}
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := shutdownTracer(ctx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	return errors.Join(errs...)
}
