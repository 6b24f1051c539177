package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/threadline/internal/assistant"
	"github.com/haasonsaas/threadline/internal/config"
	"github.com/haasonsaas/threadline/internal/retry"
)

const instructionsDebounce = 500 * time.Millisecond

// syncer is the part of the assistant client used by sync.
type syncer interface {
	Sync(ctx context.Context, req assistant.SyncRequest) (assistant.SyncResult, error)
}

// =============================================================================
// Assistant Sync Handler
// =============================================================================

func runAssistantSync(ctx context.Context, configPath string, debug, watch bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Logging, debug, os.Stderr)

	client, err := newAssistantClient(cfg)
	if err != nil {
		return err
	}
	registry, _, err := buildCapabilities(ctx, cfg, logger, nil, nil)
	if err != nil {
		return err
	}

	instructionsFile := instructionsPath(cfg, configPath)
	s := &instructionSync{
		client: client,
		retry:  cfg.Retry,
		model:  cfg.Assistant.Model,
		file:   instructionsFile,
		inline: cfg.Assistant.Instructions,
		tools:  registry.Definitions(),
		out:    out,
		logger: logger,
	}
	if err := s.run(ctx); err != nil {
		return err
	}
	if !watch {
		return nil
	}
	if instructionsFile == "" {
		return errors.New("--watch requires assistant.instructions_file")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	fmt.Fprintf(out, "watching %s for changes (Ctrl-C to stop)\n", instructionsFile)
	return assistant.WatchFile(ctx, instructionsFile, instructionsDebounce, func(ctx context.Context) {
		if err := s.run(ctx); err != nil {
			logger.Error("assistant sync failed", "error", err)
		}
	}, logger)
}

// instructionsPath resolves assistant.instructions_file relative to the
// configuration file.
func instructionsPath(cfg *config.Config, configPath string) string {
	file := strings.TrimSpace(cfg.Assistant.InstructionsFile)
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(filepath.Dir(configPath), file)
}

type instructionSync struct {
	client syncer
	retry  retry.Config
	model  string
	file   string
	inline string
	tools  []assistant.ToolDefinition
	out    io.Writer
	logger *slog.Logger
}

func (s *instructionSync) instructions() (string, error) {
	if s.file == "" {
		if strings.TrimSpace(s.inline) == "" {
			return "", errors.New("no instructions: set assistant.instructions_file or assistant.instructions")
		}
		return s.inline, nil
	}
	data, err := os.ReadFile(s.file)
	if err != nil {
		return "", fmt.Errorf("read instructions: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("instructions file %s is empty", s.file)
	}
	return text, nil
}

func (s *instructionSync) run(ctx context.Context) error {
	text, err := s.instructions()
	if err != nil {
		return err
	}

	policy := s.retry
	policy.Retryable = assistant.IsTransient
	res, result := retry.DoWithValue(ctx, policy, func() (assistant.SyncResult, error) {
		return s.client.Sync(ctx, assistant.SyncRequest{
			Model:        s.model,
			Instructions: text,
			Tools:        s.tools,
		})
	})
	if result.Err != nil {
		return fmt.Errorf("assistant sync failed after %d attempts: %w", result.Attempts, result.Err)
	}

	s.logger.Info("assistant synced", "assistant_id", res.AssistantID, "model", res.Model, "tools", len(res.ToolNames))
	fmt.Fprintf(s.out, "synced assistant %s (model %s) with %d tools: %s\n",
		res.AssistantID, res.Model, len(res.ToolNames), strings.Join(res.ToolNames, ", "))
	return nil
}
