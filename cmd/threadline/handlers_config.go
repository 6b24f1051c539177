package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/threadline/internal/config"
)

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s is valid (version %d)\n", configPath, cfg.Version)
	fmt.Fprintf(out, "  discord:      %s\n", enabledString(cfg.Discord.Enabled))
	fmt.Fprintf(out, "  directory:    %s\n", cfg.Sessions.Directory.Driver)
	fmt.Fprintf(out, "  turn timeout: %s\n", cfg.Turns.Timeout)

	var backends []string
	if cfg.Capabilities.Google.Enabled() {
		backends = append(backends, "calendar", "email")
	}
	if cfg.Capabilities.WebSearch.Enabled() {
		backends = append(backends, "web-search")
	}
	if len(backends) == 0 {
		backends = append(backends, "none")
	}
	fmt.Fprintf(out, "  capabilities: %s\n", strings.Join(backends, ", "))

	briefing := enabledString(cfg.Briefing.Enabled)
	if cfg.Briefing.Enabled {
		briefing = fmt.Sprintf("%s (%s)", cfg.Briefing.Schedule, cfg.Briefing.Timezone)
	}
	fmt.Fprintf(out, "  briefing:     %s\n", briefing)
	return nil
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	if _, err := out.Write(schema); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

func enabledString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
