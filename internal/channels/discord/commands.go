package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	cmdPing   = "ping"
	cmdStatus = "status"
	cmdHelp   = "help"
	cmdSearch = "search"
	cmdReset  = "reset"
)

func knownCommand(name string) bool {
	switch name {
	case cmdPing, cmdStatus, cmdHelp, cmdSearch, cmdReset:
		return true
	}
	return false
}

// parseCommand splits "!search go generics" into ("search", "go generics").
func parseCommand(text, prefix string) (name, arg string, ok bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(text, prefix)
	name, arg, _ = strings.Cut(rest, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(arg), true
}

func (a *Adapter) runCommand(ctx context.Context, m *discordgo.Message, name, arg string) {
	emit := a.Emitter(m.ChannelID)
	var reply string

	switch name {
	case cmdPing:
		reply = "Pong!"
	case cmdHelp:
		reply = a.helpText()
	case cmdStatus:
		reply = a.statusText()
	case cmdReset:
		a.handler.Reset(ctx, m.Author.ID, emit)
		return
	case cmdSearch:
		reply = a.runSearch(ctx, arg)
	}

	if err := emit.Emit(ctx, reply); err != nil {
		a.logger.Warn("failed to answer command", "command", name, "error", err)
	}
}

func (a *Adapter) runSearch(ctx context.Context, query string) string {
	p := a.config.CommandPrefix
	if a.search == nil {
		return "Web search is not configured."
	}
	if query == "" {
		return fmt.Sprintf("Usage: %ssearch <query>", p)
	}
	out, err := a.search(ctx, query)
	if err != nil {
		a.logger.Warn("search command failed", "error", err)
		return fmt.Sprintf("Search failed: %v", err)
	}
	return out
}

func (a *Adapter) helpText() string {
	p := a.config.CommandPrefix
	var b strings.Builder
	b.WriteString("Mention me or send me a direct message to talk to the assistant.\n")
	b.WriteString("Commands:\n")
	fmt.Fprintf(&b, "%sping: check that I'm online\n", p)
	fmt.Fprintf(&b, "%sstatus: uptime and activity\n", p)
	fmt.Fprintf(&b, "%ssearch <query>: search the web directly\n", p)
	fmt.Fprintf(&b, "%sreset: forget our conversation and start fresh\n", p)
	fmt.Fprintf(&b, "%shelp: show this message", p)
	return b.String()
}

func (a *Adapter) statusText() string {
	a.mu.RLock()
	started := a.startedAt
	a.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Online")
	if !started.IsZero() {
		fmt.Fprintf(&b, " for %s", time.Since(started).Round(time.Second))
	}
	b.WriteString(".")
	if a.stats != nil {
		s := a.stats()
		fmt.Fprintf(&b, "\nActive turns: %d\nKnown users: %d", s.ActiveTurns, s.KnownUsers)
		if len(s.Capabilities) > 0 {
			fmt.Fprintf(&b, "\nCapabilities: %s", strings.Join(s.Capabilities, ", "))
		}
	}
	return b.String()
}
