package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/haasonsaas/threadline/internal/config"
	"github.com/haasonsaas/threadline/internal/orchestrator"
)

// ChatChannel tags events that arrive from the terminal.
const ChatChannel = "cli"

const chatPrompt = "you> "

// chatHandler is the part of the orchestrator the REPL drives.
type chatHandler interface {
	Handle(ctx context.Context, ev orchestrator.Event, emit orchestrator.Emitter) orchestrator.Result
	Reset(ctx context.Context, userID string, emit orchestrator.Emitter) orchestrator.Result
}

// lineReader reads one line of user input. It returns io.EOF when the user
// closes input.
type lineReader interface {
	ReadLine() (string, error)
	io.Writer
}

type plainReader struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (p *plainReader) ReadLine() (string, error) {
	fmt.Fprint(p.out, chatPrompt)
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.scanner.Text(), nil
}

func (p *plainReader) Write(b []byte) (int, error) { return p.out.Write(b) }

// =============================================================================
// Chat Command Handler
// =============================================================================

func runChat(ctx context.Context, configPath string, debug bool, userID string, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("--user must not be empty")
	}

	// Logs go to stderr so they do not interleave with the conversation;
	// below debug only warnings are shown.
	logging := cfg.Logging
	if !debug {
		logging.Level = "warn"
	}
	logger := newLogger(logging, debug, os.Stderr)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracer := newTracer(cfg)
	defer shutdownTracer(context.Background())

	a, err := newApp(ctx, cfg, logger, nil, tracer)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	reader, restore, err := newLineReader(in, out)
	if err != nil {
		return err
	}
	defer restore()

	fmt.Fprintf(reader, "threadline %s. Type /reset for a new thread, /quit to leave.\n", version)
	return chatLoop(ctx, reader, a.orchestrator, userID)
}

// newLineReader puts an interactive terminal into raw mode for line editing
// and history. Anything else is read line by line.
func newLineReader(in io.Reader, out io.Writer) (lineReader, func(), error) {
	inFile, inOK := in.(*os.File)
	outFile, outOK := out.(*os.File)
	if !inOK || !outOK || !term.IsTerminal(int(inFile.Fd())) || !term.IsTerminal(int(outFile.Fd())) {
		return &plainReader{scanner: bufio.NewScanner(in), out: out}, func() {}, nil
	}

	state, err := term.MakeRaw(int(inFile.Fd()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure terminal: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{inFile, outFile}, chatPrompt)
	if width, height, err := term.GetSize(int(outFile.Fd())); err == nil {
		_ = t.SetSize(width, height)
	}
	restore := func() { _ = term.Restore(int(inFile.Fd()), state) }
	return t, restore, nil
}

// chatLoop reads lines until EOF, /quit or cancellation. Each line is a turn
// with a fresh fingerprint.
func chatLoop(ctx context.Context, reader lineReader, handler chatHandler, userID string) error {
	emit := orchestrator.EmitterFunc(func(_ context.Context, text string) error {
		_, err := fmt.Fprintf(reader, "assistant> %s\n", text)
		return err
	})

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(reader)
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			handler.Reset(ctx, userID, emit)
			continue
		}

		res := handler.Handle(ctx, orchestrator.Event{
			UserID:      userID,
			Text:        line,
			Fingerprint: uuid.NewString(),
			Channel:     ChatChannel,
		}, emit)
		if res.Status == orchestrator.StatusSilent {
			fmt.Fprintln(reader, "(no reply)")
		}
	}
}
