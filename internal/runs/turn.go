// Package runs drives one conversation turn through the remote run
// protocol: submit the message, poll the run, answer tool calls and fetch
// the reply.
package runs

import (
	"errors"
	"time"

	"github.com/haasonsaas/threadline/internal/assistant"
)

// State is a turn's position in the run state machine.
type State string

const (
	StateSubmitting    State = "submitting"
	StatePolling       State = "polling"
	StateAwaitingTools State = "awaiting_tools"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
	StateTimedOut      State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Reason tags why a turn did not complete.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonRemote            Reason = "remote"
	ReasonRunFailed         Reason = "run_failed"
	ReasonMalformedResponse Reason = "malformed_response"
	ReasonTimeout           Reason = "timeout"
	ReasonCancelled         Reason = "cancelled"
)

// ErrTurnTimeout is the Outcome error of a turn that hit its deadline.
var ErrTurnTimeout = errors.New("turn timed out")

// ErrNoReply is the Outcome error of a completed run without assistant text.
var ErrNoReply = errors.New("run completed without an assistant message")

// Turn is one user input being processed.
type Turn struct {
	ID        string
	Input     string
	RunID     string
	State     State
	StartedAt time.Time
	// Pending is non-empty only while State is StateAwaitingTools.
	Pending []assistant.ToolCall
}

// Outcome is the tagged result of RunTurn. Only Completed outcomes carry a
// Reply.
type Outcome struct {
	TurnID    string
	RunID     string
	State     State
	Reason    Reason
	Reply     string
	Err       error
	ToolCalls int
	Duration  time.Duration
}

// OK reports whether the turn completed with a reply.
func (o Outcome) OK() bool {
	return o.State == StateCompleted
}
