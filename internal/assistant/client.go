// Package assistant speaks the remote assistant "run" protocol: threads,
// messages, runs and tool-output submission.
package assistant

import (
	"context"
	"encoding/json"
)

// RunStatus is the remote status of a run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunIncomplete     RunStatus = "incomplete"
	RunExpired        RunStatus = "expired"
	RunCancelled      RunStatus = "cancelled"
)

// Terminal reports whether the remote service will not change the status again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunFailed, RunCompleted, RunIncomplete, RunExpired, RunCancelled:
		return true
	default:
		return false
	}
}

// ToolCall is a capability invocation requested by the assistant.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers exactly one ToolCall. Exactly one of Output or Error is
// meaningful; Error wins when both are set.
type ToolResult struct {
	CallID string `json:"call_id"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Failed reports whether the result carries an error.
func (r ToolResult) Failed() bool {
	return r.Error != ""
}

// Payload is the text submitted to the remote service for this result.
func (r ToolResult) Payload() string {
	if r.Error != "" {
		b, _ := json.Marshal(map[string]string{"error": r.Error})
		return string(b)
	}
	return r.Output
}

// Run is a snapshot of a remote run.
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	ToolCalls []ToolCall
	LastError string
}

// RunOptions are optional per-run overrides.
type RunOptions struct {
	Instructions           string
	AdditionalInstructions string
}

// Client is the remote assistant protocol.
//
// Implementations must be safe for concurrent use. Errors returned by a
// Client should be *Error values so callers can tell transient failures from
// permanent ones.
type Client interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID, text string) error
	StartRun(ctx context.Context, threadID string, opts RunOptions) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	SubmitToolResults(ctx context.Context, threadID, runID string, results []ToolResult) (Run, error)
	// LatestAssistantMessage returns the newest assistant-authored text for
	// the run. ok is false when the run produced no text.
	LatestAssistantMessage(ctx context.Context, threadID, runID string) (text string, ok bool, err error)
	CancelRun(ctx context.Context, threadID, runID string) error
}
