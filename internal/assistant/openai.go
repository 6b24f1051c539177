package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey      string
	AssistantID string

	// BaseURL overrides the API endpoint. Empty uses the public API.
	BaseURL string

	// Instructions and AdditionalInstructions apply to every run unless the
	// caller overrides them through RunOptions.
	Instructions           string
	AdditionalInstructions string
}

// OpenAIClient implements Client against the OpenAI Assistants API.
//
// OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	api         *openai.Client
	assistantID string
	defaults    RunOptions
}

// ErrMissingAssistantID is returned when no assistant id is configured.
var ErrMissingAssistantID = errors.New("assistant: assistant id is required")

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("assistant: api key is required")

// NewOpenAIClient creates a client bound to one remote assistant.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(cfg.AssistantID) == "" {
		return nil, ErrMissingAssistantID
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIClient{
		api:         openai.NewClientWithConfig(clientCfg),
		assistantID: cfg.AssistantID,
		defaults: RunOptions{
			Instructions:           cfg.Instructions,
			AdditionalInstructions: cfg.AdditionalInstructions,
		},
	}, nil
}

// AssistantID returns the remote assistant this client drives.
func (c *OpenAIClient) AssistantID() string {
	return c.assistantID
}

func (c *OpenAIClient) CreateThread(ctx context.Context) (string, error) {
	thread, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", wrapError("create_thread", err)
	}
	if thread.ID == "" {
		return "", &Error{Op: "create_thread", Kind: KindUnknown, Cause: errors.New("empty thread id")}
	}
	return thread.ID, nil
}

func (c *OpenAIClient) AppendMessage(ctx context.Context, threadID, text string) error {
	_, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: text,
	})
	return wrapError("append_message", err)
}

func (c *OpenAIClient) StartRun(ctx context.Context, threadID string, opts RunOptions) (Run, error) {
	if opts.Instructions == "" {
		opts.Instructions = c.defaults.Instructions
	}
	if opts.AdditionalInstructions == "" {
		opts.AdditionalInstructions = c.defaults.AdditionalInstructions
	}
	run, err := c.api.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID:            c.assistantID,
		Instructions:           opts.Instructions,
		AdditionalInstructions: opts.AdditionalInstructions,
	})
	if err != nil {
		return Run{}, wrapError("start_run", err)
	}
	return convertRun(run), nil
}

func (c *OpenAIClient) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	run, err := c.api.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return Run{}, wrapError("get_run", err)
	}
	return convertRun(run), nil
}

func (c *OpenAIClient) SubmitToolResults(ctx context.Context, threadID, runID string, results []ToolResult) (Run, error) {
	outputs := make([]openai.ToolOutput, 0, len(results))
	for _, r := range results {
		outputs = append(outputs, openai.ToolOutput{
			ToolCallID: r.CallID,
			Output:     r.Payload(),
		})
	}
	run, err := c.api.SubmitToolOutputs(ctx, threadID, runID, openai.SubmitToolOutputsRequest{
		ToolOutputs: outputs,
	})
	if err != nil {
		return Run{}, wrapError("submit_tool_outputs", err)
	}
	return convertRun(run), nil
}

func (c *OpenAIClient) LatestAssistantMessage(ctx context.Context, threadID, runID string) (string, bool, error) {
	limit := 20
	order := "desc"
	var run *string
	if runID != "" {
		run = &runID
	}
	list, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, run)
	if err != nil {
		return "", false, wrapError("list_messages", err)
	}
	for _, msg := range list.Messages {
		if msg.Role != string(openai.ThreadMessageRoleAssistant) {
			continue
		}
		if text := messageText(msg); text != "" {
			return text, true, nil
		}
	}
	return "", false, nil
}

func (c *OpenAIClient) CancelRun(ctx context.Context, threadID, runID string) error {
	_, err := c.api.CancelRun(ctx, threadID, runID)
	return wrapError("cancel_run", err)
}

func messageText(msg openai.Message) string {
	var parts []string
	for _, content := range msg.Content {
		if content.Text == nil {
			continue
		}
		if v := content.Text.Value; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

func convertRun(run openai.Run) Run {
	out := Run{
		ID:       run.ID,
		ThreadID: run.ThreadID,
		Status:   RunStatus(run.Status),
	}
	if run.LastError != nil {
		out.LastError = run.LastError.Message
	}
	if run.RequiredAction != nil && run.RequiredAction.SubmitToolOutputs != nil {
		for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
			})
		}
	}
	return out
}
