package assistant

import (
	"context"
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
)

// ToolDefinition describes a function tool advertised to the remote assistant.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// SyncRequest is the remote assistant configuration pushed by Sync.
type SyncRequest struct {
	// Model keeps the assistant's current model when empty.
	Model        string
	Instructions string
	Tools        []ToolDefinition
}

// SyncResult reports what the remote assistant looks like after a sync.
type SyncResult struct {
	AssistantID string
	Model       string
	ToolNames   []string
}

// Sync replaces the remote assistant's instructions and function tools.
// Non-function tools (file search, code interpreter) already attached to the
// assistant are preserved.
func (c *OpenAIClient) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	current, err := c.api.RetrieveAssistant(ctx, c.assistantID)
	if err != nil {
		return SyncResult{}, wrapError("retrieve_assistant", err)
	}

	model := req.Model
	if model == "" {
		model = current.Model
	}

	tools := make([]openai.AssistantTool, 0, len(current.Tools)+len(req.Tools))
	for _, tool := range current.Tools {
		if tool.Type != openai.AssistantToolTypeFunction {
			tools = append(tools, tool)
		}
	}
	for _, def := range req.Tools {
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, openai.AssistantTool{
			Type: openai.AssistantToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}

	instructions := req.Instructions
	updated, err := c.api.ModifyAssistant(ctx, c.assistantID, openai.AssistantRequest{
		Model:        model,
		Instructions: &instructions,
		Tools:        tools,
	})
	if err != nil {
		return SyncResult{}, wrapError("modify_assistant", err)
	}

	result := SyncResult{AssistantID: updated.ID, Model: updated.Model}
	for _, tool := range updated.Tools {
		if tool.Function != nil {
			result.ToolNames = append(result.ToolNames, tool.Function.Name)
		}
	}
	return result, nil
}
