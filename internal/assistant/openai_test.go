package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type fakeAPI struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]http.HandlerFunc
}

func newFakeAPI(t *testing.T) (*fakeAPI, *OpenAIClient) {
	t.Helper()
	api := &fakeAPI{t: t, handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)

	client, err := NewOpenAIClient(OpenAIConfig{
		APIKey:       "sk-test",
		AssistantID:  "asst_1",
		BaseURL:      srv.URL + "/v1",
		Instructions: "be brief",
	})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	return api, client
}

func (f *fakeAPI) handle(method, path string, h http.HandlerFunc) {
	f.handlers[method+" "+path] = h
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   string(body),
	})
	h, ok := f.handlers[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeAPI) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		f.t.Fatal("no requests recorded")
	}
	return f.requests[len(f.requests)-1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewOpenAIClient_Validation(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{AssistantID: "a"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"}); !errors.Is(err, ErrMissingAssistantID) {
		t.Fatalf("expected ErrMissingAssistantID, got %v", err)
	}
}

func TestOpenAIClient_CreateThread(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle(http.MethodPost, "/v1/threads", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "thread_abc", "object": "thread"})
	})

	id, err := client.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if id != "thread_abc" {
		t.Fatalf("thread id = %q, want thread_abc", id)
	}
}

func TestOpenAIClient_AppendMessage(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle(http.MethodPost, "/v1/threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "msg_1"})
	})

	if err := client.AppendMessage(context.Background(), "thread_1", "hello there"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	req := api.last()
	if !strings.Contains(req.Body, `"role":"user"`) || !strings.Contains(req.Body, `"content":"hello there"`) {
		t.Fatalf("unexpected body %s", req.Body)
	}
}

func TestOpenAIClient_StartRunUsesDefaults(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle(http.MethodPost, "/v1/threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "run_1", "thread_id": "thread_1", "status": "queued"})
	})

	run, err := client.StartRun(context.Background(), "thread_1", RunOptions{AdditionalInstructions: "today is monday"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.ID != "run_1" || run.Status != RunQueued {
		t.Fatalf("unexpected run %+v", run)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(api.last().Body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["assistant_id"] != "asst_1" {
		t.Errorf("assistant_id = %v", body["assistant_id"])
	}
	if body["instructions"] != "be brief" {
		t.Errorf("instructions = %v", body["instructions"])
	}
	if body["additional_instructions"] != "today is monday" {
		t.Errorf("additional_instructions = %v", body["additional_instructions"])
	}
}

func TestOpenAIClient_GetRunRequiresAction(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle(http.MethodGet, "/v1/threads/thread_1/runs/run_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":        "run_1",
			"thread_id": "thread_1",
			"status":    "requires_action",
			"required_action": map[string]any{
				"type": "submit_tool_outputs",
				"submit_tool_outputs": map[string]any{
					"tool_calls": []map[string]any{
						{"id": "call_1", "type": "function", "function": map[string]any{"name": "calendar-read", "arguments": `{"range":"today"}`}},
						{"id": "call_2", "type": "function", "function": map[string]any{"name": "web-search"}},
					},
				},
			},
		})
	})

	run, err := client.GetRun(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != RunRequiresAction {
		t.Fatalf("status = %s", run.Status)
	}
	if len(run.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(run.ToolCalls))
	}
	if run.ToolCalls[0].Name != "calendar-read" || string(run.ToolCalls[0].Arguments) != `{"range":"today"}` {
		t.Errorf("unexpected first call %+v", run.ToolCalls[0])
	}
	if string(run.ToolCalls[1].Arguments) != "{}" {
		t.Errorf("empty arguments should default to {}, got %s", run.ToolCalls[1].Arguments)
	}
}

func TestOpenAIClient_SubmitToolResults(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle(http.MethodPost, "/v1/threads/thread_1/runs/run_1/submit_tool_outputs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "run_1", "status": "in_progress"})
	})

	_, err := client.SubmitToolResults(context.Background(), "thread_1", "run_1", []ToolResult{
		{CallID: "call_1", Output: "No events today."},
		{CallID: "call_2", Error: "web search is not configured"},
	})
	if err != nil {
		t.Fatalf("SubmitToolResults() error = %v", err)
	}

	var body struct {
		ToolOutputs []struct {
			ToolCallID string `json:"tool_call_id"`
			Output     string `json:"output"`
		} `json:"tool_outputs"`
	}
	if err := json.Unmarshal([]byte(api.last().Body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.ToolOutputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(body.ToolOutputs))
	}
	if body.ToolOutputs[0].Output != "No events today." {
		t.Errorf("output[0] = %q", body.ToolOutputs[0].Output)
	}
	if body.ToolOutputs[1].Output != `{"error":"web search is not configured"}` {
		t.Errorf("output[1] = %q", body.ToolOutputs[1].Output)
	}
}

func TestOpenAIClient_LatestAssistantMessage(t *testing.T) {
	tests := []struct {
		name     string
		messages []map[string]any
		wantText string
		wantOK   bool
	}{
		{
			name: "newest assistant message",
			messages: []map[string]any{
				{"id": "m3", "role": "assistant", "content": []map[string]any{{"type": "text", "text": map[string]any{"value": "You have no events today."}}}},
				{"id": "m2", "role": "user", "content": []map[string]any{{"type": "text", "text": map[string]any{"value": "what's on today?"}}}},
			},
			wantText: "You have no events today.",
			wantOK:   true,
		},
		{
			name: "skips empty assistant content",
			messages: []map[string]any{
				{"id": "m3", "role": "assistant", "content": []map[string]any{{"type": "image_file", "image_file": map[string]any{"file_id": "f"}}}},
				{"id": "m2", "role": "assistant", "content": []map[string]any{{"type": "text", "text": map[string]any{"value": "earlier"}}}},
			},
			wantText: "earlier",
			wantOK:   true,
		},
		{
			name: "no assistant message",
			messages: []map[string]any{
				{"id": "m2", "role": "user", "content": []map[string]any{{"type": "text", "text": map[string]any{"value": "hi"}}}},
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, client := newFakeAPI(t)
			api.handle(http.MethodGet, "/v1/threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": tt.messages})
			})

			text, ok, err := client.LatestAssistantMessage(context.Background(), "thread_1", "run_9")
			if err != nil {
				t.Fatalf("LatestAssistantMessage() error = %v", err)
			}
			if ok != tt.wantOK || text != tt.wantText {
				t.Fatalf("got (%q, %v), want (%q, %v)", text, ok, tt.wantText, tt.wantOK)
			}
			query := api.last().Query
			if !strings.Contains(query, "run_id=run_9") || !strings.Contains(query, "order=desc") {
				t.Errorf("unexpected query %q", query)
			}
		})
	}
}

func TestOpenAIClient_CancelRun(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle(http.MethodPost, "/v1/threads/thread_1/runs/run_1/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "run_1", "status": "cancelling"})
	})

	if err := client.CancelRun(context.Background(), "thread_1", "run_1"); err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
}

func TestOpenAIClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantKind      Kind
		wantTransient bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, KindRateLimit, true},
		{"server error", http.StatusBadGateway, `bad gateway`, KindServer, true},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth"}}`, KindAuth, false},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"run active","type":"invalid_request_error"}}`, KindInvalidRequest, false},
		{"not found", http.StatusNotFound, `{"error":{"message":"no thread","type":"invalid_request_error"}}`, KindNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, client := newFakeAPI(t)
			api.handle(http.MethodPost, "/v1/threads", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := client.CreateThread(context.Background())
			var ae *Error
			if !errors.As(err, &ae) {
				t.Fatalf("expected *Error, got %T %v", err, err)
			}
			if ae.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", ae.Kind, tt.wantKind)
			}
			if ae.Status != tt.status {
				t.Errorf("status = %d, want %d", ae.Status, tt.status)
			}
			if IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", IsTransient(err), tt.wantTransient)
			}
			if ae.Op != "create_thread" {
				t.Errorf("op = %q", ae.Op)
			}
		})
	}
}

func TestOpenAIClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", AssistantID: "a", BaseURL: url})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	_, err = client.GetRun(context.Background(), "t", "r")
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestOpenAIClient_CanceledContextIsPermanent(t *testing.T) {
	_, client := newFakeAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetRun(ctx, "t", "r")
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != KindCanceled {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if IsTransient(err) {
		t.Fatal("canceled calls must not be retried")
	}
}

func TestOpenAIClient_Sync(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle(http.MethodGet, "/v1/assistants/asst_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":    "asst_1",
			"model": "gpt-4o",
			"tools": []map[string]any{
				{"type": "file_search"},
				{"type": "function", "function": map[string]any{"name": "stale-tool"}},
			},
		})
	})
	var modified map[string]any
	api.handle(http.MethodPost, "/v1/assistants/asst_1", func(w http.ResponseWriter, r *http.Request) {
		body := api.last().Body
		if err := json.Unmarshal([]byte(body), &modified); err != nil {
			t.Errorf("decode modify body: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":    "asst_1",
			"model": "gpt-4o",
			"tools": []map[string]any{
				{"type": "file_search"},
				{"type": "function", "function": map[string]any{"name": "web-search"}},
			},
		})
	})

	res, err := client.Sync(context.Background(), SyncRequest{
		Instructions: "You are a scheduling assistant.",
		Tools: []ToolDefinition{{
			Name:        "web-search",
			Description: "Search the web",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		}},
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Model != "gpt-4o" || len(res.ToolNames) != 1 || res.ToolNames[0] != "web-search" {
		t.Fatalf("unexpected result %+v", res)
	}

	if modified["model"] != "gpt-4o" {
		t.Errorf("model = %v, want current model kept", modified["model"])
	}
	if modified["instructions"] != "You are a scheduling assistant." {
		t.Errorf("instructions = %v", modified["instructions"])
	}
	tools, _ := modified["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want file_search plus one function", len(tools))
	}
	for _, raw := range tools {
		tool := raw.(map[string]any)
		if fn, ok := tool["function"].(map[string]any); ok && fn["name"] == "stale-tool" {
			t.Error("stale function tool should be replaced")
		}
	}
}
