// Package capabilities holds the closed set of named actions the remote
// assistant may invoke mid-conversation.
package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/threadline/internal/assistant"
	"github.com/haasonsaas/threadline/internal/observability"
)

// Handler executes a capability with validated JSON arguments and returns the
// text handed back to the assistant.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Capability is one named action with its argument schema.
type Capability struct {
	Name        string
	Description string
	// Schema is a JSON Schema document for the arguments object.
	Schema  json.RawMessage
	Handler Handler
}

// MaxArgumentsSize bounds the raw arguments accepted for a single call.
const MaxArgumentsSize = 1 << 20

// ErrNotConfigured is returned by handlers whose backing service has no
// credentials configured.
var ErrNotConfigured = errors.New("capability is not configured")

type entry struct {
	capability Capability
	schema     *jsonschema.Schema
}

// Registry maps capability names to handlers. It is built once by
// NewRegistry and never mutated, so lookups need no locking.
type Registry struct {
	entries map[string]entry
	names   []string
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records dispatch counts and latencies.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer creates a span per dispatch.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// NewRegistry compiles every capability schema and returns a registry.
// Duplicate names, missing handlers and invalid schemas are errors.
func NewRegistry(caps []Capability, opts ...Option) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]entry, len(caps)),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "capabilities")

	for _, c := range caps {
		if c.Name == "" {
			return nil, errors.New("capability name is required")
		}
		if _, dup := r.entries[c.Name]; dup {
			return nil, fmt.Errorf("duplicate capability %q", c.Name)
		}
		if c.Handler == nil {
			return nil, fmt.Errorf("capability %q has no handler", c.Name)
		}
		schemaDoc := c.Schema
		if len(schemaDoc) == 0 {
			schemaDoc = json.RawMessage(`{"type":"object"}`)
			c.Schema = schemaDoc
		}
		compiled, err := jsonschema.CompileString("capability_"+c.Name+".json", string(schemaDoc))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", c.Name, err)
		}
		r.entries[c.Name] = entry{capability: c, schema: compiled}
		r.names = append(r.names, c.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	e, ok := r.entries[name]
	return e.capability, ok
}

// Names returns the registered capability names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Definitions returns the tool definitions advertised to the remote assistant.
func (r *Registry) Definitions() []assistant.ToolDefinition {
	defs := make([]assistant.ToolDefinition, 0, len(r.names))
	for _, name := range r.names {
		c := r.entries[name].capability
		defs = append(defs, assistant.ToolDefinition{
			Name:        c.Name,
			Description: c.Description,
			Parameters:  c.Schema,
		})
	}
	return defs
}

// Dispatch validates and executes one tool call. It never returns an error
// and never panics: every failure becomes an error-bearing ToolResult.
func (r *Registry) Dispatch(ctx context.Context, call assistant.ToolCall) (result assistant.ToolResult) {
	start := time.Now()
	ctx, span := r.tracer.TraceToolDispatch(ctx, call.Name, call.ID)
	defer span.End()

	result.CallID = call.ID
	defer func() {
		status := "success"
		if result.Failed() {
			status = "error"
			r.tracer.RecordError(span, errors.New(result.Error))
		}
		r.metrics.RecordToolCall(call.Name, status, time.Since(start).Seconds())
	}()

	e, ok := r.entries[call.Name]
	if !ok {
		result.Error = fmt.Sprintf("unknown capability %q", call.Name)
		r.logger.WarnContext(ctx, "unknown capability requested", "capability", call.Name, "call_id", call.ID)
		return result
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if len(args) > MaxArgumentsSize {
		result.Error = fmt.Sprintf("arguments exceed %d bytes", MaxArgumentsSize)
		return result
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		result.Error = fmt.Sprintf("invalid arguments: %v", err)
		return result
	}
	if err := e.schema.Validate(decoded); err != nil {
		result.Error = fmt.Sprintf("invalid arguments: %v", err)
		return result
	}

	output, err := r.invoke(ctx, e.capability, args)
	if err != nil {
		result.Error = err.Error()
		r.logger.WarnContext(ctx, "capability failed", "capability", call.Name, "call_id", call.ID, "error", err)
		return result
	}
	result.Output = output
	return result
}

func (r *Registry) invoke(ctx context.Context, c Capability, args json.RawMessage) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "capability panicked",
				"capability", c.Name,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			output = ""
			err = fmt.Errorf("capability %s failed unexpectedly", c.Name)
		}
	}()
	return c.Handler(ctx, args)
}
