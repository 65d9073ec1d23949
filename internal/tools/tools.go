// Package tools implements the tool surface exposed to task agents:
// sandboxed file access, local LLM inference, image generation, and
// knowledge-base search. The registry maps tool names to instances.
package tools

import (
	"context"
	"net/http"

	"github.com/foremanhq/foreman/internal/config"
)

// Tool is one capability an agent can invoke during a tool round.
type Tool interface {
	// Name is the wire name the model calls.
	Name() string
	// Description tells the model when to use the tool.
	Description() string
	// Properties is the JSON-Schema properties object for the input.
	Properties() map[string]any
	// Required lists mandatory parameter names.
	Required() []string
	// Execute runs the tool. Errors are surfaced to the model as error
	// strings, never to the worker.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// Embedder produces embedding vectors for knowledge search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Registry maps tool names to instances.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry with all built-in tools registered.
// The HTTP client is shared across every HTTP-backed tool.
func NewRegistry(cfg *config.Config, client *http.Client, embedder Embedder) *Registry {
	r := &Registry{tools: make(map[string]Tool)}

	cache := newKnowledgeCache(cfg)
	for _, t := range []Tool{
		NewReadFileTool(cfg.ProjectsDir()),
		NewWriteFileTool(cfg.ProjectsDir()),
		NewLocalLLMTool(cfg, client),
		NewGenerateImageTool(cfg, client),
		NewSearchKnowledgeTool(cache, embedder),
		NewLookupTypeTool(cache),
	} {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// GetMany returns the named tools, skipping unknown names.
func (r *Registry) GetMany(names []string) []Tool {
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Names lists every registered tool name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// stringParam extracts a string parameter with a default.
func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// intParam extracts an integer parameter with a default. JSON numbers
// arrive as float64.
func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
