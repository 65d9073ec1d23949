// Package provider abstracts the model backends behind a small
// capability set: generate (with tool use) and embed. Concrete
// implementations cover the hosted Anthropic API (directly or through
// AWS Bedrock) and local Ollama inference.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
)

// ErrUnsupported is returned for capabilities a backend does not have
// (e.g. embeddings on the hosted chat API).
var ErrUnsupported = errors.New("capability not supported by provider")

// ToolDef is one tool schema offered to the model.
type ToolDef struct {
	// Name is the tool's wire name.
	Name string
	// Description tells the model when to use the tool.
	Description string
	// Properties is the JSON-Schema properties object.
	Properties map[string]any
	// Required lists the mandatory parameter names.
	Required []string
}

// ToolUse is one tool invocation requested by the model.
type ToolUse struct {
	// ID correlates the tool result back to this call.
	ID string
	// Name is the requested tool.
	Name string
	// Input is the raw JSON arguments.
	Input json.RawMessage
}

// ToolResult is one executed tool outcome fed back to the model.
type ToolResult struct {
	// ToolUseID correlates with the originating ToolUse.
	ToolUseID string
	// Content is the tool output (or error text).
	Content string
	// IsError marks failed executions.
	IsError bool
}

// Message is one conversation turn in provider-neutral form.
type Message struct {
	// Role is "user" or "assistant".
	Role string
	// Text is the plain-text content, if any.
	Text string
	// ToolUses carries an assistant turn's tool calls.
	ToolUses []ToolUse
	// ToolResults carries a user turn's tool results.
	ToolResults []ToolResult
}

// GenerateRequest is one model call.
type GenerateRequest struct {
	// Model is the concrete model identifier.
	Model string
	// System is the system prompt.
	System string
	// MaxTokens caps the response length.
	MaxTokens int
	// Messages is the conversation so far.
	Messages []Message
	// Tools are the schemas the model may invoke.
	Tools []ToolDef
}

// GenerateResponse is one model reply.
type GenerateResponse struct {
	// Text is the concatenated text content.
	Text string
	// ToolUses lists requested tool invocations, in order.
	ToolUses []ToolUse
	// InputTokens and OutputTokens are the billed usage.
	InputTokens  int
	OutputTokens int
	// Done is true when the model ended its turn without tool use.
	Done bool
}

// Provider is the capability set the engine depends on.
type Provider interface {
	// Name identifies the billing provider (anthropic, ollama).
	Name() string
	// Generate runs one request/response turn.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	// Embed returns an embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Transient reports whether an error is worth retrying with backoff:
// rate limits, server errors, and network-level failures. Anything
// else is treated as permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	if code, ok := statusCodeOf(err); ok {
		return retriableStatus(code)
	}
	var withStatus interface{ StatusCode() int }
	if errors.As(err, &withStatus) {
		return retriableStatus(withStatus.StatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

func retriableStatus(code int) bool {
	switch {
	case code == 408, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
