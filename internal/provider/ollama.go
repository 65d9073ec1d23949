package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama is the local inference backend. It has no tool-use support:
// Generate collapses the conversation into a single prompt, which is
// all local-tier tasks need.
type Ollama struct {
	baseURL         string
	client          *http.Client
	embedModel      string
	generateTimeout time.Duration
	embedTimeout    time.Duration
}

// OllamaConfig configures the local backend.
type OllamaConfig struct {
	// BaseURL is the Ollama host, e.g. http://localhost:11434.
	BaseURL string
	// EmbedModel is the embedding model name.
	EmbedModel string
	// GenerateTimeout and EmbedTimeout bound the respective calls.
	GenerateTimeout time.Duration
	EmbedTimeout    time.Duration
}

// NewOllama creates the local backend over a shared HTTP client.
func NewOllama(cfg OllamaConfig, client *http.Client) *Ollama {
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 120 * time.Second
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 30 * time.Second
	}
	return &Ollama{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		client:          client,
		embedModel:      cfg.EmbedModel,
		generateTimeout: cfg.GenerateTimeout,
		embedTimeout:    cfg.EmbedTimeout,
	}
}

// Name returns the billing provider name.
func (o *Ollama) Name() string { return "ollama" }

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Generate runs one prompt through /api/generate. Tool definitions are
// ignored; the last user text becomes the prompt.
func (o *Ollama) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	prompt := ""
	for _, msg := range req.Messages {
		if msg.Role == "user" && msg.Text != "" {
			prompt = msg.Text
		}
	}

	body := ollamaGenerateRequest{
		Model:  req.Model,
		Prompt: prompt,
		System: req.System,
		Stream: false,
	}

	var resp ollamaGenerateResponse
	if err := o.post(ctx, "/api/generate", o.generateTimeout, body, &resp); err != nil {
		return nil, err
	}

	return &GenerateResponse{
		Text:         resp.Response,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
		Done:         true,
	}, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns an embedding via /api/embeddings.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp ollamaEmbedResponse
	body := ollamaEmbedRequest{Model: o.embedModel, Prompt: text}
	if err := o.post(ctx, "/api/embeddings", o.embedTimeout, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}
	return resp.Embedding, nil
}

func (o *Ollama) post(ctx context.Context, path string, timeout time.Duration, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &httpStatusError{code: resp.StatusCode, body: string(snippet), path: path}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama response: %w", err)
	}
	return nil
}

// httpStatusError preserves the status code so Transient can classify
// local-backend failures the same way as hosted ones.
type httpStatusError struct {
	code int
	body string
	path string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("ollama %s: status %d: %s", e.path, e.code, e.body)
}

// StatusCode exposes the HTTP status for error classification.
func (e *httpStatusError) StatusCode() int { return e.code }
