package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/foremanhq/foreman/internal/config"
)

// LocalLLMTool sends a prompt to a local Ollama host. Free inference
// for drafts, summaries, and anything that doesn't need a hosted
// model.
type LocalLLMTool struct {
	cfg    *config.Config
	client *http.Client
}

// NewLocalLLMTool creates the tool over the shared HTTP client.
func NewLocalLLMTool(cfg *config.Config, client *http.Client) *LocalLLMTool {
	return &LocalLLMTool{cfg: cfg, client: client}
}

func (t *LocalLLMTool) Name() string { return "local_llm" }

func (t *LocalLLMTool) Description() string {
	return "Send a prompt to a local LLM (Ollama) for free inference. " +
		"Use this for drafts, summaries, simple code generation, " +
		"formatting, and any task that doesn't require hosted-model reasoning."
}

func (t *LocalLLMTool) Properties() map[string]any {
	return map[string]any{
		"prompt": map[string]any{
			"type":        "string",
			"description": "The prompt to send",
		},
		"system": map[string]any{
			"type":        "string",
			"description": "Optional system prompt",
		},
		"model": map[string]any{
			"type":        "string",
			"description": "Model name; defaults to the configured model",
		},
		"host": map[string]any{
			"type":        "string",
			"description": "Which Ollama host to use",
		},
	}
}

func (t *LocalLLMTool) Required() []string { return []string{"prompt"} }

// Execute posts to /api/generate on the chosen host. Connection
// failures come back as model-visible error strings.
func (t *LocalLLMTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	prompt := stringParam(params, "prompt", "")
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	hostKey := stringParam(params, "host", "local")
	hostURL, ok := t.cfg.Ollama.Hosts[hostKey]
	if !ok {
		hostURL = t.cfg.Ollama.Hosts["local"]
	}
	if hostURL == "" {
		hostURL = "http://localhost:11434"
	}

	body := map[string]any{
		"model":  stringParam(params, "model", t.cfg.Ollama.DefaultModel),
		"prompt": prompt,
		"stream": false,
	}
	if system := stringParam(params, "system", ""); system != "" {
		body["system"] = system
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Ollama.GenerateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hostURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error: Ollama not reachable at %s", hostURL), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("Error: Ollama request failed with status %d", resp.StatusCode), nil
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Response, nil
}
