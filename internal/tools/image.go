package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/config"
)

// pollInterval is how often the image job history is checked.
const pollInterval = 2 * time.Second

// GenerateImageTool submits a text-to-image workflow to the image
// service and polls until the job completes or the configured timeout
// elapses.
type GenerateImageTool struct {
	cfg    *config.Config
	client *http.Client
}

// NewGenerateImageTool creates the tool over the shared HTTP client.
func NewGenerateImageTool(cfg *config.Config, client *http.Client) *GenerateImageTool {
	return &GenerateImageTool{cfg: cfg, client: client}
}

func (t *GenerateImageTool) Name() string { return "generate_image" }

func (t *GenerateImageTool) Description() string {
	return "Generate an image from a text prompt. The image is rendered " +
		"by the configured image service and the result URLs are returned."
}

func (t *GenerateImageTool) Properties() map[string]any {
	return map[string]any{
		"prompt": map[string]any{
			"type":        "string",
			"description": "Text prompt for image generation",
		},
		"negative_prompt": map[string]any{
			"type":        "string",
			"description": "Negative prompt (things to avoid)",
		},
		"width":  map[string]any{"type": "integer", "description": "Image width"},
		"height": map[string]any{"type": "integer", "description": "Image height"},
		"host": map[string]any{
			"type":        "string",
			"description": "Which image host to use",
		},
	}
}

func (t *GenerateImageTool) Required() []string { return []string{"prompt"} }

// Execute submits the job and polls /history until images appear.
func (t *GenerateImageTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	prompt := stringParam(params, "prompt", "")
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	hostKey := stringParam(params, "host", "local")
	hostURL, ok := t.cfg.Image.Hosts[hostKey]
	if !ok {
		hostURL = t.cfg.Image.Hosts["local"]
	}
	if hostURL == "" {
		return "Error: no image host configured", nil
	}

	workflow := buildTxt2ImgWorkflow(
		prompt,
		stringParam(params, "negative_prompt", ""),
		intParam(params, "width", 1024),
		intParam(params, "height", 1024),
		t.cfg.Image.Checkpoint,
	)

	promptID, err := t.submit(ctx, hostURL, workflow)
	if err != nil {
		return fmt.Sprintf("Error: image service request failed: %v", err), nil
	}
	if promptID == "" {
		return "Error: image service did not return a prompt ID", nil
	}

	deadline := time.Now().Add(t.cfg.Image.Timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}

		urls, done, err := t.pollHistory(ctx, hostURL, promptID)
		if err != nil {
			continue
		}
		if done {
			if len(urls) == 0 {
				return "Workflow completed but no images found in output.", nil
			}
			return "Image generated successfully.\nURLs:\n" + strings.Join(urls, "\n"), nil
		}
	}
	return fmt.Sprintf("Error: image service timed out after %s", t.cfg.Image.Timeout), nil
}

func (t *GenerateImageTool) submit(ctx context.Context, hostURL string, workflow map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": uuid.New().String()[:8],
	})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Image.SubmitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hostURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("submit returned status %d", resp.StatusCode)
	}
	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.PromptID, nil
}

func (t *GenerateImageTool) pollHistory(ctx context.Context, hostURL, promptID string) ([]string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hostURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("history returned status %d", resp.StatusCode)
	}

	var history map[string]struct {
		Outputs map[string]struct {
			Images []struct {
				Filename string `json:"filename"`
			} `json:"images"`
		} `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, false, err
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, false, nil
	}
	var urls []string
	for _, nodeOut := range entry.Outputs {
		for _, img := range nodeOut.Images {
			if img.Filename != "" {
				urls = append(urls, fmt.Sprintf("%s/view?filename=%s", hostURL, img.Filename))
			}
		}
	}
	return urls, true, nil
}

// buildTxt2ImgWorkflow is the minimal text-to-image node graph the
// image service executes.
func buildTxt2ImgWorkflow(prompt, negative string, width, height int, checkpoint string) map[string]any {
	if negative == "" {
		negative = "bad quality, blurry"
	}
	return map[string]any{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed": -1, "steps": 20, "cfg": 7.0,
				"sampler_name": "euler", "scheduler": "normal", "denoise": 1.0,
				"model": []any{"4", 0}, "positive": []any{"6", 0},
				"negative": []any{"7", 0}, "latent_image": []any{"5", 0},
			},
		},
		"4": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": checkpoint},
		},
		"5": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]any{"width": width, "height": height, "batch_size": 1},
		},
		"6": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": prompt, "clip": []any{"4", 1}},
		},
		"7": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": negative, "clip": []any{"4", 1}},
		},
		"8": map[string]any{
			"class_type": "VAEDecode",
			"inputs":     map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}},
		},
		"9": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"filename_prefix": "foreman", "images": []any{"8", 0}},
		},
	}
}
