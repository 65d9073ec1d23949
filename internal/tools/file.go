package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadChars truncates file reads so a single tool result cannot
// flood the model context.
const maxReadChars = 50_000

// safePath resolves rel inside the project sandbox and rejects path
// traversal.
func safePath(base, projectID, rel string) (string, error) {
	root := filepath.Join(base, projectID)
	resolved := filepath.Clean(filepath.Join(root, rel))
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", rel)
	}
	return resolved, nil
}

// ReadFileTool reads a file from the project workspace.
type ReadFileTool struct {
	base string
}

// NewReadFileTool creates the tool rooted at the sandbox base.
func NewReadFileTool(base string) *ReadFileTool {
	return &ReadFileTool{base: base}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the project workspace."
}

func (t *ReadFileTool) Properties() map[string]any {
	return map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Relative file path within the project workspace",
		},
		"project_id": map[string]any{
			"type":        "string",
			"description": "Project ID (auto-injected by the executor)",
		},
	}
}

func (t *ReadFileTool) Required() []string { return []string{"path", "project_id"} }

// Execute reads the file, truncating very large content.
func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	rel := stringParam(params, "path", "")
	projectID := stringParam(params, "project_id", "")
	if rel == "" || projectID == "" {
		return "", fmt.Errorf("path and project_id are required")
	}

	fp, err := safePath(t.base, projectID, rel)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(fp)
	if os.IsNotExist(err) {
		return fmt.Sprintf("Error: File not found: %s", rel), nil
	}
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	text := string(content)
	if len(text) > maxReadChars {
		return text[:maxReadChars] + fmt.Sprintf("\n\n... (truncated, %d chars total)", len(text)), nil
	}
	return text, nil
}

// WriteFileTool writes a file into the project workspace.
type WriteFileTool struct {
	base string
}

// NewWriteFileTool creates the tool rooted at the sandbox base.
func NewWriteFileTool(base string) *WriteFileTool {
	return &WriteFileTool{base: base}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write a file to the project workspace."
}

func (t *WriteFileTool) Properties() map[string]any {
	return map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Relative file path within the project workspace",
		},
		"content": map[string]any{
			"type":        "string",
			"description": "File content to write",
		},
		"project_id": map[string]any{
			"type":        "string",
			"description": "Project ID (auto-injected by the executor)",
		},
	}
}

func (t *WriteFileTool) Required() []string { return []string{"path", "content", "project_id"} }

// Execute writes the file, creating parent directories.
func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	rel := stringParam(params, "path", "")
	projectID := stringParam(params, "project_id", "")
	content, _ := params["content"].(string)
	if rel == "" || projectID == "" {
		return "", fmt.Errorf("path and project_id are required")
	}

	fp, err := safePath(t.base, projectID, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0755); err != nil {
		return "", fmt.Errorf("create directories: %w", err)
	}
	if err := os.WriteFile(fp, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("File written: %s (%d chars)", rel, len(content)), nil
}
