package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteThenRead(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()
	write := NewWriteFileTool(base)
	read := NewReadFileTool(base)

	out, err := write.Execute(ctx, map[string]any{
		"path": "notes/result.md", "content": "hello", "project_id": "p1",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out, "File written") {
		t.Errorf("unexpected write output: %q", out)
	}

	got, err := read.Execute(ctx, map[string]any{"path": "notes/result.md", "project_id": "p1"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
}

func TestReadMissingFile(t *testing.T) {
	read := NewReadFileTool(t.TempDir())
	out, err := read.Execute(context.Background(), map[string]any{"path": "nope.txt", "project_id": "p1"})
	if err != nil {
		t.Fatalf("missing file should be a model-visible message, got error %v", err)
	}
	if !strings.Contains(out, "not found") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	base := t.TempDir()
	write := NewWriteFileTool(base)
	_, err := write.Execute(context.Background(), map[string]any{
		"path": "../escape.txt", "content": "x", "project_id": "p1",
	})
	if err == nil {
		t.Fatal("path traversal should be rejected")
	}
	if _, statErr := os.Stat(filepath.Join(base, "escape.txt")); statErr == nil {
		t.Fatal("file escaped the sandbox")
	}
}

func TestReadTruncatesLargeFiles(t *testing.T) {
	base := t.TempDir()
	big := strings.Repeat("x", maxReadChars+100)
	if err := os.MkdirAll(filepath.Join(base, "p1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "p1", "big.txt"), []byte(big), 0644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(base)
	out, err := read.Execute(context.Background(), map[string]any{"path": "big.txt", "project_id": "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "truncated") {
		t.Error("large reads should be truncated")
	}
	if len(out) > maxReadChars+200 {
		t.Errorf("output too large: %d chars", len(out))
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"PlayerController", `"PlayerController"`},
		{`foo AND bar`, `"foo bar"`},
		{`evil* (operators) +here`, `"evil operators here"`},
		{`***`, ""},
		{"multi word query", `"multi word query"`},
	}
	for _, tc := range cases {
		if got := sanitizeFTSQuery(tc.in); got != tc.want {
			t.Errorf("sanitizeFTSQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRegistryGetMany(t *testing.T) {
	base := t.TempDir()
	r := &Registry{tools: map[string]Tool{}}
	r.Register(NewReadFileTool(base))
	r.Register(NewWriteFileTool(base))

	got := r.GetMany([]string{"read_file", "mystery", "write_file"})
	if len(got) != 2 {
		t.Errorf("unknown names should be skipped, got %d tools", len(got))
	}
	if r.Get("mystery") != nil {
		t.Error("unknown tool should be nil")
	}
}

func TestVectorHelpers(t *testing.T) {
	vec := []float32{3, 4}
	normalize(vec)
	if diff := dot(vec, vec) - 1.0; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("normalized vector should have unit norm, dot=%v", dot(vec, vec))
	}

	a := []float32{1, 0}
	b := []float32{0, 1}
	if dot(a, b) != 0 {
		t.Errorf("orthogonal vectors should have zero dot, got %v", dot(a, b))
	}
}
