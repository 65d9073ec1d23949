package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/pkg/models"
)

func testConfig(ollamaURL string) *config.Config {
	return &config.Config{
		Ollama:  config.OllamaConfig{Hosts: map[string]string{"local": ollamaURL}},
		Image:   config.ImageConfig{Hosts: map[string]string{}},
		Monitor: config.MonitorConfig{CheckInterval: time.Minute, ProbeTimeout: time.Second},
	}
}

func TestProbeHTTPOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	m := New(testConfig(srv.URL), srv.Client())
	m.CheckAll(context.Background())

	if !m.IsAvailable("ollama_local") {
		t.Error("healthy endpoint should be online")
	}
}

func TestProbeOffline(t *testing.T) {
	// A closed server: HTTP fails and the TCP fallback gets a refused
	// connection.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := New(testConfig(url), &http.Client{})
	m.CheckAll(context.Background())

	if m.IsAvailable("ollama_local") {
		t.Error("closed endpoint should be offline")
	}
}

func TestAnthropicKeyProbe(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	m := New(cfg, &http.Client{})
	m.CheckAll(context.Background())
	if m.IsAvailable("anthropic_api") {
		t.Error("missing key should read offline")
	}

	cfg.Anthropic.APIKey = "sk-test"
	m = New(cfg, &http.Client{})
	m.CheckAll(context.Background())
	if !m.IsAvailable("anthropic_api") {
		t.Error("configured key should read online")
	}
}

func TestIsAvailableUnknownID(t *testing.T) {
	m := New(testConfig("http://127.0.0.1:1"), &http.Client{})
	if m.IsAvailable("nope") {
		t.Error("unknown resource should be unavailable")
	}
}

func TestTaskRunnableGating(t *testing.T) {
	m := New(testConfig("http://127.0.0.1:1"), &http.Client{})

	// Nothing probed yet: everything is down.
	if m.TaskRunnable(models.TierHaiku, nil) {
		t.Error("hosted tier should require the API resource")
	}
	if m.TaskRunnable(models.TierLocal, nil) {
		t.Error("local tier should require ollama")
	}

	m.SetAvailable("anthropic_api", true)
	if !m.TaskRunnable(models.TierHaiku, nil) {
		t.Error("hosted tier should run with the API online")
	}

	// Knowledge search needs ollama for embeddings even on hosted
	// tiers.
	if m.TaskRunnable(models.TierHaiku, []string{"search_knowledge"}) {
		t.Error("search_knowledge should require ollama")
	}
	m.SetAvailable("ollama_local", true)
	if !m.TaskRunnable(models.TierHaiku, []string{"search_knowledge"}) {
		t.Error("gating should clear once ollama is online")
	}

	// Image generation needs any image host.
	if m.TaskRunnable(models.TierHaiku, []string{"generate_image"}) {
		t.Error("generate_image should require an image host")
	}
	m.SetAvailable("image_local", true)
	if !m.TaskRunnable(models.TierHaiku, []string{"generate_image"}) {
		t.Error("gating should clear once an image host is online")
	}
}
