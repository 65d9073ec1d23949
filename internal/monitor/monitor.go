// Package monitor runs periodic health probes of external providers
// (hosted API, local inference, image generation) and caches the
// results for non-blocking availability queries.
package monitor

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/pkg/models"
)

// Resource describes one probeable external dependency.
type Resource struct {
	// ID is the stable identifier (ollama_local, image_local,
	// anthropic_api, ...).
	ID string `json:"id"`
	// Name is the display label.
	Name string `json:"name"`
	// HealthURL is probed with a GET when set.
	HealthURL string `json:"-"`
	// Host and Port are the TCP fallback target.
	Host string `json:"-"`
	Port int    `json:"-"`
	// KeyCheck marks resources whose probe is credential presence.
	KeyCheck bool `json:"-"`
}

// State is the cached probe outcome for one resource.
type State struct {
	// ID and Name identify the resource.
	ID   string `json:"id"`
	Name string `json:"name"`
	// Status is the last probe outcome.
	Status models.ResourceStatus `json:"status"`
	// Method records how the probe decided (http, tcp, api_key, none).
	Method string `json:"method"`
	// CheckedAt is when the probe ran.
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor caches provider health.
type Monitor struct {
	cfg       *config.Config
	client    *http.Client
	resources []Resource

	mu     sync.RWMutex
	states map[string]State

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Monitor over the configured hosts. The shared HTTP
// client is owned by the caller.
func New(cfg *config.Config, client *http.Client) *Monitor {
	return &Monitor{
		cfg:       cfg,
		client:    client,
		resources: buildResources(cfg),
		states:    make(map[string]State),
	}
}

// buildResources derives the probe targets from config.
func buildResources(cfg *config.Config) []Resource {
	var out []Resource
	for key, raw := range cfg.Ollama.Hosts {
		host, port := hostPort(raw, 11434)
		out = append(out, Resource{
			ID:        "ollama_" + key,
			Name:      fmt.Sprintf("Ollama (%s)", key),
			HealthURL: raw + "/api/tags",
			Host:      host,
			Port:      port,
		})
	}
	for key, raw := range cfg.Image.Hosts {
		host, port := hostPort(raw, 8188)
		out = append(out, Resource{
			ID:        "image_" + key,
			Name:      fmt.Sprintf("Image service (%s)", key),
			HealthURL: raw + "/system_stats",
			Host:      host,
			Port:      port,
		})
	}
	out = append(out, Resource{
		ID:       "anthropic_api",
		Name:     "Anthropic API",
		KeyCheck: true,
	})
	return out
}

func hostPort(raw string, defaultPort int) (string, int) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "localhost", defaultPort
	}
	host := u.Hostname()
	port := defaultPort
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}
	return host, port
}

// Start launches the background probe loop. The first sweep runs
// immediately so availability queries have data before the first
// interval elapses.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.CheckAll(ctx)
		ticker := time.NewTicker(m.cfg.Monitor.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// CheckAll probes every resource concurrently and updates the cache.
func (m *Monitor) CheckAll(ctx context.Context) []State {
	var wg sync.WaitGroup
	results := make([]State, len(m.resources))
	for i, res := range m.resources {
		wg.Add(1)
		go func(i int, res Resource) {
			defer wg.Done()
			results[i] = m.probe(ctx, res)
		}(i, res)
	}
	wg.Wait()

	m.mu.Lock()
	for _, st := range results {
		m.states[st.ID] = st
	}
	m.mu.Unlock()
	return results
}

// probe checks one resource: credential presence for key-check
// resources, otherwise an HTTP GET with a TCP dial fallback.
func (m *Monitor) probe(ctx context.Context, res Resource) State {
	st := State{ID: res.ID, Name: res.Name, Status: models.ResourceOffline, CheckedAt: time.Now()}

	if res.KeyCheck {
		st.Method = "api_key"
		if m.cfg.Anthropic.APIKey != "" {
			st.Status = models.ResourceOnline
		}
		return st
	}

	if res.HealthURL != "" {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Monitor.ProbeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, res.HealthURL, nil)
		if err == nil {
			resp, err := m.client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					st.Status = models.ResourceOnline
					st.Method = "http"
					return st
				}
			}
		}
	}

	if res.Port > 0 {
		conn, err := net.DialTimeout("tcp",
			fmt.Sprintf("%s:%d", res.Host, res.Port), m.cfg.Monitor.ProbeTimeout)
		if err == nil {
			conn.Close()
			st.Status = models.ResourceOnline
			st.Method = "tcp"
			return st
		}
	}

	st.Method = "none"
	return st
}

// IsAvailable reports whether the last probe found the resource
// online. Unknown IDs are unavailable.
func (m *Monitor) IsAvailable(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	return ok && st.Status == models.ResourceOnline
}

// States returns a snapshot of all cached states.
func (m *Monitor) States() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return out
}

// SetAvailable overrides one resource's cached state; tests use this
// to simulate providers going up and down without probing.
func (m *Monitor) SetAvailable(id string, online bool) {
	status := models.ResourceOffline
	if online {
		status = models.ResourceOnline
	}
	m.mu.Lock()
	m.states[id] = State{ID: id, Status: status, Method: "override", CheckedAt: time.Now()}
	m.mu.Unlock()
}

// TaskRunnable checks the gating rules for one task: the tier's
// provider and every provider its tools depend on must be online.
func (m *Monitor) TaskRunnable(tier models.ModelTier, tools []string) bool {
	if tier == models.TierLocal && !m.IsAvailable("ollama_local") {
		return false
	}
	if tier.Hosted() && !m.IsAvailable("anthropic_api") {
		return false
	}
	for _, tool := range tools {
		switch tool {
		case "generate_image":
			if !m.anyAvailable("image_") {
				return false
			}
		case "search_knowledge", "local_llm":
			// Embeddings and local generation both need Ollama.
			if !m.IsAvailable("ollama_local") {
				return false
			}
		}
	}
	return true
}

func (m *Monitor) anyAvailable(prefix string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, st := range m.states {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix && st.Status == models.ResourceOnline {
			return true
		}
	}
	return false
}

// LogStates writes the current availability snapshot to the log.
func (m *Monitor) LogStates() {
	for _, st := range m.States() {
		log.Printf("[monitor] %s: %s (%s)", st.ID, st.Status, st.Method)
	}
}
