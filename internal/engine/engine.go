// Package engine is the composition root: it constructs every core
// component once and exposes the operation surface the outer layers
// (HTTP adapter, CLI) call. No hidden globals; construction happens
// here and nowhere else.
package engine

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/foremanhq/foreman/internal/agent"
	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/decomposer"
	"github.com/foremanhq/foreman/internal/executor"
	"github.com/foremanhq/foreman/internal/monitor"
	"github.com/foremanhq/foreman/internal/planner"
	"github.com/foremanhq/foreman/internal/provider"
	"github.com/foremanhq/foreman/internal/router"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/internal/tools"
	"github.com/foremanhq/foreman/internal/verifier"
)

// Engine owns the core components and their lifecycles.
type Engine struct {
	cfg *config.Config
	clk clock.Clock

	st       *store.Store
	bm       *budget.Manager
	bus      *bus.Bus
	rt       *router.Router
	mon      *monitor.Monitor
	registry *tools.Registry
	planner  *planner.Planner
	dec      *decomposer.Decomposer
	exec     *executor.Executor

	httpClient *http.Client
}

// New builds the engine from configuration. The store opens (and
// recovers) immediately; background loops start with Start.
func New(cfg *config.Config) (*Engine, error) {
	return NewWithClock(cfg, clock.Real{})
}

// NewWithClock is New with an injectable time source for tests.
func NewWithClock(cfg *config.Config, clk clock.Clock) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	st, err := store.Open(cfg.DBPath(), clk)
	if err != nil {
		return nil, err
	}
	if err := st.RecoverInterrupted(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	// One HTTP client serves the monitor and every HTTP-backed tool;
	// per-request timeouts come from contexts, so the client default
	// stays generous.
	httpClient := &http.Client{}

	rt := router.New(cfg)
	bm := budget.New(st, cfg, clk)
	eventBus := bus.New(st)
	mon := monitor.New(cfg, httpClient)

	localHost := cfg.Ollama.Hosts["local"]
	if localHost == "" {
		localHost = "http://localhost:11434"
	}
	local := provider.NewOllama(provider.OllamaConfig{
		BaseURL:         localHost,
		EmbedModel:      cfg.Ollama.EmbedModel,
		GenerateTimeout: cfg.Ollama.GenerateTimeout,
		EmbedTimeout:    cfg.Ollama.EmbedTimeout,
	}, httpClient)

	// The hosted backend is optional: without credentials the monitor
	// reports it offline and hosted-tier tasks simply never dispatch.
	var hosted provider.Provider
	if cfg.Anthropic.APIKey != "" || cfg.Anthropic.UseBedrock {
		hosted, err = provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:     cfg.Anthropic.APIKey,
			Timeout:    cfg.Anthropic.Timeout,
			UseBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:  cfg.Anthropic.AWSRegion,
			AWSProfile: cfg.Anthropic.AWSProfile,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	} else {
		log.Printf("[engine] no Anthropic credentials configured; hosted tiers are unavailable")
	}

	registry := tools.NewRegistry(cfg, httpClient, local)
	runner := agent.New(registry, bm, eventBus, rt, cfg.Execution.MaxToolRounds)

	// The output-quality gate needs the hosted backend; without one it
	// simply never runs.
	var verify *verifier.Verifier
	if hosted != nil {
		verify = verifier.New(hosted, bm, rt, cfg)
	}

	exec := executor.New(executor.Config{
		Store:    st,
		Budget:   bm,
		Bus:      eventBus,
		Monitor:  mon,
		Router:   rt,
		Runner:   runner,
		Hosted:   hosted,
		Local:    local,
		Clock:    clk,
		Cfg:      cfg,
		Verifier: verify,
	})

	eng := &Engine{
		cfg:        cfg,
		clk:        clk,
		st:         st,
		bm:         bm,
		bus:        eventBus,
		rt:         rt,
		mon:        mon,
		registry:   registry,
		dec:        decomposer.New(st, rt, cfg),
		exec:       exec,
		httpClient: httpClient,
	}
	if hosted != nil {
		eng.planner = planner.New(st, bm, rt, hosted, cfg)
	}
	return eng, nil
}

// Start launches the background loops: resource probes and the
// executor tick.
func (e *Engine) Start(ctx context.Context) {
	e.mon.Start(ctx)
	e.exec.Start(ctx)
}

// Stop shuts everything down in dependency order and leaves the
// database consistent.
func (e *Engine) Stop() {
	e.exec.Stop()
	e.mon.Stop()
	e.httpClient.CloseIdleConnections()
	if err := e.st.Close(); err != nil {
		log.Printf("[engine] close store: %v", err)
	}
}

// Store exposes the store to tests and the CLI status commands.
func (e *Engine) Store() *store.Store { return e.st }

// Executor exposes the executor for deterministic test ticking.
func (e *Engine) Executor() *executor.Executor { return e.exec }

// Monitor exposes the resource monitor.
func (e *Engine) Monitor() *monitor.Monitor { return e.mon }

// Bus exposes the event bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Budget exposes the budget manager (for limit hot-reload and tests).
func (e *Engine) Budget() *budget.Manager { return e.bm }
