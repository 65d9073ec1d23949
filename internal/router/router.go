// Package router maps tasks to model tiers and computes API costs.
// Everything here is a pure lookup over the configured pricing table.
package router

import (
	"log"
	"math"
	"sync"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/pkg/models"
)

// EstimatedTaskInputTokens approximates the system prompt, forwarded
// context, and tool definitions sent with each task; used for budget
// reservation before execution.
const EstimatedTaskInputTokens = 1500

// Router resolves tiers, model IDs, and prices.
type Router struct {
	cfg *config.Config

	// warnedModels tracks models already logged as unpriced, so a busy
	// executor doesn't spam the log.
	warnedMu     sync.Mutex
	warnedModels map[string]bool
}

// New creates a Router over the given config.
func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg, warnedModels: make(map[string]bool)}
}

// tierMap selects the cheapest tier that can handle each task shape.
var tierMap = map[models.TaskType]map[models.Complexity]models.ModelTier{
	models.TaskTypeCode: {
		models.ComplexitySimple:  models.TierHaiku,
		models.ComplexityMedium:  models.TierSonnet,
		models.ComplexityComplex: models.TierSonnet,
	},
	models.TaskTypeResearch: {
		models.ComplexitySimple:  models.TierLocal,
		models.ComplexityMedium:  models.TierHaiku,
		models.ComplexityComplex: models.TierSonnet,
	},
	models.TaskTypeAnalysis: {
		models.ComplexitySimple:  models.TierLocal,
		models.ComplexityMedium:  models.TierHaiku,
		models.ComplexityComplex: models.TierSonnet,
	},
	models.TaskTypeAsset: {
		models.ComplexitySimple:  models.TierLocal,
		models.ComplexityMedium:  models.TierLocal,
		models.ComplexityComplex: models.TierLocal,
	},
	models.TaskTypeIntegration: {
		models.ComplexitySimple:  models.TierHaiku,
		models.ComplexityMedium:  models.TierHaiku,
		models.ComplexityComplex: models.TierSonnet,
	},
	models.TaskTypeDocumentation: {
		models.ComplexitySimple:  models.TierLocal,
		models.ComplexityMedium:  models.TierHaiku,
		models.ComplexityComplex: models.TierSonnet,
	},
}

// Route returns the recommended tier for a task type and complexity.
// Unknown combinations fall back to haiku.
func (r *Router) Route(taskType models.TaskType, complexity models.Complexity) models.ModelTier {
	if byComplexity, ok := tierMap[taskType]; ok {
		if tier, ok := byComplexity[complexity]; ok {
			return tier
		}
	}
	return models.TierHaiku
}

// ModelID resolves a tier to its configured model ID.
func (r *Router) ModelID(tier models.ModelTier) string {
	return r.cfg.ModelID(tier)
}

// Cost computes the USD cost of one call. Models absent from the
// pricing table cost zero; the miss is logged once per model.
func (r *Router) Cost(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := r.cfg.Pricing[model]
	if !ok {
		r.warnedMu.Lock()
		if !r.warnedModels[model] {
			r.warnedModels[model] = true
			log.Printf("[router] unknown model %q - cost recorded as $0.00", model)
		}
		r.warnedMu.Unlock()
		return 0
	}
	input := float64(promptTokens) / 1e6 * pricing.InputPerMTok
	output := float64(completionTokens) / 1e6 * pricing.OutputPerMTok
	return round6(input + output)
}

// EstimateTaskCost estimates the worst-case cost of a task before
// execution: estimated input plus the full output allowance. Local
// tiers are free.
func (r *Router) EstimateTaskCost(tier models.ModelTier, estimatedInputTokens, maxOutputTokens int) float64 {
	if !tier.Hosted() {
		return 0
	}
	return r.Cost(r.ModelID(tier), estimatedInputTokens, maxOutputTokens)
}

// toolsMap is the default tool set per task type.
var toolsMap = map[models.TaskType][]string{
	models.TaskTypeCode:          {"search_knowledge", "lookup_type", "local_llm", "read_file", "write_file"},
	models.TaskTypeResearch:      {"search_knowledge", "lookup_type", "local_llm"},
	models.TaskTypeAnalysis:      {"search_knowledge", "local_llm", "read_file"},
	models.TaskTypeAsset:         {"local_llm", "generate_image"},
	models.TaskTypeIntegration:   {"read_file", "write_file", "local_llm"},
	models.TaskTypeDocumentation: {"search_knowledge", "local_llm", "read_file", "write_file"},
}

// RecommendTools returns the default tool names for a task type.
func (r *Router) RecommendTools(taskType models.TaskType) []string {
	if tools, ok := toolsMap[taskType]; ok {
		out := make([]string, len(tools))
		copy(out, tools)
		return out
	}
	return []string{"search_knowledge", "local_llm"}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
