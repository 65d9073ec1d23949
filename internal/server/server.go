// Package server is the thin HTTP adapter over the engine: JSON CRUD
// and action endpoints plus a server-sent-events stream for live
// progress. Authentication and rate limiting live outside the core.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foremanhq/foreman/internal/engine"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

// Server handles the HTTP surface.
type Server struct {
	eng *engine.Engine
}

// New returns the HTTP handler for the engine.
func New(eng *engine.Engine) http.Handler {
	s := &Server{eng: eng}
	r := chi.NewRouter()

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", s.createProject)
		r.Get("/", s.listProjects)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Patch("/", s.updateProject)
			r.Delete("/", s.deleteProject)
			r.Post("/plan", s.requestPlan)
			r.Get("/plans", s.listPlans)
			r.Post("/plans/{planID}/approve", s.approvePlan)
			r.Post("/execute", s.startProject)
			r.Post("/pause", s.pauseProject)
			r.Post("/cancel", s.cancelProject)
			r.Get("/tasks", s.listTasks)
			r.Get("/checkpoints", s.listCheckpoints)
			r.Get("/events", s.streamEvents)
			r.Get("/events/recent", s.recentEvents)
		})
	})

	r.Route("/tasks/{taskID}", func(r chi.Router) {
		r.Get("/", s.getTask)
		r.Patch("/", s.updateTask)
		r.Post("/retry", s.retryTask)
	})

	r.Route("/checkpoints/{checkpointID}", func(r chi.Router) {
		r.Get("/", s.getCheckpoint)
		r.Post("/resolve", s.resolveCheckpoint)
	})

	r.Get("/budget", s.budgetStatus)
	r.Get("/usage", s.usageSummary)
	r.Get("/resources", s.resources)

	return r
}

// writeJSON writes a JSON body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("[server] encode response: %v", err)
		}
	}
}

// writeError maps engine errors onto the HTTP taxonomy.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, models.ErrBudgetExhausted):
		status = http.StatusPaymentRequired
	case errors.Is(err, models.ErrCycleDetected), errors.Is(err, models.ErrPlanParse):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTooManySubscribers):
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.ErrValidation
	}
	return nil
}

// --- projects ---

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string `json:"name"`
		Requirements string `json:"requirements"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	project, err := s.eng.CreateProject(r.Context(), body.Name, body.Requirements)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	status := models.ProjectStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	projects, err := s.eng.ListProjects(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.eng.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         *string `json:"name"`
		Requirements *string `json:"requirements"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	project, err := s.eng.UpdateProject(r.Context(), chi.URLParam(r, "projectID"), body.Name, body.Requirements)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.DeleteProject(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- planning ---

func (s *Server) requestPlan(w http.ResponseWriter, r *http.Request) {
	result, err := s.eng.RequestPlan(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.eng.ListPlans(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(plans))
	for _, p := range plans {
		var payload any
		if err := json.Unmarshal([]byte(p.PayloadJSON), &payload); err != nil {
			payload = nil
		}
		out = append(out, map[string]any{
			"id":                p.ID,
			"project_id":        p.ProjectID,
			"version":           p.Version,
			"model_used":        p.ModelUsed,
			"prompt_tokens":     p.PromptTokens,
			"completion_tokens": p.CompletionTokens,
			"cost_usd":          p.CostUSD,
			"plan":              payload,
			"status":            p.Status,
			"created_at":        p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) approvePlan(w http.ResponseWriter, r *http.Request) {
	summary, err := s.eng.ApprovePlan(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- execution control ---

func (s *Server) startProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := s.eng.StartProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executing", "project_id": projectID})
}

func (s *Server) pauseProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := s.eng.PauseProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "project_id": projectID})
}

func (s *Server) cancelProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := s.eng.CancelProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "project_id": projectID})
}

// --- tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.eng.ListTasks(r.Context(), chi.URLParam(r, "projectID"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.eng.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       *string           `json:"title"`
		Description *string           `json:"description"`
		Tier        *models.ModelTier `json:"model_tier"`
		Priority    *int              `json:"priority"`
		MaxTokens   *int              `json:"max_tokens"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.UpdateTask(r.Context(), chi.URLParam(r, "taskID"), store.TaskUpdate{
		Title:       body.Title,
		Description: body.Description,
		Tier:        body.Tier,
		Priority:    body.Priority,
		MaxTokens:   body.MaxTokens,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.eng.RetryTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- checkpoints ---

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	resolved := r.URL.Query().Get("resolved") == "true"
	checkpoints, err := s.eng.ListCheckpoints(r.Context(), chi.URLParam(r, "projectID"), !resolved)
	if err != nil {
		writeError(w, err)
		return
	}
	if checkpoints == nil {
		checkpoints = []*models.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, checkpoints)
}

func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.eng.GetCheckpoint(r.Context(), chi.URLParam(r, "checkpointID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) resolveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action   models.CheckpointAction `json:"action"`
		Guidance string                  `json:"guidance"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	cp, err := s.eng.ResolveCheckpoint(r.Context(), chi.URLParam(r, "checkpointID"), body.Action, body.Guidance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// --- budget / usage / resources ---

func (s *Server) budgetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.eng.BudgetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) usageSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.eng.UsageSummary(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) resources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Resources())
}
