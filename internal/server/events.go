package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foremanhq/foreman/pkg/models"
)

// keepaliveInterval paces SSE comment lines so idle connections stay
// open through proxies.
const keepaliveInterval = 15 * time.Second

// streamEvents serves a project's live event stream as server-sent
// events. The stream ends when the client disconnects or the project
// reaches a terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	sub, err := s.eng.SubscribeEvents(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
			if event.Type == models.EventProjectComplete || event.Type == models.EventProjectFailed {
				return
			}
		}
	}
}

// recentEvents returns the persisted event history for a project.
func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.eng.RecentEvents(r.Context(),
		chi.URLParam(r, "projectID"), r.URL.Query().Get("task_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
