package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/engine"
	"github.com/foremanhq/foreman/pkg/models"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = t.TempDir()

	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(eng.Stop)

	srv := httptest.NewServer(New(eng))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestCreateAndGetProject(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/projects", map[string]string{
		"name": "demo", "requirements": "build a thing",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var project models.Project
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		t.Fatal(err)
	}
	if project.ID == "" || project.Status != models.ProjectDraft {
		t.Errorf("unexpected project: %+v", project)
	}

	getResp, err := http.Get(fmt.Sprintf("%s/projects/%s", srv.URL, project.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestValidationError(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/projects", map[string]string{"name": "", "requirements": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestNotFoundMapping(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/projects/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestConflictMapping(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/projects", map[string]string{
		"name": "demo", "requirements": "reqs",
	})
	var project models.Project
	json.NewDecoder(resp.Body).Decode(&project)
	resp.Body.Close()

	// Starting a draft project is an illegal transition.
	startResp := postJSON(t, fmt.Sprintf("%s/projects/%s/execute", srv.URL, project.ID), map[string]string{})
	defer startResp.Body.Close()
	if startResp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", startResp.StatusCode)
	}
}

func TestBudgetEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/budget")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status struct {
		DailyLimitUSD float64 `json:"daily_limit_usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.DailyLimitUSD != 5.0 {
		t.Errorf("expected default daily limit, got %v", status.DailyLimitUSD)
	}
}

func TestListProjectsEmpty(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/projects")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var projects []models.Project
	if err := json.NewDecoder(resp.Body).Decode(&projects); err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Errorf("expected empty list, got %v", projects)
	}
}
