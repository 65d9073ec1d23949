package models

import (
	"encoding/json"
	"testing"
)

func TestDepRefUnmarshalInteger(t *testing.T) {
	var ref DepRef
	if err := json.Unmarshal([]byte(`2`), &ref); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ref.Kind != DepIndex || ref.Index != 2 {
		t.Errorf("expected index 2, got %+v", ref)
	}
}

func TestDepRefUnmarshalNumericString(t *testing.T) {
	var ref DepRef
	if err := json.Unmarshal([]byte(`"2"`), &ref); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ref.Kind != DepIndex || ref.Index != 2 {
		t.Errorf("expected index 2, got %+v", ref)
	}
}

func TestDepRefUnmarshalGarbage(t *testing.T) {
	cases := []string{`"banana"`, `{"x":1}`, `true`, `1.5`}
	for _, raw := range cases {
		var ref DepRef
		if err := json.Unmarshal([]byte(raw), &ref); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if ref.Kind != DepInvalid {
			t.Errorf("%s: expected invalid ref, got %+v", raw, ref)
		}
		if ref.Reason == "" {
			t.Errorf("%s: invalid ref should carry a reason", raw)
		}
	}
}

func TestParsePlanPayloadDefaults(t *testing.T) {
	raw := `{"summary":"demo","tasks":[{"description":"do it","depends_on":["0"]}]}`
	payload, err := ParsePlanPayload([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	task := payload.Tasks[0]
	if task.Type != TaskTypeCode {
		t.Errorf("expected default task type code, got %s", task.Type)
	}
	if task.Complexity != ComplexityMedium {
		t.Errorf("expected default complexity medium, got %s", task.Complexity)
	}
	if task.Title != "Task 1" {
		t.Errorf("expected default title, got %q", task.Title)
	}
}

func TestParsePlanPayloadEmptyTasks(t *testing.T) {
	if _, err := ParsePlanPayload([]byte(`{"summary":"x","tasks":[]}`)); err == nil {
		t.Fatal("expected error for empty task list")
	}
}

func TestPlanPayloadRoundTrip(t *testing.T) {
	raw := `{"summary":"demo","tasks":[` +
		`{"title":"A","description":"a","task_type":"research","complexity":"simple","depends_on":[],"tools_needed":[]},` +
		`{"title":"B","description":"b","task_type":"code","complexity":"medium","depends_on":[0,"0"],"tools_needed":["read_file"]}]}`

	first, err := ParsePlanPayload([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	encoded, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := ParsePlanPayload(encoded)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	if len(second.Tasks) != len(first.Tasks) {
		t.Fatalf("task count changed: %d vs %d", len(second.Tasks), len(first.Tasks))
	}
	for i := range first.Tasks {
		a, b := first.Tasks[i], second.Tasks[i]
		if a.Title != b.Title || a.Type != b.Type || len(a.DependsOn) != len(b.DependsOn) {
			t.Errorf("task %d changed after round trip: %+v vs %+v", i, a, b)
		}
		for j := range a.DependsOn {
			if a.DependsOn[j].Kind != b.DependsOn[j].Kind || a.DependsOn[j].Index != b.DependsOn[j].Index {
				t.Errorf("task %d dep %d changed: %+v vs %+v", i, j, a.DependsOn[j], b.DependsOn[j])
			}
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []TaskStatus{TaskPending, TaskBlocked, TaskQueued, TaskRunning, TaskNeedsReview}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
