package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PlanPayload is the structured plan produced by the planning model.
type PlanPayload struct {
	// Summary is the one-paragraph project summary.
	Summary string `json:"summary"`
	// Tasks is the ordered task list; DependsOn entries reference tasks
	// by list index.
	Tasks []PlanTask `json:"tasks"`
}

// PlanTask is one task definition inside a plan payload.
type PlanTask struct {
	// Title is the short task name.
	Title string `json:"title"`
	// Description is the full instruction for the agent.
	Description string `json:"description"`
	// Type categorizes the work; defaults to code when empty.
	Type TaskType `json:"task_type"`
	// Complexity grades the task; defaults to medium when empty.
	Complexity Complexity `json:"complexity"`
	// DependsOn references other tasks by index. The planning model
	// sometimes emits indices as strings; DepRef tolerates both.
	DependsOn []DepRef `json:"depends_on"`
	// ToolsNeeded lists tool names; empty means use the per-type default.
	ToolsNeeded []string `json:"tools_needed"`
}

// DepRefKind discriminates the DepRef variants.
type DepRefKind int

const (
	// DepIndex is a resolved numeric index into the plan's task list.
	DepIndex DepRefKind = iota
	// DepInvalid is an entry that could not be interpreted as an index.
	// Invalid refs are dropped with a logged warning at decomposition.
	DepInvalid
)

// DepRef is one depends_on entry as found in the plan payload. The
// model emits integers, numeric strings, and occasionally garbage; the
// variant is fixed at parse time so downstream code never re-interprets
// raw JSON.
type DepRef struct {
	// Kind selects the variant.
	Kind DepRefKind
	// Index is the referenced task index (valid when Kind == DepIndex).
	Index int
	// Raw preserves the original token for warnings.
	Raw string
	// Reason explains why an entry is invalid.
	Reason string
}

// Dep returns a resolved index ref.
func Dep(i int) DepRef { return DepRef{Kind: DepIndex, Index: i, Raw: strconv.Itoa(i)} }

// UnmarshalJSON accepts integers and numeric strings; anything else
// becomes an Invalid ref carrying the raw token.
func (d *DepRef) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*d = DepRef{Kind: DepIndex, Index: n, Raw: strconv.Itoa(n)}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*d = DepRef{Kind: DepIndex, Index: n, Raw: s}
			return nil
		}
		*d = DepRef{Kind: DepInvalid, Raw: s, Reason: "non-numeric dependency reference"}
		return nil
	}
	*d = DepRef{Kind: DepInvalid, Raw: string(b), Reason: "unsupported dependency reference type"}
	return nil
}

// MarshalJSON emits resolved indices as numbers and invalid refs as
// their raw token, so a payload round-trips without loss.
func (d DepRef) MarshalJSON() ([]byte, error) {
	if d.Kind == DepIndex {
		return json.Marshal(d.Index)
	}
	return json.Marshal(d.Raw)
}

// ParsePlanPayload decodes a plan payload and applies defaults.
func ParsePlanPayload(raw []byte) (*PlanPayload, error) {
	var p PlanPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanParse, err)
	}
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("%w: plan has no tasks", ErrPlanParse)
	}
	for i := range p.Tasks {
		if p.Tasks[i].Type == "" {
			p.Tasks[i].Type = TaskTypeCode
		}
		if p.Tasks[i].Complexity == "" {
			p.Tasks[i].Complexity = ComplexityMedium
		}
		if p.Tasks[i].Title == "" {
			p.Tasks[i].Title = fmt.Sprintf("Task %d", i+1)
		}
	}
	return &p, nil
}
