package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/validation"
	"go.uber.org/zap"
)

// Plan is the planning collaborator's output.
type Plan struct {
	Tasks []TaskDefinition `json:"tasks"`
}

// PlanningStage asks the collaborator for 3..10 task definitions.
type PlanningStage struct {
	chat         agent.Chatter
	tools        *agent.ToolRegistry
	previewLimit int
	logger       *zap.Logger
}

// NewPlanningStage creates the planning stage. tools is only used to tell the
// collaborator what it may assign.
func NewPlanningStage(chat agent.Chatter, tools *agent.ToolRegistry, previewLimit int, logger *zap.Logger) *PlanningStage {
	return &PlanningStage{chat: chat, tools: tools, previewLimit: previewLimit, logger: logger}
}

func (s *PlanningStage) Name() StageName { return StagePlanning }

func (s *PlanningStage) Run(ctx context.Context, st Snapshot) (Partial, error) {
	params := st.Params.WithDefaults(DefaultParams())
	facts, err := json.MarshalIndent(st.Facts, "", "  ")
	if err != nil {
		return Partial{}, fmt.Errorf("planning: encode facts: %w", err)
	}

	user := "Extracted facts:\n" + string(facts)
	if params.Instructions != "" {
		user = "Additional instructions: " + params.Instructions + "\n\n" + user
	}
	req := &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: fmt.Sprintf(planningPrompt, params.MinTasks, params.MaxTasks, s.toolList())},
			{Role: "user", Content: user},
		},
		MaxTokens: 4096,
	}

	env, warnings, err := structuredCall(ctx, s.chat, StagePlanning, provider.RolePlanning, req, PlanPolicy(params, s.previewLimit))
	part := Partial{Warnings: warnings}
	if err != nil {
		return part, err
	}

	// Degraded plans keep every raw definition, valid or not; the executor
	// screens them individually.
	part.Plan = assignIDs(env.Value().Tasks)
	s.logger.Info("tasks planned",
		zap.String("session", st.SessionID),
		zap.Int("tasks", len(part.Plan)),
		zap.String("decision", string(env.Decision)))
	return part, nil
}

func (s *PlanningStage) toolList() string {
	if s.tools == nil {
		return "(none)"
	}
	defs := s.tools.Definitions(s.tools.Names()...)
	if len(defs) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", d.Function.Name, d.Function.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// PlanPolicy returns the validation policy for planning output. Strict
// validation checks task bounds and every field; the plan stays viable while
// at least MinViableTasks definitions carry an objective.
func PlanPolicy(params Params, previewLimit int) validation.Policy[Plan] {
	minViable := params.MinViableTasks
	if minViable <= 0 {
		minViable = 1
	}
	return validation.Policy[Plan]{
		Validate: func(p *Plan) []validation.Violation {
			return validatePlan(p, params)
		},
		Viable: func(p *Plan) bool {
			n := 0
			for i := range p.Tasks {
				if structurallyValid(&p.Tasks[i]) {
					n++
				}
			}
			return n >= minViable
		},
		PreviewLimit: previewLimit,
	}
}

func structurallyValid(d *TaskDefinition) bool {
	return strings.TrimSpace(d.Objective) != ""
}

func validatePlan(p *Plan, params Params) []validation.Violation {
	var vs []validation.Violation
	switch n := len(p.Tasks); {
	case n < params.MinTasks:
		vs = append(vs, validation.Violation{Field: "tasks",
			Constraint: fmt.Sprintf("expected at least %d tasks, got %d", params.MinTasks, n)})
	case n > params.MaxTasks:
		vs = append(vs, validation.Violation{Field: "tasks",
			Constraint: fmt.Sprintf("expected at most %d tasks, got %d", params.MaxTasks, n)})
	}

	seen := make(map[string]bool)
	for i, t := range p.Tasks {
		field := func(name string) string { return fmt.Sprintf("tasks[%d].%s", i, name) }
		if strings.TrimSpace(t.Name) == "" {
			vs = append(vs, validation.Violation{Field: field("name"), Constraint: "required"})
		}
		if !structurallyValid(&t) {
			vs = append(vs, validation.Violation{Field: field("objective"), Constraint: "required"})
		}
		if t.Excerpt() == "" {
			vs = append(vs, validation.Violation{Field: field("data"), Constraint: "non-empty excerpt required"})
		}
		switch t.Priority {
		case "", PriorityHigh, PriorityMedium, PriorityLow:
		default:
			vs = append(vs, validation.Violation{Field: field("priority"),
				Constraint: fmt.Sprintf("unknown priority %q", t.Priority)})
		}
		if t.ID != "" {
			if seen[t.ID] {
				vs = append(vs, validation.Violation{Field: field("id"),
					Constraint: fmt.Sprintf("duplicate id %q", t.ID)})
			}
			seen[t.ID] = true
		}
	}
	return vs
}

// assignIDs gives every definition a unique ID so each result traces back to
// exactly one definition. Missing or repeated IDs become task-<n>.
func assignIDs(defs []TaskDefinition) []TaskDefinition {
	out := make([]TaskDefinition, len(defs))
	used := make(map[string]bool, len(defs))
	for i, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" || used[d.ID] {
			d.ID = fmt.Sprintf("task-%d", i+1)
			for n := len(defs) + 1; used[d.ID]; n++ {
				d.ID = fmt.Sprintf("task-%d", n)
			}
		}
		used[d.ID] = true
		out[i] = d
	}
	return out
}
