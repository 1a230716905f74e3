package orchestrator

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/validation"
	"go.uber.org/zap"
)

func synthesisResults() []TaskResult {
	return []TaskResult{
		{TaskID: "task-3", Name: "Energy", Index: 2, Success: true, Output: "Autothermal above 2 g/Nm3"},
		{TaskID: "task-1", Name: "Load", Index: 0, Success: true, Output: "Toluene load 9.6 kg/h"},
		{TaskID: "task-2", Name: "Dust", Index: 1, Error: "timeout"},
		{TaskID: "task-4", Name: "Space", Index: 3, Success: true, Output: "Roof installation possible"},
	}
}

func TestSynthesisIdempotent(t *testing.T) {
	synth := staticBackend("synth", synthesisJSON)
	stage := NewSynthesisStage(newRouter(backends{synth: synth}), 0, zap.NewNop())
	facts := &Facts{Summary: "coating line"}

	a := synthesisResults()
	first, err := stage.Run(context.Background(), Snapshot{SessionID: "s", Facts: facts, Results: a})
	if err != nil {
		t.Fatal(err)
	}
	promptA := synth.lastUserPrompt()

	b := []TaskResult{a[3], a[2], a[0], a[1]}
	second, err := stage.Run(context.Background(), Snapshot{SessionID: "s", Facts: facts, Results: b})
	if err != nil {
		t.Fatal(err)
	}
	promptB := synth.lastUserPrompt()

	if promptA != promptB {
		t.Errorf("result order changed the prompt:\n%s\n---\n%s", promptA, promptB)
	}
	if !reflect.DeepEqual(first.Synthesis, second.Synthesis) {
		t.Errorf("syntheses differ: %+v vs %+v", first.Synthesis, second.Synthesis)
	}
	if strings.Contains(promptA, "timeout") {
		t.Error("failed task leaked into synthesis input")
	}
	if i1, i3 := strings.Index(promptA, "task-1"), strings.Index(promptA, "task-3"); i1 > i3 {
		t.Error("findings not ordered by task id")
	}
}

func TestSynthesisWithoutSuccesses(t *testing.T) {
	synth := staticBackend("synth", synthesisJSON)
	stage := NewSynthesisStage(newRouter(backends{synth: synth}), 0, zap.NewNop())
	part, err := stage.Run(context.Background(), Snapshot{Results: []TaskResult{{TaskID: "task-1", Error: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	if part.Synthesis == nil || !strings.Contains(synth.lastUserPrompt(), "No task produced a finding") {
		t.Errorf("stage must still run and say so; prompt: %s", synth.lastUserPrompt())
	}
}

func TestSynthesisValidation(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		decision validation.Decision
	}{
		{"valid", synthesisJSON, validation.DecisionPass},
		{"unknown override", `{"summary":"s","recommendation":{"decision":"proceed"},"overrides":[{"task_id":"task-9","reason":"r"}]}`, validation.DecisionDegraded},
		{"risks only", `{"interaction_risks":[{"title":"t","description":"d","severity":"extreme"}]}`, validation.DecisionDegraded},
		{"nothing usable", `{"summary":"only prose"}`, validation.DecisionFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := NewSynthesisStage(newRouter(backends{synth: staticBackend("synth", tt.raw)}), 0, zap.NewNop())
			part, err := stage.Run(context.Background(), Snapshot{Results: synthesisResults()})
			switch tt.decision {
			case validation.DecisionFatal:
				if !validation.IsFatal(err) {
					t.Fatalf("expected fatal, got %v", err)
				}
			case validation.DecisionDegraded:
				if err != nil || len(part.Warnings) != 1 || part.Synthesis == nil {
					t.Fatalf("expected degraded synthesis, got %v / %+v", err, part)
				}
			default:
				if err != nil || len(part.Warnings) != 0 {
					t.Fatalf("expected pass, got %v / %+v", err, part.Warnings)
				}
			}
		})
	}
}
