package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/validation"
)

func TestValueUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{`"850 m3/h"`, "850 m3/h"},
		{`850`, "850"},
		{`true`, "true"},
		{`null`, ""},
		{`{ "min": 1, "max": 2 }`, `{"min":1,"max":2}`},
		{`[ 40, 60 ]`, `[40,60]`},
	}
	for _, tt := range tests {
		var v Value
		if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.in, err)
			continue
		}
		if v != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, v, tt.want)
		}
	}
}

func TestFactsStructuredValueKeepsLaterFields(t *testing.T) {
	raw := `{"parameters":[{"name":"flow","value":{"min":1,"max":2}}],` +
		`"summary":"Solvent exhaust","pollutants":[{"name":"toluene","concentration":[100,250]}],` +
		`"requirements":["TA Luft"]}`

	env, err := validation.Parse("extraction", raw, factsPolicy(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Decision != validation.DecisionPass {
		t.Fatalf("decision = %s (violations %v), want pass", env.Decision, env.Violations)
	}
	f := env.Value()
	if f.Summary != "Solvent exhaust" {
		t.Errorf("summary = %q", f.Summary)
	}
	if len(f.Parameters) != 1 || f.Parameters[0].Value != `{"min":1,"max":2}` {
		t.Errorf("parameters = %+v", f.Parameters)
	}
	if len(f.Pollutants) != 1 || f.Pollutants[0].Concentration != "[100,250]" {
		t.Errorf("pollutants = %+v", f.Pollutants)
	}
	if len(f.Requirements) != 1 || f.Requirements[0] != "TA Luft" {
		t.Errorf("requirements = %v", f.Requirements)
	}
}
