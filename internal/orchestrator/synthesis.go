package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/validation"
	"go.uber.org/zap"
)

// SynthesisStage composes cross-task risks from the successful results.
type SynthesisStage struct {
	chat         agent.Chatter
	previewLimit int
	logger       *zap.Logger
}

// NewSynthesisStage creates the synthesis stage.
func NewSynthesisStage(chat agent.Chatter, previewLimit int, logger *zap.Logger) *SynthesisStage {
	return &SynthesisStage{chat: chat, previewLimit: previewLimit, logger: logger}
}

func (s *SynthesisStage) Name() StageName { return StageSynthesis }

func (s *SynthesisStage) Run(ctx context.Context, st Snapshot) (Partial, error) {
	successes := sortedSuccesses(st.Results)
	req := &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: synthesisPrompt},
			{Role: "user", Content: synthesisInput(st.Facts, successes)},
		},
		MaxTokens: 4096,
	}

	known := make(map[string]bool, len(st.Results))
	for _, r := range st.Results {
		known[r.TaskID] = true
	}
	env, warnings, err := structuredCall(ctx, s.chat, StageSynthesis, provider.RoleSynthesis, req,
		validation.Policy[Synthesis]{
			Validate: func(syn *Synthesis) []validation.Violation { return validateSynthesis(syn, known) },
			Viable: func(syn *Synthesis) bool {
				return strings.TrimSpace(syn.Recommendation.Decision) != "" || len(syn.Risks) > 0
			},
			PreviewLimit: s.previewLimit,
		})
	part := Partial{Warnings: warnings}
	if err != nil {
		return part, err
	}

	syn := env.Value()
	s.logger.Info("synthesis composed",
		zap.String("session", st.SessionID),
		zap.Int("inputs", len(successes)),
		zap.Int("risks", len(syn.Risks)),
		zap.String("decision", syn.Recommendation.Decision))
	part.Synthesis = syn
	return part, nil
}

// sortedSuccesses orders successful results by task ID so the same result
// set always yields the same prompt.
func sortedSuccesses(results []TaskResult) []TaskResult {
	var out []TaskResult
	for _, r := range results {
		if r.Success {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func synthesisInput(facts *Facts, successes []TaskResult) string {
	var b strings.Builder
	if facts != nil {
		b.WriteString("Inquiry summary: ")
		if facts.Summary != "" {
			b.WriteString(facts.Summary)
		} else {
			b.WriteString("unknown")
		}
		b.WriteString("\n")
		if len(facts.MissingInfo) > 0 {
			b.WriteString("Missing information: " + strings.Join(facts.MissingInfo, "; ") + "\n")
		}
		b.WriteString("\n")
	}
	if len(successes) == 0 {
		b.WriteString("No task produced a finding. Base the recommendation on the inquiry summary alone and say so.\n")
		return b.String()
	}
	b.WriteString("Task findings:\n")
	for _, r := range successes {
		fmt.Fprintf(&b, "\n### %s", r.TaskID)
		if r.Name != "" {
			fmt.Fprintf(&b, " (%s)", r.Name)
		}
		if r.Capped {
			b.WriteString(" [partial]")
		}
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(r.Output))
	}
	return b.String()
}

func validateSynthesis(syn *Synthesis, known map[string]bool) []validation.Violation {
	var vs []validation.Violation
	if strings.TrimSpace(syn.Summary) == "" {
		vs = append(vs, validation.Violation{Field: "summary", Constraint: "required"})
	}
	switch syn.Recommendation.Decision {
	case DecisionProceed, DecisionProceedWithConditions, DecisionDoNotProceed:
	default:
		vs = append(vs, validation.Violation{Field: "recommendation.decision",
			Constraint: fmt.Sprintf("unknown decision %q", syn.Recommendation.Decision)})
	}
	for i, r := range syn.Risks {
		switch r.Severity {
		case "", PriorityHigh, PriorityMedium, PriorityLow:
		default:
			vs = append(vs, validation.Violation{Field: fmt.Sprintf("interaction_risks[%d].severity", i),
				Constraint: fmt.Sprintf("unknown severity %q", r.Severity)})
		}
	}
	for i, o := range syn.Overrides {
		if !known[o.TaskID] {
			vs = append(vs, validation.Violation{Field: fmt.Sprintf("overrides[%d].task_id", i),
				Constraint: fmt.Sprintf("unknown task %q", o.TaskID)})
		}
	}
	if c := syn.Confidence; c != nil && (*c < 0 || *c > 1) {
		vs = append(vs, validation.Violation{Field: "confidence", Constraint: "must be within [0, 1]"})
	}
	return vs
}
