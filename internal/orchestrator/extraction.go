package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/documents"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/validation"
	"go.uber.org/zap"
)

// maxDocumentRunes caps the text taken from a single document.
const maxDocumentRunes = 60000

// ExtractionStage turns raw document text into Facts.
type ExtractionStage struct {
	chat         agent.Chatter
	docs         documents.Provider
	previewLimit int
	logger       *zap.Logger
}

// NewExtractionStage creates the extraction stage.
func NewExtractionStage(chat agent.Chatter, docs documents.Provider, previewLimit int, logger *zap.Logger) *ExtractionStage {
	return &ExtractionStage{chat: chat, docs: docs, previewLimit: previewLimit, logger: logger}
}

func (s *ExtractionStage) Name() StageName { return StageExtraction }

func (s *ExtractionStage) Run(ctx context.Context, st Snapshot) (Partial, error) {
	var (
		part    Partial
		body    strings.Builder
		read    int
		lastErr error
	)
	for i, doc := range st.Documents {
		name := doc.Name
		if name == "" {
			name = fmt.Sprintf("document %d", i+1)
		}
		text, err := s.docs.Content(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return part, ctx.Err()
			}
			lastErr = err
			part.Warnings = append(part.Warnings, newWarning(StageExtraction, name,
				fmt.Sprintf("document %s skipped: %v", name, err)))
			continue
		}
		if r := []rune(text); len(r) > maxDocumentRunes {
			text = string(r[:maxDocumentRunes])
			part.Warnings = append(part.Warnings, newWarning(StageExtraction, name,
				fmt.Sprintf("document %s truncated to %d characters", name, maxDocumentRunes)))
		}
		if strings.TrimSpace(text) == "" {
			part.Warnings = append(part.Warnings, newWarning(StageExtraction, name,
				fmt.Sprintf("document %s is empty", name)))
			continue
		}
		fmt.Fprintf(&body, "=== %s ===\n%s\n\n", name, text)
		read++
	}
	if read == 0 {
		return part, &validation.FatalError{
			Stage:      string(StageExtraction),
			Violations: []validation.Violation{{Field: "documents", Constraint: "no readable document"}},
			Cause:      lastErr,
		}
	}

	user := body.String()
	if st.Params.Instructions != "" {
		user = "Additional instructions: " + st.Params.Instructions + "\n\n" + user
	}
	req := &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: user},
		},
		MaxTokens: 4096,
	}

	env, warnings, err := structuredCall(ctx, s.chat, StageExtraction, provider.RoleExtraction, req,
		factsPolicy(s.previewLimit))
	part.Warnings = append(part.Warnings, warnings...)
	if err != nil {
		return part, err
	}

	facts := env.Value()
	s.logger.Info("facts extracted",
		zap.String("session", st.SessionID),
		zap.Int("documents", read),
		zap.Int("parameters", len(facts.Parameters)),
		zap.Int("pollutants", len(facts.Pollutants)),
		zap.String("decision", string(env.Decision)))
	part.Facts = facts
	return part, nil
}

func factsPolicy(previewLimit int) validation.Policy[Facts] {
	return validation.Policy[Facts]{
		Validate:     validateFacts,
		Viable:       func(f *Facts) bool { return !f.Empty() },
		PreviewLimit: previewLimit,
	}
}

func validateFacts(f *Facts) []validation.Violation {
	var vs []validation.Violation
	if strings.TrimSpace(f.Summary) == "" {
		vs = append(vs, validation.Violation{Field: "summary", Constraint: "required"})
	}
	for i, p := range f.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			vs = append(vs, validation.Violation{Field: fmt.Sprintf("parameters[%d].name", i), Constraint: "required"})
		}
	}
	for i, p := range f.Pollutants {
		if strings.TrimSpace(p.Name) == "" {
			vs = append(vs, validation.Violation{Field: fmt.Sprintf("pollutants[%d].name", i), Constraint: "required"})
		}
	}
	return vs
}
