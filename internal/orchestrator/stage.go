package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/metrics"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/validation"
)

// Stage is one step of the pipeline. Run receives a read-only snapshot and
// returns the update to merge. A non-nil error halts the pipeline; the
// returned Partial is still merged so partial progress is kept.
type Stage interface {
	Name() StageName
	Run(ctx context.Context, st Snapshot) (Partial, error)
}

// ErrIncompatibleBackend rejects a task whose tools cannot be served by the
// backend bound to its role.
var ErrIncompatibleBackend = errors.New("backend does not support tool calling")

// classify maps an error onto the record taxonomy.
func classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIncompatibleBackend):
		return KindIncompatibleBackend
	case validation.IsFatal(err):
		return KindValidationFatal
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case provider.IsTransient(err):
		return KindCollaboratorTransient
	case provider.IsPermanent(err):
		return KindCollaboratorPermanent
	}
	return KindInternal
}

func newWarning(stage StageName, source, msg string) Warning {
	return Warning{Stage: stage, Source: source, Message: msg, At: time.Now()}
}

func validationWarning(stage StageName, w *validation.Warning) Warning {
	return Warning{
		Stage:      stage,
		Source:     "validation",
		Message:    w.Message(),
		Constraint: w.Constraint,
		Preview:    w.Preview,
		At:         time.Now(),
	}
}

// structuredCall sends one JSON-mode request for role and runs the reply
// through the validation layer.
func structuredCall[T any](ctx context.Context, chat agent.Chatter, stage StageName, role string,
	req *provider.ChatRequest, policy validation.Policy[T]) (*validation.Envelope[T], []Warning, error) {

	req.ResponseFormat = "json_object"
	resp, err := chat.Route(ctx, role, req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", stage, err)
	}
	env, err := validation.Parse(string(stage), resp.Content, policy)
	metrics.ValidationDecisions.WithLabelValues(string(stage), string(env.Decision)).Inc()
	if err != nil {
		return env, nil, err
	}
	var warnings []Warning
	if env.Warning != nil {
		warnings = append(warnings, validationWarning(stage, env.Warning))
	}
	return env, warnings, nil
}
