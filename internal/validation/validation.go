// Package validation wraps structured model output with schema checks and a
// two-tier fallback: proceed on the raw parse with a recorded warning when a
// minimum viable signal survives, otherwise fail the calling stage.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Decision is the outcome of validating one candidate parse.
type Decision string

const (
	DecisionPass     Decision = "pass"
	DecisionDegraded Decision = "proceed_with_warning"
	DecisionFatal    Decision = "hard_fail"
)

// DefaultPreviewLimit bounds the payload excerpt attached to warnings and errors.
const DefaultPreviewLimit = 300

// ErrFatal marks a parse with no usable signal.
var ErrFatal = errors.New("validation failed with no viable signal")

// Violation names one failed constraint.
type Violation struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Constraint
	}
	return v.Field + ": " + v.Constraint
}

// Warning is attached to a degraded envelope.
type Warning struct {
	Stage      string      `json:"stage"`
	Constraint string      `json:"constraint"`
	Violations []Violation `json:"violations"`
	Preview    string      `json:"preview"`
}

func (w *Warning) Message() string {
	return fmt.Sprintf("%s output failed strict validation (%s); continuing with raw parse", w.Stage, w.Constraint)
}

// FatalError reports that a stage produced nothing usable.
type FatalError struct {
	Stage      string
	Violations []Violation
	Preview    string
	Cause      error
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("%s: %v: %s", e.Stage, ErrFatal, joinViolations(e.Violations))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FatalError) Is(target error) bool { return target == ErrFatal }
func (e *FatalError) Unwrap() error        { return e.Cause }

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// Policy configures validation for one output type.
type Policy[T any] struct {
	// Validate returns strict constraint violations; nil means the value is valid.
	Validate func(*T) []Violation
	// Viable is the minimum viable signal check applied to a candidate that
	// failed Validate. Nil means any decodable candidate is fatal on violation.
	Viable       func(*T) bool
	PreviewLimit int
}

// Envelope carries the transient result of one parse.
type Envelope[T any] struct {
	Raw        string
	Candidate  *T
	Validated  *T
	Violations []Violation
	Decision   Decision
	Warning    *Warning
}

// Value returns the validated object when strict validation passed, else the
// raw candidate.
func (e *Envelope[T]) Value() *T {
	if e.Validated != nil {
		return e.Validated
	}
	return e.Candidate
}

// Parse extracts a JSON object from raw, decodes it into T and applies policy.
// A non-nil error is always a *FatalError.
func Parse[T any](stage, raw string, policy Policy[T]) (*Envelope[T], error) {
	limit := policy.PreviewLimit
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	env := &Envelope[T]{Raw: raw}
	preview := Preview(raw, limit)

	payload := ExtractJSON(raw)
	if payload == "" {
		env.Decision = DecisionFatal
		env.Violations = []Violation{{Field: "$", Constraint: "empty output"}}
		return env, &FatalError{Stage: stage, Violations: env.Violations, Preview: preview}
	}

	candidate := new(T)
	if err := json.Unmarshal([]byte(payload), candidate); err != nil {
		// Mismatches on plain fields leave every other field populated, so the
		// candidate stays eligible for the viability check. Custom unmarshalers
		// must not return type errors: decoding stops at the first one.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			env.Decision = DecisionFatal
			env.Violations = []Violation{{Field: "$", Constraint: "malformed JSON"}}
			return env, &FatalError{Stage: stage, Violations: env.Violations, Preview: preview, Cause: err}
		}
		env.Violations = append(env.Violations, Violation{
			Field:      typeErr.Field,
			Constraint: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		})
	}
	env.Candidate = candidate

	if policy.Validate != nil {
		env.Violations = append(env.Violations, policy.Validate(candidate)...)
	}
	if len(env.Violations) == 0 {
		env.Decision = DecisionPass
		env.Validated = candidate
		return env, nil
	}

	if policy.Viable != nil && policy.Viable(candidate) {
		env.Decision = DecisionDegraded
		env.Warning = &Warning{
			Stage:      stage,
			Constraint: joinViolations(env.Violations),
			Violations: env.Violations,
			Preview:    preview,
		}
		return env, nil
	}

	env.Decision = DecisionFatal
	return env, &FatalError{Stage: stage, Violations: env.Violations, Preview: preview}
}

func joinViolations(vs []Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}
