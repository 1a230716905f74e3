package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrFrozen is returned when a terminal session is modified.
	ErrFrozen = errors.New("workflow state is frozen")
	// ErrUnauthorizedAppend is returned when a stage other than execution
	// appends task results or error records.
	ErrUnauthorizedAppend = errors.New("only the execution stage may append results or errors")
)

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	SessionID  string           `json:"session_id"`
	Status     Status           `json:"status"`
	Stage      StageName        `json:"stage"`
	Documents  []Document       `json:"documents"`
	Params     Params           `json:"params"`
	Facts      *Facts           `json:"facts,omitempty"`
	Plan       []TaskDefinition `json:"plan,omitempty"`
	Synthesis  *Synthesis       `json:"synthesis,omitempty"`
	Report     *Report          `json:"report,omitempty"`
	Results    []TaskResult     `json:"results"`
	Errors     []ErrorRecord    `json:"errors"`
	Warnings   []Warning        `json:"warnings"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Failure    *ErrorRecord     `json:"failure,omitempty"`
}

// Successes returns the successful results.
func (s *Snapshot) Successes() []TaskResult {
	var out []TaskResult
	for _, r := range s.Results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Partial is a stage's update. Nil singular fields leave the state
// untouched; accumulator fields are appended.
type Partial struct {
	Facts     *Facts
	Plan      []TaskDefinition
	Synthesis *Synthesis
	Report    *Report

	Results  []TaskResult
	Errors   []ErrorRecord
	Warnings []Warning
}

// WorkflowState is the shared state of one session. Stages never touch it
// directly: they read a Snapshot and return a Partial that the pipeline merges.
type WorkflowState struct {
	mu     sync.RWMutex
	s      Snapshot
	frozen bool
}

// NewWorkflowState creates a running session state.
func NewWorkflowState(sessionID string, docs []Document, params Params) *WorkflowState {
	return &WorkflowState{s: Snapshot{
		SessionID: sessionID,
		Status:    StatusRunning,
		Documents: append([]Document(nil), docs...),
		Params:    params,
		StartedAt: time.Now(),
	}}
}

// Merge applies p using per-field reducers: singular fields are overwritten,
// accumulators appended.
func (w *WorkflowState) Merge(stage StageName, p Partial) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frozen {
		return ErrFrozen
	}
	if (len(p.Results) > 0 || len(p.Errors) > 0) && stage != StageExecution {
		return fmt.Errorf("%s: %w", stage, ErrUnauthorizedAppend)
	}

	if p.Facts != nil {
		w.s.Facts = p.Facts
	}
	if p.Plan != nil {
		w.s.Plan = append([]TaskDefinition(nil), p.Plan...)
	}
	if p.Synthesis != nil {
		w.s.Synthesis = p.Synthesis
	}
	if p.Report != nil {
		w.s.Report = p.Report
	}
	w.s.Results = append(w.s.Results, p.Results...)
	w.s.Errors = append(w.s.Errors, p.Errors...)
	w.s.Warnings = append(w.s.Warnings, p.Warnings...)
	return nil
}

// SetStage records the stage about to run.
func (w *WorkflowState) SetStage(stage StageName) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frozen {
		return ErrFrozen
	}
	w.s.Stage = stage
	return nil
}

// Finish sets the terminal status and freezes the state. failure is recorded
// for failed sessions.
func (w *WorkflowState) Finish(status Status, failure *ErrorRecord) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frozen {
		return ErrFrozen
	}
	now := time.Now()
	w.s.Status = status
	w.s.FinishedAt = &now
	w.s.Failure = failure
	w.frozen = true
	return nil
}

// Status returns the current status.
func (w *WorkflowState) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.s.Status
}

// Stage returns the current or last stage.
func (w *WorkflowState) Stage() StageName {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.s.Stage
}

// Snapshot returns a copy safe to read while the pipeline keeps running.
// Slices are copied; the pointed-to singular values are never mutated after
// a merge, so they are shared.
func (w *WorkflowState) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := w.s
	s.Documents = append([]Document(nil), w.s.Documents...)
	s.Plan = append([]TaskDefinition(nil), w.s.Plan...)
	s.Results = append([]TaskResult(nil), w.s.Results...)
	s.Errors = append([]ErrorRecord(nil), w.s.Errors...)
	s.Warnings = append([]Warning(nil), w.s.Warnings...)
	return s
}
