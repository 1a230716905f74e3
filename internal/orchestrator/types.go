package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/documents"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning               Status = "running"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusFailed                Status = "failed"
)

// Terminal reports whether no further stage will run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompletedWithWarnings || s == StatusFailed
}

// StageName identifies a pipeline stage.
type StageName string

const (
	StageExtraction StageName = "extraction"
	StagePlanning   StageName = "planning"
	StageExecution  StageName = "execution"
	StageSynthesis  StageName = "synthesis"
	StageReport     StageName = "report"
)

// Document is one input handed to the extraction stage.
type Document = documents.Document

// Value is a scalar the collaborator may emit as a string, number or boolean.
// Objects and arrays (ranges such as {"min":1,"max":2}) are kept as compact
// JSON text.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*v = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(s)
	case b[0] == '{' || b[0] == '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return err
		}
		*v = Value(buf.String())
	default:
		*v = Value(b)
	}
	return nil
}

// Parameter is one operating parameter found in the documents.
type Parameter struct {
	Name   string `json:"name"`
	Value  Value  `json:"value"`
	Unit   string `json:"unit,omitempty"`
	Source string `json:"source,omitempty"`
}

// Pollutant is one exhaust-air component with its reported load.
type Pollutant struct {
	Name          string `json:"name"`
	Concentration Value  `json:"concentration,omitempty"`
	Unit          string `json:"unit,omitempty"`
	CAS           string `json:"cas,omitempty"`
}

// Facts is the structured output of extraction.
type Facts struct {
	Customer      string      `json:"customer,omitempty"`
	Industry      string      `json:"industry,omitempty"`
	Summary       string      `json:"summary,omitempty"`
	Parameters    []Parameter `json:"parameters,omitempty"`
	Pollutants    []Pollutant `json:"pollutants,omitempty"`
	Requirements  []string    `json:"requirements,omitempty"`
	MissingInfo   []string    `json:"missing_info,omitempty"`
	Uncertainties []string    `json:"uncertainties,omitempty"`
}

// Empty reports whether no fact at all was extracted.
func (f *Facts) Empty() bool {
	return f == nil || (strings.TrimSpace(f.Summary) == "" &&
		len(f.Parameters) == 0 && len(f.Pollutants) == 0 && len(f.Requirements) == 0)
}

// Task priorities accepted from planning. Empty means unspecified.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// TaskDefinition is one unit of work decided by planning.
type TaskDefinition struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Objective string          `json:"objective"`
	Data      json.RawMessage `json:"data,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	Priority  string          `json:"priority,omitempty"`
}

// Label names the definition for logs and warnings, falling back to its
// position when planning gave it no name.
func (d *TaskDefinition) Label(index int) string {
	switch {
	case strings.TrimSpace(d.Name) != "":
		return d.Name
	case d.ID != "":
		return d.ID
	}
	return fmt.Sprintf("#%d", index+1)
}

// Excerpt returns the scoped data slice as text. String excerpts are
// unquoted, anything else is compacted JSON.
func (d *TaskDefinition) Excerpt() string {
	raw := bytes.TrimSpace(d.Data)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return strings.TrimSpace(s)
		}
	}
	var buf bytes.Buffer
	if json.Compact(&buf, raw) != nil {
		return string(raw)
	}
	switch buf.String() {
	case "{}", "[]":
		return ""
	}
	return buf.String()
}

// TaskResult is the settled outcome of one dispatched task.
type TaskResult struct {
	TaskID    string         `json:"task_id"`
	Name      string         `json:"name"`
	Index     int            `json:"index"`
	Success   bool           `json:"success"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Usage     provider.Usage `json:"usage"`
	Rounds    int            `json:"rounds"`
	ToolCalls int            `json:"tool_calls"`
	Capped    bool           `json:"capped,omitempty"`
}

// Warning is a soft failure recorded on the session.
type Warning struct {
	Stage      StageName `json:"stage"`
	Source     string    `json:"source,omitempty"`
	Message    string    `json:"message"`
	Constraint string    `json:"constraint,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	At         time.Time `json:"at"`
}

// ErrorKind classifies an ErrorRecord.
type ErrorKind string

const (
	KindCollaboratorTransient ErrorKind = "collaborator_transient"
	KindCollaboratorPermanent ErrorKind = "collaborator_permanent"
	KindValidationFatal       ErrorKind = "validation_fatal"
	KindTaskFailure           ErrorKind = "task_failure"
	KindTimeout               ErrorKind = "timeout"
	KindIncompatibleBackend   ErrorKind = "incompatible_backend"
	KindCancelled             ErrorKind = "cancelled"
	KindInternal              ErrorKind = "internal"
)

// ErrorRecord is a hard failure of one task or of the pipeline.
type ErrorRecord struct {
	Stage   StageName `json:"stage"`
	TaskID  string    `json:"task_id,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Recommendation decisions accepted from synthesis.
const (
	DecisionProceed               = "proceed"
	DecisionProceedWithConditions = "proceed_with_conditions"
	DecisionDoNotProceed          = "do_not_proceed"
)

// Risk is an interaction risk composed across task findings.
type Risk struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    string   `json:"severity,omitempty"`
	SourceTasks []string `json:"source_tasks,omitempty"`
}

// Recommendation is the overall verdict.
type Recommendation struct {
	Decision   string   `json:"decision"`
	Rationale  string   `json:"rationale,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// Override marks a task finding that synthesis superseded.
type Override struct {
	TaskID  string `json:"task_id"`
	Finding string `json:"finding,omitempty"`
	Reason  string `json:"reason"`
}

// Synthesis is the cross-task composition of successful results.
type Synthesis struct {
	Summary           string         `json:"summary"`
	Risks             []Risk         `json:"interaction_risks"`
	SharedAssumptions []string       `json:"shared_assumptions,omitempty"`
	Recommendation    Recommendation `json:"recommendation"`
	Overrides         []Override     `json:"overrides,omitempty"`
	Confidence        *float64       `json:"confidence,omitempty"`
}

// Finding is one section of the report.
type Finding struct {
	Source       string `json:"source"`
	Title        string `json:"title"`
	Text         string `json:"text"`
	Superseded   bool   `json:"superseded,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Report is the final artifact.
type Report struct {
	SessionID      string         `json:"session_id"`
	Title          string         `json:"title"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     string         `json:"confidence"`
	Findings       []Finding      `json:"findings"`
	FailedTasks    []string       `json:"failed_tasks,omitempty"`
	Markdown       string         `json:"markdown"`
}

// Params tunes one session.
type Params struct {
	Concurrency    int    `json:"concurrency,omitempty"`
	MinTasks       int    `json:"min_tasks,omitempty"`
	MaxTasks       int    `json:"max_tasks,omitempty"`
	MinViableTasks int    `json:"min_viable_tasks,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
}

// DefaultParams returns the standard bounds: 5 parallel tasks, 3 to 10 planned
// tasks, at least one structurally valid definition.
func DefaultParams() Params {
	return Params{Concurrency: 5, MinTasks: 3, MaxTasks: 10, MinViableTasks: 1}
}

// WithDefaults fills zero fields from def.
func (p Params) WithDefaults(def Params) Params {
	if p.Concurrency <= 0 {
		p.Concurrency = def.Concurrency
	}
	if p.MinTasks <= 0 {
		p.MinTasks = def.MinTasks
	}
	if p.MaxTasks <= 0 {
		p.MaxTasks = def.MaxTasks
	}
	if p.MinViableTasks <= 0 {
		p.MinViableTasks = def.MinViableTasks
	}
	return p
}

// Validate checks the bounds are consistent.
func (p Params) Validate() error {
	switch {
	case p.Concurrency <= 0:
		return fmt.Errorf("concurrency must be positive")
	case p.MinTasks <= 0 || p.MaxTasks < p.MinTasks:
		return fmt.Errorf("task bounds [%d, %d] are invalid", p.MinTasks, p.MaxTasks)
	case p.MinViableTasks <= 0 || p.MinViableTasks > p.MaxTasks:
		return fmt.Errorf("min_viable_tasks %d is outside [1, %d]", p.MinViableTasks, p.MaxTasks)
	}
	return nil
}
