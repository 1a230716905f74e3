package agent

import (
	"time"
)

// StepType identifies the kind of loop step.
type StepType string

const (
	StepModelCall  StepType = "model_call"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepFinal      StepType = "final"
	StepCapped     StepType = "capped"
)

// Trace records what one task's loop did.
type Trace struct {
	TaskID    string        `json:"task_id"`
	Steps     []Step        `json:"steps"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Step is one entry in a Trace.
type Step struct {
	Type       StepType  `json:"type"`
	Round      int       `json:"round"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed int       `json:"tokens_used,omitempty"`
}

func (t *Trace) add(typ StepType, round int, content string, tokens int) {
	t.Steps = append(t.Steps, Step{
		Type:       typ,
		Round:      round,
		Content:    content,
		Timestamp:  time.Now(),
		TokensUsed: tokens,
	})
}
