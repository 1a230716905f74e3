package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"go.uber.org/zap"
)

// Chatter sends one chat request on behalf of a pipeline role.
// *provider.Router implements it.
type Chatter interface {
	Route(ctx context.Context, role string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// State is a position in the tool-calling state machine.
type State string

const (
	StateAwaitingModel State = "awaiting_model"
	StateAwaitingTool  State = "awaiting_tool_result"
	StateDone          State = "done"
	StateCapped        State = "capped"
)

// LoopConfig bounds a tool-calling loop.
type LoopConfig struct {
	MaxRounds     int           // model calls per task
	ToolTimeout   time.Duration // per tool invocation
	ContextBudget int           // estimated tokens before tool results are trimmed
	MaxTokens     int           // completion budget per model call
	SystemPrompt  string
}

// DefaultLoopConfig returns five rounds, 30s tool timeout and a 24k token budget.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxRounds:     5,
		ToolTimeout:   30 * time.Second,
		ContextBudget: defaultContextBudget,
		MaxTokens:     4096,
		SystemPrompt:  defaultTaskPrompt,
	}
}

const defaultTaskPrompt = `You are a specialist analysing one aspect of an industrial exhaust-air treatment inquiry.
Work only with the data excerpt you are given and the tools assigned to you.
Call tools when they add evidence; otherwise answer directly.
State every assumption explicitly and mark missing values as unknown rather than guessing.`

// Request describes one task for the loop.
type Request struct {
	TaskID    string
	Objective string
	Data      string // scoped excerpt, never the full fact set
	Tools     []string
	Role      string
	Model     string
}

// Result is the outcome of one loop run.
type Result struct {
	Content   string         `json:"content"`
	State     State          `json:"state"`
	Rounds    int            `json:"rounds"`
	ToolCalls int            `json:"tool_calls"`
	Usage     provider.Usage `json:"usage"`
	Trace     *Trace         `json:"trace,omitempty"`
}

// Capped reports whether the loop stopped at the round limit.
func (r *Result) Capped() bool { return r.State == StateCapped }

// Loop runs the request/execute/respond cycle for a single task.
type Loop struct {
	chat   Chatter
	tools  *ToolRegistry
	cfg    LoopConfig
	logger *zap.Logger
}

// NewLoop creates a tool-calling loop. Zero fields in cfg take defaults.
func NewLoop(chat Chatter, tools *ToolRegistry, cfg LoopConfig, logger *zap.Logger) *Loop {
	def := DefaultLoopConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = def.ContextBudget
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Loop{chat: chat, tools: tools, cfg: cfg, logger: logger}
}

// Tools returns the loop's registry.
func (l *Loop) Tools() *ToolRegistry { return l.tools }

// Run drives the state machine until the model answers or the round cap is
// hit. Reaching the cap is not an error: the best partial answer is returned
// with State == StateCapped. Errors come only from the collaborator or ctx.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	trace := &Trace{TaskID: req.TaskID, StartedAt: time.Now()}
	res := &Result{State: StateAwaitingModel, Trace: trace}
	defer func() { trace.Duration = time.Since(trace.StartedAt) }()

	allowed := make(map[string]bool, len(req.Tools))
	for _, n := range req.Tools {
		allowed[n] = true
	}

	chatReq := &provider.ChatRequest{
		Model:     req.Model,
		Messages:  l.initialMessages(req),
		MaxTokens: l.cfg.MaxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = l.tools.Definitions(req.Tools...)
		chatReq.ToolChoice = "auto"
	}

	var pending []provider.ToolCall
	var gathered []string

	for res.State != StateDone && res.State != StateCapped {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch res.State {
		case StateAwaitingModel:
			res.Rounds++
			resp, err := l.chat.Route(ctx, req.Role, chatReq)
			if err != nil {
				return nil, fmt.Errorf("task %s round %d: %w", req.TaskID, res.Rounds, err)
			}
			res.Usage.Add(resp.Usage)
			if strings.TrimSpace(resp.Content) != "" {
				res.Content = resp.Content
			}
			trace.add(StepModelCall, res.Rounds,
				fmt.Sprintf("%d tool call(s), finish=%s", len(resp.ToolCalls), resp.FinishReason),
				resp.Usage.TotalTokens)

			switch {
			case len(resp.ToolCalls) == 0:
				res.State = StateDone
				trace.add(StepFinal, res.Rounds, truncate(resp.Content, 200), 0)
			case res.Rounds >= l.cfg.MaxRounds:
				res.State = StateCapped
			default:
				chatReq.Messages = append(chatReq.Messages, provider.Message{
					Role:      "assistant",
					Content:   resp.Content,
					ToolCalls: resp.ToolCalls,
				})
				pending = resp.ToolCalls
				res.State = StateAwaitingTool
			}

		case StateAwaitingTool:
			for _, tc := range pending {
				trace.add(StepToolCall, res.Rounds, tc.Function.Name+" "+truncate(tc.Function.Arguments, 200), 0)
				out := l.invoke(ctx, allowed, tc)
				res.ToolCalls++
				trace.add(StepToolResult, res.Rounds, truncate(out, 200), 0)
				gathered = append(gathered, tc.Function.Name+": "+truncate(out, 300))
				chatReq.Messages = append(chatReq.Messages, provider.Message{
					Role:       "tool",
					Content:    out,
					ToolCallID: tc.ID,
				})
			}
			pending = nil
			if n := trimToolResults(chatReq.Messages, l.cfg.ContextBudget); n > 0 {
				l.logger.Debug("trimmed tool results",
					zap.String("task", req.TaskID), zap.Int("trimmed", n))
			}
			res.State = StateAwaitingModel
		}
	}

	if res.State == StateCapped {
		if strings.TrimSpace(res.Content) == "" {
			res.Content = partialAnswer(gathered)
		}
		trace.add(StepCapped, res.Rounds, "round limit reached", 0)
		l.logger.Warn("tool loop reached round limit",
			zap.String("task", req.TaskID),
			zap.Int("rounds", res.Rounds),
			zap.Int("tool_calls", res.ToolCalls))
	}
	return res, nil
}

func (l *Loop) initialMessages(req Request) []provider.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective:\n%s\n", req.Objective)
	if strings.TrimSpace(req.Data) != "" {
		fmt.Fprintf(&b, "\nData excerpt:\n%s\n", req.Data)
	}
	if len(req.Tools) > 0 {
		fmt.Fprintf(&b, "\nAssigned tools: %s\n", strings.Join(req.Tools, ", "))
	}
	return []provider.Message{
		{Role: "system", Content: l.cfg.SystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// invoke runs one tool call under the tool timeout. Every failure is returned
// as a JSON error payload for the model to read.
func (l *Loop) invoke(ctx context.Context, allowed map[string]bool, tc provider.ToolCall) string {
	name := tc.Function.Name
	if !allowed[name] {
		return errorPayload(fmt.Sprintf("tool %q is not assigned to this task", name))
	}
	args := tc.Function.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.cfg.ToolTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
	}
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := l.tools.Execute(callCtx, name, args)
		done <- outcome{out, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		o.err = callCtx.Err()
	}
	if errors.Is(o.err, context.DeadlineExceeded) {
		o.err = fmt.Errorf("tool %s timed out after %s", name, l.cfg.ToolTimeout)
	}
	if o.err != nil {
		l.logger.Warn("tool call failed", zap.String("tool", name), zap.Error(o.err))
		return errorPayload(o.err.Error())
	}
	return o.out
}

func errorPayload(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

func partialAnswer(gathered []string) string {
	if len(gathered) == 0 {
		return "No final answer was produced within the round limit."
	}
	var b strings.Builder
	b.WriteString("Partial result (round limit reached). Evidence gathered:\n")
	for _, g := range gathered {
		b.WriteString("- ")
		b.WriteString(g)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
