package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/metrics"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"go.uber.org/zap"
)

// Collaborator routes chat requests by role and exposes the backend bound to
// each role. *provider.Router implements it.
type Collaborator interface {
	agent.Chatter
	Backend(role string) (provider.Provider, bool)
}

// ExecutorConfig bounds parallel execution.
type ExecutorConfig struct {
	Concurrency int
	TaskTimeout time.Duration
	Loop        agent.LoopConfig
}

// Outcome is the settled result of one Execute call.
type Outcome struct {
	Results  []TaskResult
	Errors   []ErrorRecord
	Warnings []Warning
	// MaxActive is the high-water mark of concurrently running tasks.
	MaxActive int
}

// Successes returns the successful results in dispatch order.
func (o *Outcome) Successes() []TaskResult {
	var out []TaskResult
	for _, r := range o.Results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Failures returns the failed results in dispatch order.
func (o *Outcome) Failures() []TaskResult {
	var out []TaskResult
	for _, r := range o.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Executor runs task definitions on a bounded pool. Tasks are isolated: a
// failing, panicking or timed-out task never affects its siblings.
type Executor struct {
	collab Collaborator
	tools  *agent.ToolRegistry
	loop   *agent.Loop
	cfg    ExecutorConfig
	logger *zap.Logger
}

// NewExecutor creates an executor. Concurrency defaults to 5.
func NewExecutor(collab Collaborator, tools *agent.ToolRegistry, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if tools == nil {
		tools = agent.NewToolRegistry()
	}
	return &Executor{
		collab: collab,
		tools:  tools,
		loop:   agent.NewLoop(collab, tools, cfg.Loop, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// WithConcurrency returns a copy of e bounded to n parallel tasks.
func (e *Executor) WithConcurrency(n int) *Executor {
	if n <= 0 || n == e.cfg.Concurrency {
		return e
	}
	cp := *e
	cp.cfg.Concurrency = n
	return &cp
}

type dispatch struct {
	def   TaskDefinition
	index int
	role  string
}

type settled struct {
	res  TaskResult
	kind ErrorKind
}

// Execute screens defs, runs the accepted ones and waits for all of them to
// settle. It never fails as a whole.
func (e *Executor) Execute(ctx context.Context, defs []TaskDefinition) Outcome {
	var out Outcome
	queue := e.screen(defs, &out)

	slots := make([]settled, len(queue))
	sem := make(chan struct{}, e.cfg.Concurrency)
	var (
		wg        sync.WaitGroup
		active    atomic.Int32
		maxActive atomic.Int32
	)

	for i, d := range queue {
		wg.Add(1)
		go func(slot int, d dispatch) {
			defer wg.Done()
			select {
			case sem <- struct{}{}: // acquire slot
			case <-ctx.Done():
				slots[slot] = e.failed(d, 0, ctx.Err())
				return
			}
			defer func() { <-sem }() // release slot

			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			metrics.TasksInFlight.Inc()
			defer func() {
				active.Add(-1)
				metrics.TasksInFlight.Dec()
			}()

			slots[slot] = e.run(ctx, d)
		}(i, d)
	}
	wg.Wait()

	out.MaxActive = int(maxActive.Load())
	now := time.Now()
	for _, s := range slots {
		out.Results = append(out.Results, s.res)
		switch {
		case !s.res.Success:
			metrics.TaskOutcomes.WithLabelValues("failed").Inc()
			out.Errors = append(out.Errors, ErrorRecord{
				Stage:   StageExecution,
				TaskID:  s.res.TaskID,
				Kind:    s.kind,
				Message: fmt.Sprintf("task %s failed: %s", s.res.TaskID, s.res.Error),
				At:      now,
			})
		case s.res.Capped:
			metrics.TaskOutcomes.WithLabelValues("capped").Inc()
			out.Warnings = append(out.Warnings, newWarning(StageExecution, s.res.TaskID,
				fmt.Sprintf("task %s reached the round limit after %d rounds; partial answer kept", s.res.TaskID, s.res.Rounds)))
		default:
			metrics.TaskOutcomes.WithLabelValues("success").Inc()
		}
	}

	if len(out.Successes()) == 0 {
		out.Warnings = append(out.Warnings, newWarning(StageExecution, "executor",
			fmt.Sprintf("no task succeeded (%d planned, %d dispatched); synthesis runs without task findings", len(defs), len(queue))))
	}
	e.logger.Info("tasks settled",
		zap.Int("planned", len(defs)),
		zap.Int("dispatched", len(queue)),
		zap.Int("succeeded", len(out.Successes())),
		zap.Int("max_active", out.MaxActive))
	return out
}

// screen applies the pre-dispatch checks. Missing or repeated IDs are
// replaced. Malformed definitions become warnings, backend mismatches become
// error records; neither is dispatched.
func (e *Executor) screen(defs []TaskDefinition, out *Outcome) []dispatch {
	var queue []dispatch
	unique := assignIDs(defs)
	for i, d := range defs {
		label := d.Label(i)
		d.ID = unique[i].ID
		if strings.TrimSpace(d.Objective) == "" {
			metrics.TaskOutcomes.WithLabelValues("skipped").Inc()
			out.Warnings = append(out.Warnings, newWarning(StageExecution, d.ID,
				fmt.Sprintf("task %s skipped: missing objective", label)))
			continue
		}
		var unknown []string
		for _, t := range d.Tools {
			if !e.tools.Has(t) {
				unknown = append(unknown, t)
			}
		}
		if len(unknown) > 0 {
			metrics.TaskOutcomes.WithLabelValues("skipped").Inc()
			out.Warnings = append(out.Warnings, newWarning(StageExecution, d.ID,
				fmt.Sprintf("task %s skipped: unregistered tool(s) %s", label, strings.Join(unknown, ", "))))
			continue
		}

		role := provider.RoleLightTask
		if len(d.Tools) > 0 {
			role = provider.RoleToolTask
			if p, ok := e.collab.Backend(role); !ok || !p.SupportsTools() {
				backend := "none"
				if ok {
					backend = p.ID()
				}
				metrics.TaskOutcomes.WithLabelValues("rejected").Inc()
				out.Errors = append(out.Errors, ErrorRecord{
					Stage:   StageExecution,
					TaskID:  d.ID,
					Kind:    KindIncompatibleBackend,
					Message: fmt.Sprintf("task %s rejected: %v: %s backend %q with tools %s", label, ErrIncompatibleBackend, role, backend, strings.Join(d.Tools, ", ")),
					At:      time.Now(),
				})
				continue
			}
		}
		queue = append(queue, dispatch{def: d, index: i, role: role})
	}
	return queue
}

func (e *Executor) run(ctx context.Context, d dispatch) (s settled) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked",
				zap.String("task", d.def.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			s = e.failed(d, time.Since(start), fmt.Errorf("panic: %v", r))
			s.kind = KindTaskFailure
		}
	}()

	taskCtx := ctx
	if e.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
		defer cancel()
	}

	e.logger.Debug("executing task",
		zap.String("task", d.def.ID),
		zap.String("role", d.role),
		zap.Strings("tools", d.def.Tools))

	res, err := e.loop.Run(taskCtx, agent.Request{
		TaskID:    d.def.ID,
		Objective: d.def.Objective,
		Data:      d.def.Excerpt(),
		Tools:     d.def.Tools,
		Role:      d.role,
	})
	if err != nil {
		e.logger.Warn("task failed", zap.String("task", d.def.ID), zap.Error(err))
		return e.failed(d, time.Since(start), err)
	}
	metrics.TaskTokensUsed.Observe(float64(res.Usage.TotalTokens))
	return settled{res: TaskResult{
		TaskID:    d.def.ID,
		Name:      d.def.Name,
		Index:     d.index,
		Success:   true,
		Output:    res.Content,
		Duration:  time.Since(start),
		Usage:     res.Usage,
		Rounds:    res.Rounds,
		ToolCalls: res.ToolCalls,
		Capped:    res.Capped(),
	}}
}

func (e *Executor) failed(d dispatch, elapsed time.Duration, err error) settled {
	kind := classify(err)
	if kind == KindInternal {
		kind = KindTaskFailure
	}
	return settled{
		res: TaskResult{
			TaskID:   d.def.ID,
			Name:     d.def.Name,
			Index:    d.index,
			Error:    err.Error(),
			Duration: elapsed,
		},
		kind: kind,
	}
}

// ExecutionStage runs the plan through the executor.
type ExecutionStage struct {
	exec *Executor
}

// NewExecutionStage wraps an executor as a pipeline stage.
func NewExecutionStage(exec *Executor) *ExecutionStage {
	return &ExecutionStage{exec: exec}
}

func (s *ExecutionStage) Name() StageName { return StageExecution }

func (s *ExecutionStage) Run(ctx context.Context, st Snapshot) (Partial, error) {
	out := s.exec.WithConcurrency(st.Params.Concurrency).Execute(ctx, st.Plan)
	if err := ctx.Err(); err != nil {
		return Partial{Results: out.Results, Errors: out.Errors, Warnings: out.Warnings}, err
	}
	return Partial{Results: out.Results, Errors: out.Errors, Warnings: out.Warnings}, nil
}
