package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/metrics"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/notify"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/store"
	"go.uber.org/zap"
)

// Checkpointer persists state checkpoints and log lines keyed by session.
// *store.Store implements it.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error
	AppendLog(ctx context.Context, rec store.LogRecord) error
}

// Pipeline runs stages in a fixed order against one WorkflowState.
type Pipeline struct {
	stages            []Stage
	checkpointer      Checkpointer
	events            EventSink
	notifier          notify.Notifier
	checkpointTimeout time.Duration
	logger            *zap.Logger
}

// NewPipeline creates a controller for the given stages, run in order.
func NewPipeline(logger *zap.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, checkpointTimeout: 5 * time.Second, logger: logger}
}

// SetCheckpointer installs the persistence collaborator.
func (p *Pipeline) SetCheckpointer(c Checkpointer) { p.checkpointer = c }

// SetEventSink installs a progress event sink.
func (p *Pipeline) SetEventSink(s EventSink) { p.events = s }

// SetNotifier installs a notifier called once a session is terminal.
func (p *Pipeline) SetNotifier(n notify.Notifier) { p.notifier = n }

// SetCheckpointTimeout bounds each checkpoint, log and event write.
func (p *Pipeline) SetCheckpointTimeout(d time.Duration) {
	if d > 0 {
		p.checkpointTimeout = d
	}
}

// Stages returns the stage names in run order.
func (p *Pipeline) Stages() []StageName {
	names := make([]StageName, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes every stage sequentially and returns the terminal status. The
// first stage error halts the run; state produced so far is kept.
func (p *Pipeline) Run(ctx context.Context, st *WorkflowState) Status {
	sessionID := st.Snapshot().SessionID
	log := p.logger.With(zap.String("session", sessionID))
	p.publish(ctx, Event{SessionID: sessionID, Type: EventSessionStarted, Status: StatusRunning})

	for _, stage := range p.stages {
		name := stage.Name()
		if err := ctx.Err(); err != nil {
			return p.fail(ctx, st, name, err)
		}
		if err := st.SetStage(name); err != nil {
			log.Error("set stage", zap.String("stage", string(name)), zap.Error(err))
			return st.Status()
		}
		p.publish(ctx, Event{SessionID: sessionID, Type: EventStageStarted, Stage: name, Status: StatusRunning})
		log.Info("stage started", zap.String("stage", string(name)))

		start := time.Now()
		part, err := stage.Run(ctx, st.Snapshot())
		if mergeErr := st.Merge(name, part); mergeErr != nil {
			log.Error("merge stage output", zap.String("stage", string(name)), zap.Error(mergeErr))
			if err == nil {
				err = mergeErr
			}
		}
		if err != nil {
			metrics.StageDuration.WithLabelValues(string(name), "failed").Observe(time.Since(start).Seconds())
			return p.fail(ctx, st, name, err)
		}
		metrics.StageDuration.WithLabelValues(string(name), "ok").Observe(time.Since(start).Seconds())
		log.Info("stage completed",
			zap.String("stage", string(name)),
			zap.Duration("duration", time.Since(start)),
			zap.Int("warnings", len(part.Warnings)))

		p.checkpoint(ctx, st, name)
		p.publish(ctx, Event{SessionID: sessionID, Type: EventStageCompleted, Stage: name, Status: StatusRunning})
	}

	snap := st.Snapshot()
	status := StatusCompleted
	if len(snap.Warnings) > 0 || len(snap.Errors) > 0 {
		status = StatusCompletedWithWarnings
	}
	if err := st.Finish(status, nil); err != nil {
		log.Error("finish session", zap.Error(err))
	}
	p.terminal(ctx, st)
	return status
}

func (p *Pipeline) fail(ctx context.Context, st *WorkflowState, stage StageName, err error) Status {
	rec := &ErrorRecord{
		Stage:   stage,
		Kind:    classify(err),
		Message: err.Error(),
		At:      time.Now(),
	}
	p.logger.Error("pipeline halted",
		zap.String("session", st.Snapshot().SessionID),
		zap.String("stage", string(stage)),
		zap.String("kind", string(rec.Kind)),
		zap.Error(err))
	if finishErr := st.Finish(StatusFailed, rec); finishErr != nil {
		p.logger.Error("finish session", zap.Error(finishErr))
	}
	p.publish(ctx, Event{SessionID: st.Snapshot().SessionID, Type: EventStageFailed, Stage: stage,
		Status: StatusFailed, Message: err.Error()})
	p.terminal(ctx, st)
	return StatusFailed
}

// terminal writes the final checkpoint, publishes the finish event and
// notifies. It runs even when ctx is already cancelled.
func (p *Pipeline) terminal(ctx context.Context, st *WorkflowState) {
	ctx = context.WithoutCancel(ctx)
	snap := st.Snapshot()
	metrics.SessionsFinished.WithLabelValues(string(snap.Status)).Inc()
	p.checkpoint(ctx, st, snap.Stage)
	p.publish(ctx, Event{SessionID: snap.SessionID, Type: EventSessionFinished, Stage: snap.Stage, Status: snap.Status})

	if p.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, p.checkpointTimeout)
	defer cancel()
	if err := p.notifier.Notify(nctx, summarize(snap)); err != nil {
		p.logger.Warn("notify failed", zap.String("session", snap.SessionID), zap.Error(err))
	}
}

// checkpoint persists the current state. Failures are downgraded to a
// warning on the session and never abort the run.
func (p *Pipeline) checkpoint(ctx context.Context, st *WorkflowState, stage StageName) {
	if p.checkpointer == nil {
		return
	}
	snap := st.Snapshot()
	data, err := json.Marshal(snap)
	if err == nil {
		cctx, cancel := context.WithTimeout(ctx, p.checkpointTimeout)
		err = p.checkpointer.SaveCheckpoint(cctx, store.Checkpoint{
			SessionID: snap.SessionID,
			Stage:     string(stage),
			Status:    string(snap.Status),
			State:     data,
			CreatedAt: time.Now().UTC(),
		})
		if err == nil {
			err = p.checkpointer.AppendLog(cctx, store.LogRecord{
				SessionID: snap.SessionID,
				Level:     "info",
				Message:   fmt.Sprintf("checkpoint after %s (%s)", stage, snap.Status),
			})
		}
		cancel()
	}
	if err == nil {
		return
	}

	metrics.CheckpointFailures.Inc()
	p.logger.Warn("checkpoint failed",
		zap.String("session", snap.SessionID),
		zap.String("stage", string(stage)),
		zap.Error(err))
	w := newWarning(stage, "checkpoint", fmt.Sprintf("checkpoint after %s failed: %v", stage, err))
	if mergeErr := st.Merge(stage, Partial{Warnings: []Warning{w}}); mergeErr != nil {
		p.logger.Debug("checkpoint warning not recorded", zap.Error(mergeErr))
	}
}

func (p *Pipeline) publish(ctx context.Context, ev Event) {
	if p.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.checkpointTimeout)
	defer cancel()
	if err := p.events.Publish(ctx, ev); err != nil {
		p.logger.Warn("publish event failed",
			zap.String("session", ev.SessionID),
			zap.String("type", ev.Type),
			zap.Error(err))
	}
}

func summarize(snap Snapshot) notify.Notification {
	n := notify.Notification{
		SessionID: snap.SessionID,
		Status:    string(snap.Status),
		Title:     "Feasibility evaluation finished",
	}
	switch {
	case snap.Failure != nil:
		n.Title = "Feasibility evaluation failed"
		n.Body = fmt.Sprintf("%s failed (%s): %s", snap.Failure.Stage, snap.Failure.Kind, snap.Failure.Message)
	case snap.Report != nil:
		n.Body = fmt.Sprintf("Recommendation: %s. %d of %d tasks succeeded, %d warnings.",
			snap.Report.Recommendation.Decision, len(snap.Successes()), len(snap.Results), len(snap.Warnings))
	}
	return n
}
