package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrDuplicateSession = errors.New("session already exists")
	ErrNoDocuments      = errors.New("at least one document is required")
	ErrShuttingDown     = errors.New("manager is shutting down")
)

// TerminalError is returned by Handle.Wait for a failed session. It carries
// every warning and error recorded before the failure.
type TerminalError struct {
	SessionID string
	Stage     StageName
	Kind      ErrorKind
	Message   string
	Warnings  []Warning
	Errors    []ErrorRecord
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("session %s failed in %s (%s): %s", e.SessionID, e.Stage, e.Kind, e.Message)
}

// Handle observes one running session.
type Handle struct {
	id     string
	state  *WorkflowState
	done   chan struct{}
	cancel context.CancelFunc
}

func (h *Handle) ID() string         { return h.id }
func (h *Handle) Stage() StageName   { return h.state.Stage() }
func (h *Handle) Status() Status     { return h.state.Status() }
func (h *Handle) Snapshot() Snapshot { return h.state.Snapshot() }

// Done is closed once the session is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops the session; it finishes as failed with kind cancelled.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the session is terminal or ctx is done. A failed session
// returns a *TerminalError.
func (h *Handle) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	snap := h.state.Snapshot()
	if snap.Status == StatusFailed {
		te := &TerminalError{
			SessionID: snap.SessionID,
			Stage:     snap.Stage,
			Warnings:  snap.Warnings,
			Errors:    snap.Errors,
		}
		if snap.Failure != nil {
			te.Stage, te.Kind, te.Message = snap.Failure.Stage, snap.Failure.Kind, snap.Failure.Message
		}
		return snap.Report, te
	}
	return snap.Report, nil
}

// Manager starts sessions and keeps their handles.
type Manager struct {
	pipeline *Pipeline
	defaults Params
	logger   *zap.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	runs   map[string]*Handle
}

// NewManager creates a manager running every session through pipeline.
func NewManager(pipeline *Pipeline, defaults Params, logger *zap.Logger) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		pipeline: pipeline,
		defaults: defaults.WithDefaults(DefaultParams()),
		logger:   logger,
		ctx:      ctx,
		stop:     stop,
		runs:     make(map[string]*Handle),
	}
}

// Defaults returns the params applied to zero fields of each session.
func (m *Manager) Defaults() Params { return m.defaults }

// Start launches a session in the background. An empty sessionID gets a
// generated one.
func (m *Manager) Start(sessionID string, docs []Document, params Params) (*Handle, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	params = params.WithDefaults(m.defaults)
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := m.runs[sessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", sessionID, ErrDuplicateSession)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	h := &Handle{
		id:     sessionID,
		state:  NewWorkflowState(sessionID, docs, params),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	m.runs[sessionID] = h
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.SessionsStarted.Inc()
	m.logger.Info("session started",
		zap.String("session", sessionID),
		zap.Int("documents", len(docs)),
		zap.Int("concurrency", params.Concurrency))

	go func() {
		defer m.wg.Done()
		defer close(h.done)
		defer cancel()
		status := m.pipeline.Run(ctx, h.state)
		m.logger.Info("session finished", zap.String("session", sessionID), zap.String("status", string(status)))
	}()
	return h, nil
}

// Get returns the handle of a session started by this manager.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.runs[id]
	return h, ok
}

// List returns all session ids, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels running sessions and waits for them to record their
// terminal state, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
