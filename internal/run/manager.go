// Package run tracks the lifecycle of runs and their attached agent
// connections.
package run

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acp2/gateway/internal/agent/acp"
	"github.com/acp2/gateway/internal/common/logger"
	v1 "github.com/acp2/gateway/pkg/api/v1"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// ErrInvalidTransition is returned when a lifecycle transition is not
// permitted from the run's current state.
var ErrInvalidTransition = errors.New("invalid run state transition")

// DefaultSessionWait bounds how long WaitForSession polls before giving up.
const DefaultSessionWait = 5 * time.Second

const sessionPollInterval = 50 * time.Millisecond

// runState is the manager's internal record for one run.
type runState struct {
	run        v1.Run
	conn       *acp.Connection
	sessionID  string
	parts      []v1.MessagePart
	cancel     chan struct{}
	cancelOnce sync.Once
}

// Manager owns all run state. All mutation goes through its mutex so that
// status transitions, output accumulation and cancellation signalling stay
// consistent.
type Manager struct {
	mu     sync.Mutex
	runs   map[string]*runState
	logger *logger.Logger
}

// NewManager creates an empty run manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		runs:   make(map[string]*runState),
		logger: log.WithFields(zap.String("component", "run-manager")),
	}
}

// CreateRun registers a new queued run for the named agent and returns a
// snapshot of it.
func (m *Manager) CreateRun(agent string, mode v1.RunMode) v1.Run {
	now := time.Now().UTC()
	run := v1.Run{
		ID:        uuid.New().String(),
		Agent:     agent,
		Status:    v1.RunStatusQueued,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.runs[run.ID] = &runState{
		run:    run,
		cancel: make(chan struct{}),
	}
	m.mu.Unlock()

	m.logger.Info("Run created",
		zap.String("run_id", run.ID),
		zap.String("agent", agent),
		zap.String("mode", string(mode)))
	return run
}

// StartRun moves a queued run to in_progress and attaches its agent
// connection.
func (m *Manager) StartRun(id string, conn *acp.Connection) (v1.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return v1.Run{}, ErrNotFound
	}
	if st.run.Status != v1.RunStatusQueued {
		return v1.Run{}, ErrInvalidTransition
	}
	st.run.Status = v1.RunStatusInProgress
	st.run.UpdatedAt = time.Now().UTC()
	st.conn = conn
	return snapshot(st), nil
}

// SetSessionID records the agent session id backing the run.
func (m *Manager) SetSessionID(id, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	st.sessionID = sessionID
	return nil
}

// AppendOutputPart appends one streamed text fragment to the run's output
// buffer. Parts are kept in arrival order.
func (m *Manager) AppendOutputPart(id string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	st.parts = append(st.parts, v1.NewTextPart(text))
	st.run.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteRun finishes the run successfully. Only in_progress runs complete;
// a cancelling run must finalize through CancelRun even when the prompt
// result arrived. The accumulated output parts, if any, are materialized
// into an assistant message. The agent connection is detached.
func (m *Manager) CompleteRun(id string, stopReason string) (v1.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return v1.Run{}, ErrNotFound
	}
	if st.run.Status != v1.RunStatusInProgress {
		return v1.Run{}, ErrInvalidTransition
	}
	st.run.Status = v1.RunStatusCompleted
	st.run.StopReason = stopReason
	if len(st.parts) > 0 {
		st.run.Output = &v1.Message{
			Role:    "assistant",
			Content: append([]v1.MessagePart(nil), st.parts...),
		}
	}
	st.run.UpdatedAt = time.Now().UTC()
	st.conn = nil
	return snapshot(st), nil
}

// FailRun marks the run as failed with a structured error. An empty code
// defaults to "agent_error". The agent connection is detached.
func (m *Manager) FailRun(id string, code string, message string, data map[string]interface{}) (v1.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return v1.Run{}, ErrNotFound
	}
	if st.run.Status.Terminal() {
		return v1.Run{}, ErrInvalidTransition
	}
	if code == "" {
		code = "agent_error"
	}
	st.run.Status = v1.RunStatusFailed
	st.run.Error = &v1.ErrorDetail{Code: code, Message: message, Data: data}
	st.run.UpdatedAt = time.Now().UTC()
	st.conn = nil
	return snapshot(st), nil
}

// CancelRun finalizes a cancellation, moving the run to cancelled. Runs only
// reach cancelled through cancelling. The agent connection is detached.
func (m *Manager) CancelRun(id string) (v1.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return v1.Run{}, ErrNotFound
	}
	if st.run.Status != v1.RunStatusCancelling {
		return v1.Run{}, ErrInvalidTransition
	}
	st.run.Status = v1.RunStatusCancelled
	st.run.UpdatedAt = time.Now().UTC()
	st.conn = nil
	return snapshot(st), nil
}

// RequestCancel asks a run to stop. Idempotent: the first call on a live run
// moves it to cancelling and closes its cancel channel; later calls and calls
// on terminal runs return the current snapshot unchanged.
func (m *Manager) RequestCancel(id string) (v1.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return v1.Run{}, ErrNotFound
	}
	if st.run.Status.Terminal() || st.run.Status == v1.RunStatusCancelling {
		return snapshot(st), nil
	}
	st.run.Status = v1.RunStatusCancelling
	st.run.UpdatedAt = time.Now().UTC()
	st.cancelOnce.Do(func() { close(st.cancel) })

	m.logger.Info("Cancellation requested", zap.String("run_id", id))
	return snapshot(st), nil
}

// Get returns a snapshot of the run.
func (m *Manager) Get(id string) (v1.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return v1.Run{}, ErrNotFound
	}
	return snapshot(st), nil
}

// List returns snapshots of all runs, newest first.
func (m *Manager) List() []v1.Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]v1.Run, 0, len(m.runs))
	for _, st := range m.runs {
		out = append(out, snapshot(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ConnectionFor returns the agent connection attached to a live run, or nil.
func (m *Manager) ConnectionFor(id string) *acp.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.runs[id]; ok {
		return st.conn
	}
	return nil
}

// SessionFor returns the agent session id recorded for the run.
func (m *Manager) SessionFor(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return "", ErrNotFound
	}
	return st.sessionID, nil
}

// CancelChanFor returns the run's cancellation channel. The channel is closed
// when cancellation is requested.
func (m *Manager) CancelChanFor(id string) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st.cancel, nil
}

// WaitForSession polls until the run has a recorded agent session id, the run
// reaches a terminal state, or the timeout elapses. A zero timeout uses
// DefaultSessionWait.
func (m *Manager) WaitForSession(ctx context.Context, id string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultSessionWait
	}
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		st, ok := m.runs[id]
		if !ok {
			m.mu.Unlock()
			return "", ErrNotFound
		}
		sessionID := st.sessionID
		terminal := st.run.Status.Terminal()
		m.mu.Unlock()

		if sessionID != "" {
			return sessionID, nil
		}
		if terminal {
			return "", errors.New("run finished without a session")
		}
		if time.Now().After(deadline) {
			return "", errors.New("timed out waiting for session")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sessionPollInterval):
		}
	}
}

// snapshot deep-copies the run so callers never observe later mutation.
// Callers must hold m.mu.
func snapshot(st *runState) v1.Run {
	run := st.run
	if st.run.Output != nil {
		out := *st.run.Output
		out.Content = append([]v1.MessagePart(nil), st.run.Output.Content...)
		run.Output = &out
	}
	if st.run.Error != nil {
		e := *st.run.Error
		run.Error = &e
	}
	return run
}
