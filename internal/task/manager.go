package task

import (
	"context"
	"sync"
)

// Scope is the cancellation handle for one batch execution. Cancelling a
// scope stops new dispatch for its batch; in-flight tasks run to their own
// completion or timeout.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScope derives a batch cancellation scope from a parent context.
func NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

// Context returns the scope's context for dispatch gating.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Cancel fires the scope. Safe to call more than once.
func (s *Scope) Cancel() {
	s.cancel()
}

// Cancelled reports whether the scope has fired.
func (s *Scope) Cancelled() bool {
	return s.ctx.Err() != nil
}

// Manager is the registry of known tasks plus the cancellation scopes of
// batches currently executing. Tasks may be saved ahead of time by create
// calls and later referenced by id from an execute call.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]Task

	scopeMu sync.RWMutex
	scopes  []*Scope
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{tasks: make(map[string]Task)}
}

// SaveTasks upserts tasks by id. Last write wins, so re-saving an id
// replaces its earlier payload.
func (m *Manager) SaveTasks(tasks []Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
}

// GetTask returns the saved task for id, or a NotFoundError.
func (m *Manager) GetTask(id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, &NotFoundError{TaskID: id}
	}
	return t, nil
}

// RegisterExecution records a batch scope so it can be cancelled from the
// outside. Already-cancelled scopes are pruned on every registration, which
// bounds registry growth without a background sweep.
func (m *Manager) RegisterExecution(scope *Scope) {
	m.scopeMu.Lock()
	defer m.scopeMu.Unlock()
	kept := m.scopes[:0]
	for _, s := range m.scopes {
		if !s.Cancelled() {
			kept = append(kept, s)
		}
	}
	m.scopes = append(kept, scope)
}

// CancelAllExecutions fires every registered scope and clears the registry.
// Used for hard shutdown or user abort.
func (m *Manager) CancelAllExecutions() {
	m.scopeMu.Lock()
	defer m.scopeMu.Unlock()
	for _, s := range m.scopes {
		s.Cancel()
	}
	m.scopes = nil
}

// ActiveExecutions returns the number of registered scopes, including any
// that were cancelled but not yet pruned.
func (m *Manager) ActiveExecutions() int {
	m.scopeMu.RLock()
	defer m.scopeMu.RUnlock()
	return len(m.scopes)
}
