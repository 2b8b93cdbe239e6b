package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aurelia-voice/aurelia/internal/observe"
	"github.com/aurelia-voice/aurelia/pkg/provider/tts"
)

// Factory builds the orchestrator for a new session. The speaker is bound
// to the client connection, so it arrives with the session rather than at
// construction time. Role is the persona the client asked for; empty means
// the factory's default. The manager passes itself as the idle callback
// target, so factories should not set WithIdleFunc themselves.
type Factory func(id, role string, speaker tts.Speaker, opts ...Option) *Orchestrator

// Manager tracks the live sessions and owns their lifecycle.
type Manager struct {
	factory Factory
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Orchestrator
	stopped  bool
}

// ManagerOption is a functional option for Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithManagerMetrics(m *observe.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithManagerLogger sets the logger. Defaults to slog.Default().
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(mgr *Manager) { mgr.log = log }
}

// NewManager constructs a Manager that builds sessions with factory.
func NewManager(factory Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory:  factory,
		sessions: make(map[string]*Orchestrator),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Get returns the session with the given ID, or nil.
func (m *Manager) Get(id string) *Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// GetOrCreate returns the session with the given ID, creating it when
// absent. The second return is true when a new session was created.
// Returns nil after Stop.
func (m *Manager) GetOrCreate(ctx context.Context, id, role string, speaker tts.Speaker, opts ...Option) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, false
	}
	if o, ok := m.sessions[id]; ok {
		return o, false
	}

	o := m.factory(id, role, speaker, append([]Option{WithIdleFunc(m.Remove)}, opts...)...)
	m.sessions[id] = o
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.log.Info("session created", "session_id", id, "active", len(m.sessions))
	return o, true
}

// Remove closes and forgets the session with the given ID. Safe to call
// for IDs that are already gone.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	o, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	o.Close()
	m.metrics.ActiveSessions.Add(context.Background(), -1)
	m.log.Info("session removed", "session_id", id, "active", remaining)
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop closes every session and refuses new ones.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	sessions := m.sessions
	m.sessions = make(map[string]*Orchestrator)
	m.mu.Unlock()

	for id, o := range sessions {
		o.Close()
		m.metrics.ActiveSessions.Add(context.Background(), -1)
		m.log.Debug("session closed on shutdown", "session_id", id)
	}
}
