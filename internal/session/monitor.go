package session

import (
	"sync"

	"github.com/zjrosen/testbridge/internal/log"
)

// Disposer is the object a Monitor tears down when its session ends.
type Disposer interface {
	// IsDisposed reports whether disposal already happened.
	IsDisposed() bool
	// Dispose must be idempotent and safe for concurrent use.
	Dispose()
}

// Monitor watches a Registry for the end of one session and disposes its
// target when that happens. It implements Listener.
type Monitor struct {
	registry Registry
	handle   Handle
	target   Disposer

	mu         sync.Mutex
	subscribed bool
	released   bool
}

// NewMonitor creates an unsubscribed Monitor. A nil registry yields a
// Monitor that never fires.
func NewMonitor(registry Registry, handle Handle, target Disposer) *Monitor {
	return &Monitor{
		registry: registry,
		handle:   handle,
		target:   target,
	}
}

// Subscribe registers with the registry. If the registry remembers that the
// session already ended, the target is disposed right away.
// Subscribing after Unsubscribe is a no-op.
func (m *Monitor) Subscribe() {
	if m.registry == nil {
		return
	}

	m.mu.Lock()
	if m.subscribed || m.released {
		m.mu.Unlock()
		return
	}
	m.subscribed = true
	m.registry.AddListener(m)
	m.mu.Unlock()

	if checker, ok := m.registry.(EndedChecker); ok && checker.Ended(m.handle.ID()) {
		m.fire("already ended")
	}
}

// Unsubscribe releases the registry subscription. Once it returns, the
// Monitor never calls its target again. Safe to call more than once.
func (m *Monitor) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.released = true
	if !m.subscribed {
		return
	}
	m.subscribed = false
	m.registry.RemoveListener(m)
}

// Subscribed reports whether the Monitor currently holds a subscription.
func (m *Monitor) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

// SessionsRemoved implements Listener.
func (m *Monitor) SessionsRemoved(sessions []Handle) {
	m.check(sessions, "removed")
}

// SessionsTerminated implements Listener.
func (m *Monitor) SessionsTerminated(sessions []Handle) {
	m.check(sessions, "terminated")
}

func (m *Monitor) check(sessions []Handle, kind string) {
	for _, s := range sessions {
		if SameSession(s, m.handle) {
			m.fire(kind)
			return
		}
	}
}

// fire disposes the target unless the subscription was released or the
// target is already disposed. Registries notify from a snapshot, so a
// callback can still arrive after Unsubscribe.
func (m *Monitor) fire(reason string) {
	m.mu.Lock()
	released := m.released
	m.mu.Unlock()

	if released || m.target.IsDisposed() {
		return
	}

	log.Info(log.CatLifecycle, "Session ended, disposing", "session", m.handle.ID(), "reason", reason)
	m.target.Dispose()
}
