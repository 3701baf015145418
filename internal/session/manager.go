package session

import (
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/zjrosen/testbridge/internal/log"
)

// DefaultTombstoneTTL is how long ended session IDs are remembered.
const DefaultTombstoneTTL = 5 * time.Minute

// Manager is an in-process Registry. It tracks live sessions, notifies
// listeners when sessions are removed or terminate, and keeps tombstones
// for ended sessions so Ended answers for late subscribers.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]Handle
	listeners []Listener

	// ended maps session ID to the notification kind that ended it
	ended *cache.Cache
}

// NewManager creates a Manager. A non-positive ttl uses DefaultTombstoneTTL.
func NewManager(tombstoneTTL time.Duration) *Manager {
	if tombstoneTTL <= 0 {
		tombstoneTTL = DefaultTombstoneTTL
	}
	return &Manager{
		sessions: make(map[string]Handle),
		ended:    cache.New(tombstoneTTL, 2*tombstoneTTL),
	}
}

// Add registers a live session.
func (m *Manager) Add(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[h.ID()] = h
}

// Get returns the live session with the given ID.
func (m *Manager) Get(id string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[id]
	return h, ok
}

// Sessions returns the registered sessions in no particular order.
func (m *Manager) Sessions() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		result = append(result, h)
	}
	return result
}

// Remove unregisters sessions and notifies listeners with SessionsRemoved.
func (m *Manager) Remove(handles ...Handle) {
	if len(handles) == 0 {
		return
	}
	m.mu.Lock()
	for _, h := range handles {
		delete(m.sessions, h.ID())
		m.ended.SetDefault(h.ID(), "removed")
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	log.Debug(log.CatLifecycle, "Sessions removed", "count", len(handles))
	for _, l := range listeners {
		l.SessionsRemoved(handles)
	}
}

// MarkTerminated records that sessions' processes exited and notifies
// listeners with SessionsTerminated. Terminated sessions stay registered
// until removed.
func (m *Manager) MarkTerminated(handles ...Handle) {
	if len(handles) == 0 {
		return
	}
	m.mu.Lock()
	for _, h := range handles {
		m.ended.SetDefault(h.ID(), "terminated")
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	log.Debug(log.CatLifecycle, "Sessions terminated", "count", len(handles))
	for _, l := range listeners {
		l.SessionsTerminated(handles)
	}
}

// Ended reports whether the session was removed or terminated within the
// tombstone TTL.
func (m *Manager) Ended(id string) bool {
	_, ok := m.ended.Get(id)
	return ok
}

// AddListener subscribes l. Listeners added during a notification only see
// the next one.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener unsubscribes l. Unknown listeners are ignored.
func (m *Manager) RemoveListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.Index(m.listeners, l); i >= 0 {
		m.listeners = slices.Delete(m.listeners, i, i+1)
	}
}

// ListenerCount returns the number of subscribed listeners.
func (m *Manager) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
