// Package session models external test-run sessions and the host registry
// that reports when they end.
package session

import (
	"github.com/zjrosen/testbridge/internal/config"
)

// Handle is a host-side reference to one run of the external process.
type Handle interface {
	// ID uniquely identifies the session for its whole lifetime.
	ID() string
	// Terminate asks the external process to stop. Termination is reported
	// asynchronously through the registry.
	Terminate() error
}

// Descriptor is what a caller supplies to observe a session: the handle and
// the configuration the session was launched from.
type Descriptor struct {
	Session Handle
	Config  config.RunnerConfig
}

// Listener receives lifecycle notifications from a Registry.
// Both kinds mean the session has ended.
type Listener interface {
	SessionsRemoved(sessions []Handle)
	SessionsTerminated(sessions []Handle)
}

// Registry is the host-wide source of session lifecycle notifications.
type Registry interface {
	AddListener(l Listener)
	RemoveListener(l Listener)
}

// EndedChecker is implemented by registries that remember recently ended
// sessions, so late subscribers can catch up.
type EndedChecker interface {
	Ended(id string) bool
}

// Relauncher starts a new session from a stored handle and configuration.
type Relauncher interface {
	Relaunch(handle Handle, cfg config.RunnerConfig) error
}

// SameSession reports whether a and b refer to the same session.
func SameSession(a, b Handle) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID() == b.ID()
}
