// Package events defines the test-status event model delivered by the bridge
// and the Observer capability that receives it.
//
// One TestEvent is produced per accepted notifyTest call. Events are delivered
// live and are not retained after dispatch.
package events

import "strings"

// Status is the status token reported by the external test runner.
// The runner may send tokens outside the known set; they are passed through unchanged.
type Status string

// Known status tokens.
const (
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusFail    Status = "fail"
	StatusError   Status = "error"
	StatusSkip    Status = "skip"
)

// IsFailure reports whether the status marks a failed or errored test.
func (s Status) IsFailure() bool {
	switch Status(strings.ToLower(string(s))) {
	case StatusFail, StatusError:
		return true
	}
	return false
}

// IsFinal reports whether the status marks the end of a test case
// (anything except running).
func (s Status) IsFinal() bool {
	return s != "" && Status(strings.ToLower(string(s))) != StatusRunning
}

// TestEvent is a single status notification for one test case.
// It is passed by value; observers cannot mutate what other observers see.
type TestEvent struct {
	// Status is the status token (e.g. running, ok, fail, error).
	Status Status
	// Location identifies the source position or module (e.g. "mod.py:10").
	Location string
	// Test identifies the test case (e.g. "test_foo").
	Test string
	// CapturedOutput is the output captured while the test ran; may be empty.
	CapturedOutput string
	// ErrorContents is stack-trace-like text for failures; may be empty.
	ErrorContents string
}

// Observer receives events from a bridge.
// Implementations must be goroutine-safe: OnTest is invoked from listener
// goroutines and OnDispose from the goroutine running disposal.
// Observers must not call back into the bridge's Dispose from OnTest; asking
// the bridge to Stop, or ending the session, is fine.
type Observer interface {
	// OnTest is called once per dispatched event, in the order calls were received.
	OnTest(event TestEvent)
	// OnDispose is called exactly once when the bridge is disposed.
	OnDispose()
}

// ObserverFuncs adapts plain functions to the Observer interface.
// Nil fields are ignored.
type ObserverFuncs struct {
	Test    func(event TestEvent)
	Dispose func()
}

// OnTest calls f.Test if set.
func (f ObserverFuncs) OnTest(event TestEvent) {
	if f.Test != nil {
		f.Test(event)
	}
}

// OnDispose calls f.Dispose if set.
func (f ObserverFuncs) OnDispose() {
	if f.Dispose != nil {
		f.Dispose()
	}
}
