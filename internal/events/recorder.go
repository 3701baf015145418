package events

import "sync"

// Recorder is an Observer that keeps every event it receives.
// Used by tests and by callers that want to inspect a run after it ends.
type Recorder struct {
	mu       sync.Mutex
	events   []TestEvent
	disposed int
	done     chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{done: make(chan struct{})}
}

// OnTest records the event.
func (r *Recorder) OnTest(event TestEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// OnDispose counts the dispose notification and releases Done waiters.
func (r *Recorder) OnDispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed++
	if r.disposed == 1 {
		close(r.done)
	}
}

// Events returns a copy of the recorded events in arrival order.
func (r *Recorder) Events() []TestEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TestEvent, len(r.events))
	copy(out, r.events)
	return out
}

// DisposeCount returns how many times OnDispose was called.
func (r *Recorder) DisposeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// Done is closed on the first OnDispose.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}
