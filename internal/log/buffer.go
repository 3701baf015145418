package log

import (
	"slices"
	"strings"
	"sync"
)

// RingBuffer keeps the most recent log entries so diagnostics that only go
// to the log (mismatched calls, failed teardown steps) can be checked later.
type RingBuffer struct {
	mu   sync.RWMutex
	buf  []string
	next int  // slot the next entry is written to
	full bool // every slot has been written at least once
}

// NewRingBuffer creates a buffer holding up to capacity entries.
// Capacities below 1 are raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]string, max(capacity, 1))}
}

// Add stores entry, dropping the oldest one when the buffer is full.
func (r *RingBuffer) Add(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = entry
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// GetLast returns up to n of the newest entries, oldest first.
func (r *RingBuffer) GetLast(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.orderedLocked()
	if n <= 0 || len(all) == 0 {
		return nil
	}
	if n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// orderedLocked returns a copy of the held entries, oldest first.
func (r *RingBuffer) orderedLocked() []string {
	if !r.full {
		return slices.Clone(r.buf[:r.next])
	}
	return append(slices.Clone(r.buf[r.next:]), r.buf[:r.next]...)
}

// Clear drops every entry.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.next = 0
	r.full = false
}

// Len returns the number of entries held.
func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Contains reports whether any held entry contains substr.
func (r *RingBuffer) Contains(substr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.ContainsFunc(r.orderedLocked(), func(entry string) bool {
		return strings.Contains(entry, substr)
	})
}
