// Package mocks provides testify mocks for the session collaborators.
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/zjrosen/testbridge/internal/config"
	"github.com/zjrosen/testbridge/internal/session"
)

// T is the subset of testing.TB the constructors need.
type T interface {
	mock.TestingT
	Cleanup(func())
}

// === MockHandle ===

// MockHandle is a mock session.Handle.
type MockHandle struct {
	mock.Mock
	id string
}

// NewMockHandle creates a MockHandle with the given ID and registers
// expectation assertions on cleanup.
func NewMockHandle(t T, id string) *MockHandle {
	m := &MockHandle{id: id}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// ID returns the fixed ID; it is not recorded as a call.
func (m *MockHandle) ID() string {
	return m.id
}

// Terminate records the call.
func (m *MockHandle) Terminate() error {
	args := m.Called()
	return args.Error(0)
}

// === MockRegistry ===

// MockRegistry is a mock session.Registry.
type MockRegistry struct {
	mock.Mock
}

// NewMockRegistry creates a MockRegistry and registers expectation
// assertions on cleanup.
func NewMockRegistry(t T) *MockRegistry {
	m := &MockRegistry{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// AddListener records the call.
func (m *MockRegistry) AddListener(l session.Listener) {
	m.Called(l)
}

// RemoveListener records the call.
func (m *MockRegistry) RemoveListener(l session.Listener) {
	m.Called(l)
}

// === MockRelauncher ===

// MockRelauncher is a mock session.Relauncher.
type MockRelauncher struct {
	mock.Mock
}

// NewMockRelauncher creates a MockRelauncher and registers expectation
// assertions on cleanup.
func NewMockRelauncher(t T) *MockRelauncher {
	m := &MockRelauncher{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Relaunch records the call.
func (m *MockRelauncher) Relaunch(handle session.Handle, cfg config.RunnerConfig) error {
	args := m.Called(handle, cfg)
	return args.Error(0)
}
