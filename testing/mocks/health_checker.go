package mocks

import (
	"context"
	"sync"
)

// MockChecker is a scriptable health.Checker.
type MockChecker struct {
	mu    sync.Mutex
	err   error
	calls int

	// Function override
	CheckFunc func(ctx context.Context) error
}

// NewMockChecker creates a healthy mock checker.
func NewMockChecker() *MockChecker {
	return &MockChecker{}
}

// HealthCheck returns the configured error.
func (m *MockChecker) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	fn, err := m.CheckFunc, m.err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return err
}

// SetHealthy clears the configured error.
func (m *MockChecker) SetHealthy() {
	m.SetUnhealthy(nil)
}

// SetUnhealthy makes subsequent checks return err.
func (m *MockChecker) SetUnhealthy(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many checks ran.
func (m *MockChecker) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
