// Package clock abstracts time so the poll cadence and vacation-window
// derivations can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of time operations the bridge depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// Real is the production Clock backed by the time package.
type Real struct{}

// NewReal creates a real clock.
func NewReal() *Real { return &Real{} }

func (*Real) Now() time.Time                         { return time.Now() }
func (*Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (*Real) Since(t time.Time) time.Duration        { return time.Since(t) }

// Mock is a manually advanced Clock for tests. Time only moves when
// Advance or Set is called; pending After waiters fire when the new time
// reaches their deadline.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMock creates a mock clock frozen at start.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	m.waiters = append(m.waiters, waiter{deadline: m.current.Add(d), ch: ch})
	return ch
}

func (m *Mock) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Sub(t)
}

// Advance moves the clock forward and fires every waiter whose deadline
// has been reached.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	now := m.current

	var due []chan time.Time
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if w.deadline.After(now) {
			remaining = append(remaining, w)
			continue
		}
		due = append(due, w.ch)
	}
	m.waiters = remaining
	m.mu.Unlock()

	for _, ch := range due {
		ch <- now
	}
}

// Set jumps the clock to t. Moving backwards only changes Now; waiters
// keep their deadlines.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if t.After(current) {
		m.Advance(t.Sub(current))
		return
	}
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}
