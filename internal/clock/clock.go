// Package clock abstracts wall time and one-shot timers so timer-driven
// components can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancelable one-shot timer handle.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired
	// or was already stopped.
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is a Clock backed by the time package.
type Real struct{}

// New returns the system clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual is a Clock whose time only moves when Advance is called.
// Callbacks fire synchronously inside Advance, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	m       *Manual
	when    time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, when: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due.
// Timers scheduled by callbacks fire too if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		if next.when.After(m.now) {
			m.now = next.when
		}
		next.fired = true
		m.removeLocked(next)
		m.mu.Unlock()

		next.f()
	}
}

// Set jumps the clock to t without firing timers. Used to simulate
// suspend/resume clock anomalies.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	if m.timers[0].when.After(target) {
		return nil
	}
	return m.timers[0]
}

func (m *Manual) removeLocked(t *manualTimer) {
	for i, c := range m.timers {
		if c == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.m.removeLocked(t)
	return true
}
