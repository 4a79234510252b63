package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Mock is a manually advanced Provider. Callbacks registered with AfterFunc
// run synchronously on the goroutine calling Advance, in deadline order.
type Mock struct {
	mu          sync.Mutex
	CurrentTime time.Time
	timers      []*mockTimer
	seq         int
}

var _ Provider = (*Mock)(nil)

// NewMock returns a Mock whose clock starts at t.
func NewMock(t time.Time) *Mock { return &Mock{CurrentTime: t} }

type mockTimer struct {
	mock     *Mock
	deadline time.Time
	delay    time.Duration
	seq      int
	fn       func()
	stopped  bool
	fired    bool
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentTime
}

// Sleep advances the clock by d, firing any timers that come due.
func (m *Mock) Sleep(d time.Duration) { m.Advance(d) }

// AfterFunc registers f to run once the clock has been advanced past d.
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &mockTimer{
		mock:     m,
		deadline: m.CurrentTime.Add(d),
		delay:    d,
		seq:      m.seq,
		fn:       f,
	}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d and runs every timer whose deadline
// falls within the window. Timers scheduled by those callbacks also fire if
// they come due before the new current time.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.CurrentTime.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.CurrentTime = target
			m.mu.Unlock()
			return
		}
		next.fired = true
		if next.deadline.After(m.CurrentTime) {
			m.CurrentTime = next.deadline
		}
		m.mu.Unlock()

		next.fn()
	}
}

func (m *Mock) nextDueLocked(target time.Time) *mockTimer {
	var due []*mockTimer
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.stopped || t.fired {
			continue
		}
		live = append(live, t)
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	m.timers = live

	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

// Pending returns the delays of timers that have neither fired nor been
// stopped, in the order they were scheduled.
func (m *Mock) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []time.Duration
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}
