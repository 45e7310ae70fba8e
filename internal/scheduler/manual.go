package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is an Executor driven by an explicit clock. Nothing runs until
// Advance or RunPending is called. It is used by tests across packages.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	entries []*manualEntry
}

type manualEntry struct {
	at        time.Duration
	seq       uint64
	fn        func()
	cancelled bool
	ran       bool
	m         *Manual
}

// NewManual creates a manual executor at time zero.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Schedule(fn func(), delay time.Duration) Handle {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &manualEntry{at: m.now + delay, seq: m.seq, fn: fn, m: m}
	m.seq++
	m.entries = append(m.entries, e)
	return e
}

func (m *Manual) Submit(fn func()) Handle {
	return m.Schedule(fn, 0)
}

// Advance moves the clock forward by d, running every function that
// becomes due, in due order. Functions scheduled while advancing run too
// if they fall inside the window.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	ran := 0
	for {
		e := m.nextDue(target)
		if e == nil {
			break
		}
		e.fn()
		ran++
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
	return ran
}

// RunPending runs everything due now without moving the clock.
func (m *Manual) RunPending() int {
	return m.Advance(0)
}

// Pending returns the number of scheduled functions that have not run.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.ran && !e.cancelled {
			n++
		}
	}
	return n
}

// NextDelay returns the delay until the next pending function.
func (m *Manual) NextDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *manualEntry
	for _, e := range m.entries {
		if e.ran || e.cancelled {
			continue
		}
		if best == nil || e.at < best.at || (e.at == best.at && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return 0, false
	}
	return best.at - m.now, true
}

func (m *Manual) nextDue(target time.Duration) *manualEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.SliceStable(m.entries, func(i, j int) bool {
		if m.entries[i].at != m.entries[j].at {
			return m.entries[i].at < m.entries[j].at
		}
		return m.entries[i].seq < m.entries[j].seq
	})
	for _, e := range m.entries {
		if e.ran || e.cancelled {
			continue
		}
		if e.at > target {
			return nil
		}
		e.ran = true
		if e.at > m.now {
			m.now = e.at
		}
		return e
	}
	return nil
}

func (e *manualEntry) Cancel() bool {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if e.ran || e.cancelled {
		return false
	}
	e.cancelled = true
	return true
}

// Elapsed returns the manual clock reading.
func (m *Manual) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}
