package scheduler

import (
	"sync"
	"time"
)

// State is the lifecycle state reported by a Sequence.
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Step is one entry of a sequence: Value is applied Delay after the
// previous step.
type Step[T any] struct {
	Value T
	Delay time.Duration
}

// SequenceConfig configures a Sequence.
type SequenceConfig[K comparable, T any] struct {
	Key      K
	Steps    []Step[T]
	Repeat   bool
	Executor Executor
	// Active is the table of running sequences, keyed by Key.
	Active *Table[K, *Sequence[K, T]]
	Apply  func(key K, value T)
	Report func(key K, state State)
}

// Sequence plays a list of delayed steps, optionally repeating, and can be
// cancelled at any point. The terminal state is reported exactly once.
type Sequence[K comparable, T any] struct {
	cfg SequenceConfig[K, T]

	mu        sync.Mutex
	cursor    int
	cancelled bool
	done      bool
	handle    Handle
}

// NewSequence creates an idle sequence.
func NewSequence[K comparable, T any](cfg SequenceConfig[K, T]) *Sequence[K, T] {
	if cfg.Apply == nil {
		cfg.Apply = func(K, T) {}
	}
	if cfg.Report == nil {
		cfg.Report = func(K, State) {}
	}
	return &Sequence[K, T]{cfg: cfg, cursor: -1}
}

// Start registers the sequence as the active one for its key, cancelling
// any sequence it replaces, reports StateRunning and runs the first
// iteration.
func (s *Sequence[K, T]) Start() {
	if prev, replaced := s.cfg.Active.Store(s.cfg.Key, s); replaced && prev != s {
		if prev.markCancelled() {
			prev.cfg.Report(prev.cfg.Key, StateCancelled)
		}
	}
	s.cfg.Report(s.cfg.Key, StateRunning)
	s.run()
}

// Cancel stops the sequence. It reports whether this call cancelled it.
func (s *Sequence[K, T]) Cancel() bool {
	if !s.markCancelled() {
		return false
	}
	s.cfg.Active.CompareAndDelete(s.cfg.Key, s)
	s.cfg.Report(s.cfg.Key, StateCancelled)
	return true
}

// Done reports whether the sequence has completed or been cancelled.
func (s *Sequence[K, T]) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done || s.cancelled
}

// CancelActive cancels the active sequence for key, if any. The table
// entry is removed atomically so a concurrent completion cannot remove it
// a second time.
func CancelActive[K comparable, T any](active *Table[K, *Sequence[K, T]], key K) bool {
	var victim *Sequence[K, T]
	active.ComputeIfPresent(key, func(s *Sequence[K, T]) (*Sequence[K, T], bool) {
		victim = s
		return nil, false
	})
	if victim == nil || !victim.markCancelled() {
		return false
	}
	victim.cfg.Report(key, StateCancelled)
	return true
}

func (s *Sequence[K, T]) markCancelled() bool {
	s.mu.Lock()
	if s.cancelled || s.done {
		s.mu.Unlock()
		return false
	}
	s.cancelled = true
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
	return true
}

func (s *Sequence[K, T]) run() {
	s.mu.Lock()
	if s.cancelled || s.done {
		s.mu.Unlock()
		return
	}
	cursor := s.cursor
	s.mu.Unlock()

	if cursor >= 0 {
		s.cfg.Apply(s.cfg.Key, s.cfg.Steps[cursor].Value)
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	last := len(s.cfg.Steps) - 1
	isLast := cursor == last
	if isLast && s.cfg.Repeat && last >= 0 {
		s.cursor = 0
	} else {
		s.cursor = cursor + 1
	}

	if isLast && !(s.cfg.Repeat && last >= 0) {
		s.done = true
		s.mu.Unlock()
		s.cfg.Active.CompareAndDelete(s.cfg.Key, s)
		s.cfg.Report(s.cfg.Key, StateCompleted)
		return
	}

	delay := s.cfg.Steps[s.cursor].Delay
	if delay < 0 {
		delay = 0
	}
	s.mu.Unlock()

	h := s.cfg.Executor.Schedule(s.run, delay)

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		h.Cancel()
		return
	}
	s.handle = h
	s.mu.Unlock()
}
