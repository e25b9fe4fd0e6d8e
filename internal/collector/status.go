package collector

import (
	"sync"
	"time"

	"github.com/zgpcy/github-billing-exporter/internal/clock"
)

// LoopStatus is the outcome of the last cycle of a poll loop
type LoopStatus struct {
	Name         string
	Cycles       int
	LastCycle    time.Time
	LastDuration time.Duration
	Items        int
	Failures     int
	LastError    string
}

// Status tracks poll loop progress for the readiness probe and the index page
type Status struct {
	clock clock.Clock

	mu    sync.RWMutex
	loops map[string]*LoopStatus
	order []string
}

// NewStatus creates a tracker for the given loops. Only these loops gate readiness.
func NewStatus(clk clock.Clock, loops ...string) *Status {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Status{
		clock: clk,
		loops: make(map[string]*LoopStatus, len(loops)),
	}
	for _, name := range loops {
		if _, ok := s.loops[name]; ok {
			continue
		}
		s.loops[name] = &LoopStatus{Name: name}
		s.order = append(s.order, name)
	}
	return s
}

// Record stores the result of a completed cycle and returns its completion time
func (s *Status) Record(loop string, duration time.Duration, items, failures int, lastErr error) time.Time {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.loops[loop]
	if !ok {
		ls = &LoopStatus{Name: loop}
		s.loops[loop] = ls
		s.order = append(s.order, loop)
	}

	ls.Cycles++
	ls.LastCycle = now
	ls.LastDuration = duration
	ls.Items = items
	ls.Failures = failures
	ls.LastError = ""
	if lastErr != nil {
		ls.LastError = lastErr.Error()
	}
	return now
}

// IsReady returns true once every tracked loop completed at least one cycle
func (s *Status) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ls := range s.loops {
		if ls.Cycles == 0 {
			return false
		}
	}
	return true
}

// Loops returns a copy of every loop status in registration order
func (s *Status) Loops() []LoopStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LoopStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.loops[name])
	}
	return out
}

// LastCycle returns the most recent cycle completion across all loops
func (s *Status) LastCycle() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	for _, ls := range s.loops {
		if ls.LastCycle.After(last) {
			last = ls.LastCycle
		}
	}
	return last
}
