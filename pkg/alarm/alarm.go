// Package alarm provides one-shot software alarms serviced from a polling
// loop.
package alarm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itohio/goeis/pkg/fault"
)

// Capacity is the maximum number of pending alarms.
const Capacity = 10

var (
	ErrFull       = fmt.Errorf("%w: alarm table full", fault.ErrResource)
	ErrNoCallback = errors.New("alarm: nil callback")
)

// ID identifies a pending alarm. The zero ID is never issued.
type ID uint64

// Clock is a time source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is advanced explicitly.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock stopped at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type entry struct {
	id       ID
	deadline time.Time
	fn       func()
}

// Service keeps a small table of one-shot alarms.
type Service struct {
	clock Clock

	mu      sync.Mutex
	nextID  ID
	entries []entry
}

// New creates an alarm service. A nil clock uses the wall clock.
func New(clock Clock) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		clock:   clock,
		entries: make([]entry, 0, Capacity),
	}
}

// Set arms a one-shot alarm that calls fn from Execute once after has
// elapsed.
func (s *Service) Set(after time.Duration, fn func()) (ID, error) {
	if fn == nil {
		return 0, ErrNoCallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= Capacity {
		return 0, ErrFull
	}

	s.nextID++
	s.entries = append(s.entries, entry{
		id:       s.nextID,
		deadline: s.clock.Now().Add(after),
		fn:       fn,
	})

	return s.nextID, nil
}

// Cancel removes a pending alarm. It reports whether the alarm was pending.
func (s *Service) Cancel(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of armed alarms.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Execute fires every expired alarm in deadline order and returns how many
// fired. Callbacks run without the table lock held.
func (s *Service) Execute() int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !now.Before(e.deadline) {
			due = append(due, e)
		} else {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, e := range due {
		e.fn()
	}

	return len(due)
}
