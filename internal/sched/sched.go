// Package sched implements the cooperative timer list driving all periodic
// behaviour in a bridge: keepalive, per-command timeouts, write retries and
// state pollers. Entries are keyed by tag; adding a tag that is already
// pending replaces the old deadline rather than duplicating it, which is what
// the retriggerable keepalive relies on.
package sched

import (
	"sort"
	"time"
)

// NoDeadline is returned by WaitTime when nothing is pending.
const NoDeadline = time.Duration(-1)

type entry struct {
	deadline time.Time
	seq      uint64
	tag      string
	fn       func()
}

// Scheduler is a deadline-ordered list of pending callbacks. It is owned by a
// single core loop and is not safe for concurrent use.
type Scheduler struct {
	entries []entry
	seq     uint64
	now     func() time.Time
}

// New creates an empty scheduler using the wall clock.
func New() *Scheduler {
	return &Scheduler{now: time.Now}
}

// NewWithClock creates a scheduler with an injected clock, for tests.
func NewWithClock(now func() time.Time) *Scheduler {
	return &Scheduler{now: now}
}

// Add schedules fn to fire after delay. If an entry with the same tag is
// already pending it is replaced.
func (s *Scheduler) Add(tag string, delay time.Duration, fn func()) {
	s.Remove(tag)
	s.seq++
	e := entry{deadline: s.now().Add(delay), seq: s.seq, tag: tag, fn: fn}
	idx := sort.Search(len(s.entries), func(i int) bool {
		if s.entries[i].deadline.Equal(e.deadline) {
			return s.entries[i].seq > e.seq
		}
		return s.entries[i].deadline.After(e.deadline)
	})
	s.entries = append(s.entries, entry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = e
}

// Remove cancels the entry with the given tag, if any.
func (s *Scheduler) Remove(tag string) {
	for i := range s.entries {
		if s.entries[i].tag == tag {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Pending reports whether an entry with the given tag is scheduled.
func (s *Scheduler) Pending(tag string) bool {
	for i := range s.entries {
		if s.entries[i].tag == tag {
			return true
		}
	}
	return false
}

// Flush fires every entry whose deadline has passed, in deadline order with
// ties broken by insertion order. Callbacks may re-add themselves; entries
// added during a flush never fire in the same flush.
func (s *Scheduler) Flush() {
	now := s.now()
	cutoff := s.seq
	for len(s.entries) > 0 {
		e := s.entries[0]
		if e.deadline.After(now) || e.seq > cutoff {
			return
		}
		s.entries = s.entries[1:]
		e.fn()
	}
}

// WaitTime returns the time until the next deadline, zero if a deadline has
// already passed, or NoDeadline when the list is empty.
func (s *Scheduler) WaitTime() time.Duration {
	if len(s.entries) == 0 {
		return NoDeadline
	}
	d := s.entries[0].deadline.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	return len(s.entries)
}
