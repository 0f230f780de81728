// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sched implements the cooperative task/timer loop every component
// in this controller runs on (spec §5): a single logical thread of control
// where every handler — packet-in, timer fire, link event, group event —
// runs to completion without interleaving, and later work is always
// scheduled rather than invoked inline.
//
// The design generalizes the teacher's heartbeat-ticker idiom
// (context.Context + time.Ticker, re-checking owner state before acting)
// from one fixed interval to arbitrary per-call delays, using a binary
// min-heap of pending timers — the same technique the routing engine uses
// for Prim's algorithm.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Clock abstracts wall-clock access so timer behavior can be driven
// deterministically in tests instead of via real sleeps.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock, backed by time.Now.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock a test advances explicitly.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a ManualClock starting at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now returns the clock's current simulated time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the simulated clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Handle identifies a pending timer. Cancel and Reset are idempotent and
// safe to call from within a handler that races a concurrently-firing
// callback — the callback re-checks handle state before acting.
type Handle struct {
	s  *Scheduler
	id uint64
}

type timerEntry struct {
	id       uint64
	fireAt   time.Time
	fn       func()
	index    int
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].id < h[j].id
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the single-threaded cooperative task/timer loop. All state
// mutation by components happens from within closures posted to it, so
// there is no mutex discipline needed at the component level (spec §5).
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	nextID  uint64
	timers  timerHeap
	entries map[uint64]*timerEntry
	queue   []func()
	wake    chan struct{}
}

// New creates a Scheduler driven by clock. Use RealClock{} in production,
// a *ManualClock in tests.
func New(clock Clock) *Scheduler {
	return &Scheduler{
		clock:   clock,
		entries: make(map[uint64]*timerEntry),
		wake:    make(chan struct{}, 1),
	}
}

// PostImmediate enqueues fn to run on the next pump, after anything already
// queued — preserving FIFO visibility of events emitted during the
// currently-running handler.
func (s *Scheduler) PostImmediate(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.signal()
}

// PostAt schedules fn to run no earlier than delay from now. Returns a
// Handle that can Cancel or Reset the pending call.
func (s *Scheduler) PostAt(delay time.Duration, fn func()) *Handle {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	e := &timerEntry{id: id, fireAt: s.clock.Now().Add(delay), fn: fn}
	s.entries[id] = e
	heap.Push(&s.timers, e)
	s.mu.Unlock()
	s.signal()
	return &Handle{s: s, id: id}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel stops a pending timer. Idempotent: canceling twice, or canceling
// after the timer already fired, is a no-op.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if e, ok := h.s.entries[h.id]; ok {
		e.canceled = true
		delete(h.s.entries, h.id)
	}
}

// Reset cancels the pending call (if any) and reschedules it delay from
// now, per spec §5's "always cancel() then re-post" re-arming rule.
func (h *Handle) Reset(delay time.Duration) *Handle {
	h.s.mu.Lock()
	fn := (func())(nil)
	if e, ok := h.s.entries[h.id]; ok {
		fn = e.fn
	}
	h.s.mu.Unlock()
	h.Cancel()
	if fn == nil {
		return h
	}
	return h.s.PostAt(delay, fn)
}

// Pending reports whether the timer identified by h is still armed.
func (h *Handle) Pending() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	_, ok := h.s.entries[h.id]
	return ok
}

// dueLocked pops every timer whose fireAt has passed, in fire-then-insertion
// order, leaving unexpired timers on the heap. Caller holds s.mu.
func (s *Scheduler) dueLocked(now time.Time) []*timerEntry {
	var due []*timerEntry
	for s.timers.Len() > 0 {
		top := s.timers[0]
		if top.fireAt.After(now) {
			break
		}
		heap.Pop(&s.timers)
		if top.canceled {
			continue
		}
		delete(s.entries, top.id)
		due = append(due, top)
	}
	return due
}

// RunPending drains the immediate queue and any due timers, in order,
// running each to completion before moving to the next — honoring the "no
// interleaving" rule even though a handler may itself call PostImmediate or
// PostAt, which simply appends further work for this same call to pick up.
// Returns the number of closures executed.
func (s *Scheduler) RunPending() int {
	ran := 0
	for {
		s.mu.Lock()
		var next func()
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()
		if next != nil {
			next()
			ran++
			continue
		}

		s.mu.Lock()
		due := s.dueLocked(s.clock.Now())
		s.mu.Unlock()
		if len(due) == 0 {
			return ran
		}
		for _, e := range due {
			e.fn()
			ran++
		}
	}
}

// Advance moves a *ManualClock forward by d and runs everything that comes
// due as a result. Panics if the Scheduler was not built with a ManualClock.
func (s *Scheduler) Advance(d time.Duration) int {
	mc, ok := s.clock.(*ManualClock)
	if !ok {
		panic("sched: Advance requires a ManualClock")
	}
	mc.Advance(d)
	return s.RunPending()
}

// nextDeadlineLocked returns the fire time of the earliest live timer and
// true, or the zero time and false if none is armed. Caller holds s.mu.
func (s *Scheduler) nextDeadlineLocked() (time.Time, bool) {
	for s.timers.Len() > 0 {
		top := s.timers[0]
		if top.canceled {
			heap.Pop(&s.timers)
			continue
		}
		return top.fireAt, true
	}
	return time.Time{}, false
}

// Run drives the scheduler against a RealClock until ctx is canceled,
// blocking between ticks of work. It is the production entry point; tests
// drive RunPending/Advance directly against a ManualClock instead.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.RunPending()

		s.mu.Lock()
		deadline, ok := s.nextDeadlineLocked()
		s.mu.Unlock()

		var timerC <-chan time.Time
		var t *time.Timer
		if ok {
			d := deadline.Sub(s.clock.Now())
			if d < 0 {
				d = 0
			}
			t = time.NewTimer(d)
			timerC = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if t != nil {
			t.Stop()
		}
	}
}
