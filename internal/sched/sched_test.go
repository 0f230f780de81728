// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostImmediateFIFO(t *testing.T) {
	s := New(NewManualClock(time.Unix(0, 0)))
	var order []int
	s.PostImmediate(func() { order = append(order, 1) })
	s.PostImmediate(func() { order = append(order, 2) })
	s.PostImmediate(func() { order = append(order, 3) })

	s.RunPending()
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestPostAtFiresAfterDelay(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	s := New(clock)
	fired := false
	s.PostAt(5*time.Second, func() { fired = true })

	s.Advance(4 * time.Second)
	require.False(t, fired, "must not fire before delay elapses")

	s.Advance(1 * time.Second)
	require.True(t, fired)
}

func TestCancelIsIdempotentAndPreventsFire(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	s := New(clock)
	fired := false
	h := s.PostAt(time.Second, func() { fired = true })

	h.Cancel()
	h.Cancel() // idempotent

	s.Advance(2 * time.Second)
	require.False(t, fired)
	require.False(t, h.Pending())
}

func TestResetReschedules(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	s := New(clock)
	count := 0
	h := s.PostAt(time.Second, func() { count++ })

	s.Advance(500 * time.Millisecond)
	h = h.Reset(time.Second)
	s.Advance(500 * time.Millisecond)
	require.Equal(t, 0, count, "reset should have pushed the fire time out")

	s.Advance(500 * time.Millisecond)
	require.Equal(t, 1, count)
	_ = h
}

func TestTimersFireInOrderAcrossOneAdvance(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	s := New(clock)
	var order []string
	s.PostAt(3*time.Second, func() { order = append(order, "c") })
	s.PostAt(1*time.Second, func() { order = append(order, "a") })
	s.PostAt(2*time.Second, func() { order = append(order, "b") })

	s.Advance(5 * time.Second)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestHandlerCanScheduleMoreWorkWithoutInterleaving(t *testing.T) {
	s := New(NewManualClock(time.Unix(0, 0)))
	var order []int
	s.PostImmediate(func() {
		order = append(order, 1)
		s.PostImmediate(func() { order = append(order, 3) })
	})
	s.PostImmediate(func() { order = append(order, 2) })

	s.RunPending()
	// handler 1 runs to completion (scheduling 3) before handler 2's slot,
	// but 3 was appended after 2 was already queued, so FIFO gives 1,2,3.
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestBusDeliversInSubscriptionOrderOnLaterTick(t *testing.T) {
	s := New(NewManualClock(time.Unix(0, 0)))
	bus := NewBus[string](s)

	var got []string
	bus.Subscribe(func(e string) { got = append(got, "first:"+e) })
	bus.Subscribe(func(e string) { got = append(got, "second:"+e) })

	published := false
	s.PostImmediate(func() {
		bus.Publish("ADD")
		published = true
	})
	s.RunPending()

	require.True(t, published)
	require.Equal(t, []string{"first:ADD", "second:ADD"}, got)
}
