// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hosttrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/sched"
)

func newTestTracker(opts ...Option) (*Tracker, *sched.Scheduler, *sched.ManualClock) {
	clock := sched.NewManualClock(time.Unix(1000, 0))
	s := sched.New(clock)
	return New(s, clock, opts...), s, clock
}

var testIP = netaddr.IpV4FromBytes(10, 0, 0, 5)

func TestRecordLocationEmitsAddOnFirstInsert(t *testing.T) {
	tr, s, _ := newTestTracker()
	var got []HostLocationChanged
	tr.Bus().Subscribe(func(e HostLocationChanged) { got = append(got, e) })

	s.PostImmediate(func() { tr.RecordLocation(testIP, 1, 10, time.Time{}) })
	s.RunPending()

	require.Len(t, got, 1)
	require.Equal(t, Added, got[0].Kind)
	require.Len(t, got[0].Locs, 1)
}

func TestRecordLocationRefreshesExistingWithoutEvent(t *testing.T) {
	tr, s, clock := newTestTracker()
	s.PostImmediate(func() { tr.RecordLocation(testIP, 1, 10, time.Time{}) })
	s.RunPending()

	var got []HostLocationChanged
	tr.Bus().Subscribe(func(e HostLocationChanged) { got = append(got, e) })

	clock.Advance(5 * time.Second)
	s.PostImmediate(func() { tr.RecordLocation(testIP, 1, 10, time.Time{}) })
	s.RunPending()

	require.Empty(t, got, "refreshing the same location should not emit")
	loc, ok := tr.LatestLocation(testIP)
	require.True(t, ok)
	require.Equal(t, clock.Now(), loc.LastSeen)
}

func TestRecordLocationEvictsOldestBeyondBindingLimit(t *testing.T) {
	tr, s, _ := newTestTracker(WithBindingLimit(func(netaddr.IpV4) int { return 2 }))

	s.PostImmediate(func() {
		tr.RecordLocation(testIP, 1, 10, time.Time{})
		tr.RecordLocation(testIP, 2, 20, time.Time{})
		tr.RecordLocation(testIP, 3, 30, time.Time{})
	})
	s.RunPending()

	locs := tr.Locations(testIP)
	require.Len(t, locs, 2)
	require.Equal(t, netaddr.SwitchId(3), locs[0].Switch, "newest first")
	require.Equal(t, netaddr.SwitchId(2), locs[1].Switch)
}

func TestRemoveLocationEmitsModifyThenRemove(t *testing.T) {
	tr, s, _ := newTestTracker(WithBindingLimit(func(netaddr.IpV4) int { return 2 }))

	s.PostImmediate(func() {
		tr.RecordLocation(testIP, 1, 10, time.Time{})
		tr.RecordLocation(testIP, 2, 20, time.Time{})
	})
	s.RunPending()

	var got []HostLocationChanged
	tr.Bus().Subscribe(func(e HostLocationChanged) { got = append(got, e) })

	s.PostImmediate(func() { tr.RemoveLocation(testIP, 2, 20) })
	s.RunPending()
	require.Len(t, got, 1)
	require.Equal(t, Modified, got[0].Kind)

	s.PostImmediate(func() { tr.RemoveLocation(testIP, 1, 10) })
	s.RunPending()
	require.Len(t, got, 2)
	require.Equal(t, Removed, got[1].Kind)
	require.Empty(t, tr.Locations(testIP))
}

func TestExpiryTimerSweepsStaleLocations(t *testing.T) {
	tr, s, clock := newTestTracker(WithTimeout(100 * time.Second))

	s.PostImmediate(func() { tr.RecordLocation(testIP, 1, 10, time.Time{}) })
	s.RunPending()

	var got []HostLocationChanged
	tr.Bus().Subscribe(func(e HostLocationChanged) { got = append(got, e) })

	s.Advance(99 * time.Second)
	require.Empty(t, got, "must not expire before timeout elapses")

	s.Advance(2 * time.Second)
	require.Len(t, got, 1)
	require.Equal(t, Removed, got[0].Kind)
	require.Empty(t, tr.AllHosts())
	_ = clock
}

func TestAllHostsListsEveryTrackedIP(t *testing.T) {
	tr, s, _ := newTestTracker()
	otherIP := netaddr.IpV4FromBytes(10, 0, 0, 9)

	s.PostImmediate(func() {
		tr.RecordLocation(testIP, 1, 10, time.Time{})
		tr.RecordLocation(otherIP, 2, 20, time.Time{})
	})
	s.RunPending()

	hosts := tr.AllHosts()
	require.Len(t, hosts, 2)
	require.Contains(t, hosts, testIP)
	require.Contains(t, hosts, otherIP)
}
