// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcroute.dev/mcroute/internal/groupmgr"
	"mcroute.dev/mcroute/internal/hosttrack"
	"mcroute.dev/mcroute/internal/iface"
	"mcroute.dev/mcroute/internal/iface/fake"
	"mcroute.dev/mcroute/internal/linkload"
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/sched"
	"mcroute.dev/mcroute/internal/weight"
)

var group1 = netaddr.IpV4FromBytes(224, 1, 1, 1)

// buildLine wires switches 1-2-3-4 in a path topology, each unit weight.
func buildLine(topo *fake.Topology, unicast *fake.UnicastRouting) {
	topo.AddLink(1, 12, 2, 21)
	topo.AddLink(2, 23, 3, 32)
	topo.AddLink(3, 34, 4, 43)

	type seg struct {
		a, b       netaddr.SwitchId
		aOut, bOut netaddr.Port
	}
	segs := []seg{{1, 2, 12, 21}, {2, 3, 23, 32}, {3, 4, 34, 43}}
	chain := func(from, to netaddr.SwitchId) []iface.Hop {
		var hops []iface.Hop
		dir := 1
		if to < from {
			dir = -1
		}
		cur := from
		for cur != to {
			next := cur + netaddr.SwitchId(dir)
			var out, in netaddr.Port
			for _, s := range segs {
				if s.a == cur && s.b == next {
					out, in = s.aOut, s.bOut
				} else if s.b == cur && s.a == next {
					out, in = s.bOut, s.aOut
				}
			}
			hops = append(hops, iface.Hop{Dst: next, InPort: in, OutPort: out, Weight: weight.Unit})
			cur = next
		}
		return hops
	}
	for a := netaddr.SwitchId(1); a <= 4; a++ {
		for b := netaddr.SwitchId(1); b <= 4; b++ {
			if a == b {
				continue
			}
			path := chain(a, b)
			w := weight.Zero
			for range path {
				w = weight.Incr(w)
			}
			unicast.SetRoute(a, b, path, w)
		}
	}
}

func TestSharedTreeGrowsOnAddAndCoversAllDestinations(t *testing.T) {
	topo := fake.NewTopology()
	unicast := fake.NewUnicastRouting()
	buildLine(topo, unicast)
	topo.AddPort(1, 100, false)
	topo.AddPort(4, 400, false)

	clock := sched.NewManualClock(time.Unix(0, 0))
	s := sched.New(clock)
	m := New(topo, unicast, nil, s)

	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 1, Port: 100, Action: groupmgr.ActionAdd})
	g := m.groups[group1]
	require.True(t, g.sharedOK)
	require.Contains(t, g.sharedTree.Switches(), netaddr.SwitchId(1))

	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 4, Port: 400, Action: groupmgr.ActionAdd})
	require.True(t, g.sharedOK)
	sws := g.sharedTree.Switches()
	require.Contains(t, sws, netaddr.SwitchId(1))
	require.Contains(t, sws, netaddr.SwitchId(4))
	require.Contains(t, sws, netaddr.SwitchId(2), "the line topology must route through the intermediate switches")
	require.Contains(t, sws, netaddr.SwitchId(3))
}

func TestRemovingLastDestinationDropsTheGroup(t *testing.T) {
	topo := fake.NewTopology()
	unicast := fake.NewUnicastRouting()
	buildLine(topo, unicast)
	topo.AddPort(1, 100, false)

	s := sched.New(sched.NewManualClock(time.Unix(0, 0)))
	m := New(topo, unicast, nil, s)

	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 1, Port: 100, Action: groupmgr.ActionAdd})
	require.Contains(t, m.groups, group1)

	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 1, Port: 100, Action: groupmgr.ActionRemove})
	require.NotContains(t, m.groups, group1)
}

func TestSourceSpecificTreeIncludesSharedAndExtraDestinations(t *testing.T) {
	topo := fake.NewTopology()
	unicast := fake.NewUnicastRouting()
	buildLine(topo, unicast)
	topo.AddPort(1, 100, false)
	topo.AddPort(4, 400, false)

	s := sched.New(sched.NewManualClock(time.Unix(0, 0)))
	m := New(topo, unicast, nil, s)

	src := netaddr.IpV4FromBytes(10, 0, 0, 9)
	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 1, Port: 100, Action: groupmgr.ActionAdd})
	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 4, Port: 400, Src: src, Action: groupmgr.ActionAdd})

	g := m.groups[group1]
	ss := g.sources[src]
	require.True(t, ss.treeOK)
	sws := ss.tree.Switches()
	require.Contains(t, sws, netaddr.SwitchId(1), "source tree must still cover shared destinations")
	require.Contains(t, sws, netaddr.SwitchId(4))
}

func TestGetTreePathPrefersFreshSourceTreeOverShared(t *testing.T) {
	topo := fake.NewTopology()
	unicast := fake.NewUnicastRouting()
	buildLine(topo, unicast)
	topo.AddPort(1, 100, false)
	topo.AddPort(4, 400, false)

	s := sched.New(sched.NewManualClock(time.Unix(0, 0)))
	hosts := hosttrack.New(s, sched.NewManualClock(time.Unix(0, 0)))
	m := New(topo, unicast, hosts, s)

	hostIP := netaddr.IpV4FromBytes(10, 0, 0, 9)
	hosts.RecordLocation(hostIP, 1, 1, time.Time{})

	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 4, Port: 400, Action: groupmgr.ActionAdd})
	tr, ok := m.GetTreePath(hostIP, group1)
	require.True(t, ok)
	require.Equal(t, netaddr.SwitchId(1), tr.Root())

	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 4, Port: 401, Src: hostIP, Action: groupmgr.ActionAdd})
	tr2, ok := m.GetTreePath(hostIP, group1)
	require.True(t, ok)
	require.Equal(t, netaddr.SwitchId(1), tr2.Root())
	require.Contains(t, tr2.Switches(), netaddr.SwitchId(4))
	require.Contains(t, tr2.OutputActions(4), iface.Action{Output: 401}, "port 401 is only in the source-specific tree")
}

func TestLinkWeightChangedCoalescesAndRecomputesAffectedTreesOnly(t *testing.T) {
	topo := fake.NewTopology()
	unicast := fake.NewUnicastRouting()
	buildLine(topo, unicast)
	topo.AddPort(1, 100, false)
	topo.AddPort(4, 400, false)

	s := sched.New(sched.NewManualClock(time.Unix(0, 0)))
	m := New(topo, unicast, nil, s)

	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 1, Port: 100, Action: groupmgr.ActionAdd})
	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 4, Port: 400, Action: groupmgr.ActionAdd})
	before := m.groups[group1].sharedTree

	m.HandleLinkWeightChanged(linkload.LinkWeightChanged{Src: 2, Dst: 3, SPort: 23, DPort: 32, Old: weight.Unit, New: weight.Weight{Value: 5}})
	require.True(t, m.flushScheduled)
	require.Same(t, before, m.groups[group1].sharedTree, "recompute is deferred to the scheduled flush, not applied synchronously")

	s.RunPending()
	require.False(t, m.flushScheduled)
	require.True(t, m.groups[group1].sharedOK)
}

func TestUnreachableDestinationPairYieldsNoTree(t *testing.T) {
	topo := fake.NewTopology()
	unicast := fake.NewUnicastRouting() // no routes configured: every pair unreachable
	topo.AddPort(1, 100, false)
	topo.AddPort(4, 400, false)

	s := sched.New(sched.NewManualClock(time.Unix(0, 0)))
	m := New(topo, unicast, nil, s)

	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 1, Port: 100, Action: groupmgr.ActionAdd})
	m.HandleGroupEvent(groupmgr.GroupEvent{Group: group1, Switch: 4, Port: 400, Action: groupmgr.ActionAdd})

	require.False(t, m.groups[group1].sharedOK, "an unreachable destination pair must yield no tree, not a partial one")
}
