// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package routing implements the KMB Steiner-tree approximation routing
// engine (spec.md §4.6): per-group shared trees, per-(source,group)
// source-specific trees, and the GroupEvent/LinkWeightChanged handlers that
// keep them current. Grounded in state shape on
// original_source/multicast_routing.hh/.cc (group_entry, source_entry, the
// metric-closure cache) and, for the coalesced multi-tree recomputation fan
// out, on the teacher's supervisor goroutine-group idiom generalized from
// process supervision to independent tree rebuilds.
package routing

import (
	"golang.org/x/sync/errgroup"

	"mcroute.dev/mcroute/internal/groupmgr"
	"mcroute.dev/mcroute/internal/hosttrack"
	"mcroute.dev/mcroute/internal/iface"
	"mcroute.dev/mcroute/internal/linkload"
	"mcroute.dev/mcroute/internal/logging"
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/sched"
)

// Destination is one (switch,port) attachment point a tree must deliver to.
type Destination struct {
	Switch netaddr.SwitchId
	Port   netaddr.Port
}

type destSet map[Destination]bool

func (d destSet) clone() destSet {
	out := make(destSet, len(d))
	for k := range d {
		out[k] = true
	}
	return out
}

func (d destSet) switches() []netaddr.SwitchId {
	seen := make(map[netaddr.SwitchId]bool)
	out := make([]netaddr.SwitchId, 0, len(d))
	for dest := range d {
		if !seen[dest.Switch] {
			seen[dest.Switch] = true
			out = append(out, dest.Switch)
		}
	}
	return out
}

// sourceState is one source's additions to a group's shared destination set
// (spec.md §4.6 "source-specific inclusion").
type sourceState struct {
	extraDests destSet
	tree       *Tree
	treeOK     bool
}

// groupState is one multicast group's routing state: the shared tree plus
// each source's source-specific submap.
type groupState struct {
	sharedDests destSet
	sharedTree  *Tree
	sharedOK    bool
	sources     map[netaddr.IpV4]*sourceState
}

func newGroupState() *groupState {
	return &groupState{sharedDests: destSet{}, sources: make(map[netaddr.IpV4]*sourceState)}
}

func (g *groupState) sourceEntry(src netaddr.IpV4) *sourceState {
	s, ok := g.sources[src]
	if !ok {
		s = &sourceState{extraDests: destSet{}}
		g.sources[src] = s
	}
	return s
}

// Manager is the routing engine (spec.md §4.6). Exactly one instance owns
// every group/source tree; it is driven entirely by GroupEvent and
// LinkWeightChanged arriving on the owning scheduler.
type Manager struct {
	topology iface.Topology
	unicast  iface.UnicastRouting
	hosts    *hosttrack.Tracker
	s        *sched.Scheduler
	log      *logging.Logger

	groups   map[netaddr.IpV4]*groupState
	bySource map[netaddr.IpV4]map[netaddr.IpV4]bool // source host IP -> groups it sources

	closure *closureCache

	pendingEdges   map[edgeKey]bool
	flushScheduled bool
}

// New creates a routing Manager. hosts resolves a source IP to its
// attachment (switch,port) for tree attachment (spec.md §4.6 "Tree
// selection"); it may be nil in tests that never call GetTreePath.
func New(topology iface.Topology, unicast iface.UnicastRouting, hosts *hosttrack.Tracker, s *sched.Scheduler) *Manager {
	m := &Manager{
		topology: topology,
		unicast:  unicast,
		hosts:    hosts,
		s:        s,
		log:      logging.Default().WithComponent("routing"),
		groups:       make(map[netaddr.IpV4]*groupState),
		bySource:     make(map[netaddr.IpV4]map[netaddr.IpV4]bool),
		closure:      newClosureCache(unicast),
		pendingEdges: make(map[edgeKey]bool),
	}
	if hosts != nil {
		hosts.Bus().Subscribe(m.handleHostLocationChanged)
	}
	return m
}

// HandleGroupEvent applies one groupmgr.GroupEvent to routing state,
// recomputing whichever trees it invalidates (spec.md §4.6 "Event
// handling").
func (m *Manager) HandleGroupEvent(e groupmgr.GroupEvent) {
	dest := Destination{Switch: e.Switch, Port: e.Port}
	g, ok := m.groups[e.Group]
	if !ok {
		if e.Action == groupmgr.ActionRemove || e.Action == groupmgr.ActionRemoveSrc {
			return
		}
		g = newGroupState()
		m.groups[e.Group] = g
	}

	switch e.Action {
	case groupmgr.ActionAdd, groupmgr.ActionAddSrc:
		if e.Src.IsZero() {
			if !g.sharedDests[dest] {
				g.sharedDests[dest] = true
				m.recomputeShared(e.Group, g)
			}
			return
		}
		m.addSourceDest(e.Group, g, e.Src, dest)

	case groupmgr.ActionRemove, groupmgr.ActionRemoveSrc:
		if e.Src.IsZero() {
			if g.sharedDests[dest] {
				delete(g.sharedDests, dest)
			}
			if len(g.sharedDests) == 0 && len(g.sources) == 0 {
				delete(m.groups, e.Group)
				return
			}
			m.recomputeShared(e.Group, g)
			return
		}
		m.removeSourceDest(e.Group, g, e.Src, dest)

	case groupmgr.ActionToExclude:
		if !e.Src.IsZero() {
			return
		}
		if !g.sharedDests[dest] {
			g.sharedDests[dest] = true
			m.recomputeShared(e.Group, g)
		}
		for src, ss := range g.sources {
			if !ss.extraDests[dest] {
				m.recomputeSource(e.Group, g, src, ss)
			}
		}

	case groupmgr.ActionToInclude:
		if !e.Src.IsZero() {
			return
		}
		if g.sharedDests[dest] {
			delete(g.sharedDests, dest)
			m.recomputeShared(e.Group, g)
		}
		for src, ss := range g.sources {
			if !ss.extraDests[dest] {
				m.recomputeSource(e.Group, g, src, ss)
			}
		}
	}

	if len(g.sharedDests) == 0 && len(g.sources) == 0 {
		delete(m.groups, e.Group)
	}
}

func (m *Manager) addSourceDest(group netaddr.IpV4, g *groupState, srcHost netaddr.IpV4, dest Destination) {
	ss := g.sourceEntry(srcHost)
	if ss.extraDests[dest] {
		return
	}
	ss.extraDests[dest] = true
	m.registerSource(srcHost, group)
	m.recomputeSource(group, g, srcHost, ss)
}

func (m *Manager) removeSourceDest(group netaddr.IpV4, g *groupState, srcHost netaddr.IpV4, dest Destination) {
	ss, ok := g.sources[srcHost]
	if !ok || !ss.extraDests[dest] {
		return
	}
	delete(ss.extraDests, dest)
	if len(ss.extraDests) == 0 {
		ss.tree, ss.treeOK = nil, false
		delete(g.sources, srcHost)
		m.unregisterSource(srcHost, group)
		return
	}
	m.recomputeSource(group, g, srcHost, ss)
}

func (m *Manager) registerSource(srcHost, group netaddr.IpV4) {
	groups, ok := m.bySource[srcHost]
	if !ok {
		groups = make(map[netaddr.IpV4]bool)
		m.bySource[srcHost] = groups
	}
	groups[group] = true
}

func (m *Manager) unregisterSource(srcHost, group netaddr.IpV4) {
	groups := m.bySource[srcHost]
	delete(groups, group)
	if len(groups) == 0 {
		delete(m.bySource, srcHost)
	}
}

// allDestsFor returns the full destination set a source's tree must reach:
// the group's shared destinations plus the source's extra destinations
// (spec.md §4.6 "Tree selection").
func allDestsFor(g *groupState, ss *sourceState) destSet {
	out := g.sharedDests.clone()
	for d := range ss.extraDests {
		out[d] = true
	}
	return out
}

func (m *Manager) recomputeShared(group netaddr.IpV4, g *groupState) {
	if len(g.sharedDests) == 0 {
		g.sharedTree, g.sharedOK = nil, false
		return
	}
	t, ok := computeTree(m.topology, m.closure, g.sharedDests)
	g.sharedTree, g.sharedOK = t, ok
}

func (m *Manager) recomputeSource(group netaddr.IpV4, g *groupState, srcHost netaddr.IpV4, ss *sourceState) {
	dests := allDestsFor(g, ss)
	if len(dests) == 0 {
		ss.tree, ss.treeOK = nil, false
		return
	}
	t, ok := computeTree(m.topology, m.closure, dests)
	ss.tree, ss.treeOK = t, ok
}

// HandleLinkWeightChanged records the changed link (in either orientation)
// and, unless a
// flush is already pending this epoch, schedules one via postImmediate —
// every LinkWeightChanged delivered in the same dispatch turn collapses
// into a single recomputation pass over the union of affected trees
// (spec.md §4.6 "Link-weight change handling": "coalesced per-tree if
// multiple changes arrive in the same epoch").
func (m *Manager) HandleLinkWeightChanged(e linkload.LinkWeightChanged) {
	m.closure.invalidateEdge(e.Src, e.Dst)
	m.pendingEdges[normEdge(e.Src, e.Dst)] = true
	if m.flushScheduled {
		return
	}
	m.flushScheduled = true
	m.s.PostImmediate(m.flushPendingRecompute)
}

type treeWork struct {
	g       *groupState
	srcHost netaddr.IpV4 // zero => shared tree
	ss      *sourceState
}

// flushPendingRecompute fans out one KMB recomputation per affected tree
// across goroutines via errgroup, then applies every result back on the
// scheduler goroutine (SPEC_FULL.md §6.6 DOMAIN+ wiring of
// golang.org/x/sync/errgroup).
func (m *Manager) flushPendingRecompute() {
	edges := m.pendingEdges
	m.pendingEdges = make(map[edgeKey]bool)
	m.flushScheduled = false

	var affected []treeWork
	for _, g := range m.groups {
		if g.sharedTree != nil && treeUsesAnyEdge(g.sharedTree, edges) {
			affected = append(affected, treeWork{g: g})
		}
		for srcHost, ss := range g.sources {
			if ss.tree != nil && treeUsesAnyEdge(ss.tree, edges) {
				affected = append(affected, treeWork{g: g, srcHost: srcHost, ss: ss})
			}
		}
	}
	if len(affected) == 0 {
		return
	}

	var eg errgroup.Group
	trees := make([]*Tree, len(affected))
	oks := make([]bool, len(affected))
	for i, w := range affected {
		i, w := i, w
		eg.Go(func() error {
			var dests destSet
			if w.srcHost.IsZero() {
				dests = w.g.sharedDests
			} else {
				dests = allDestsFor(w.g, w.ss)
			}
			t, ok := computeTree(m.topology, m.closure, dests)
			trees[i], oks[i] = t, ok
			return nil
		})
	}
	_ = eg.Wait() // computeTree never returns an error; Wait only synchronizes

	for i, w := range affected {
		if w.srcHost.IsZero() {
			w.g.sharedTree, w.g.sharedOK = trees[i], oks[i]
		} else {
			w.ss.tree, w.ss.treeOK = trees[i], oks[i]
		}
	}
}

func treeUsesAnyEdge(t *Tree, edges map[edgeKey]bool) bool {
	for ek := range edges {
		if t.edges[ek] {
			return true
		}
	}
	return false
}

func (m *Manager) handleHostLocationChanged(e hosttrack.HostLocationChanged) {
	groups := m.bySource[e.Host]
	if len(groups) == 0 {
		return
	}
	for group := range groups {
		g, ok := m.groups[group]
		if !ok {
			continue
		}
		if ss, ok := g.sources[e.Host]; ok {
			m.recomputeSource(group, g, e.Host, ss)
		}
	}
}

// resolveBase returns the not-yet-attached tree that would serve srcHost's
// traffic to group: a fresh source-specific tree if one exists, otherwise
// the shared tree (spec.md §4.6 "Tree selection"). ok is false if the group
// has no destinations at all right now.
func (m *Manager) resolveBase(srcHost, group netaddr.IpV4) (*Tree, bool) {
	g, ok := m.groups[group]
	if !ok {
		return nil, false
	}
	if ss, ok := g.sources[srcHost]; ok && ss.treeOK && ss.tree != nil {
		return ss.tree, true
	}
	if g.sharedOK && g.sharedTree != nil {
		return g.sharedTree, true
	}
	return nil, false
}

// GetTreePath resolves the tree to use for packets from srcHost to group,
// attached to srcHost's last known attachment switch (spec.md §4.6 "Tree
// selection").
func (m *Manager) GetTreePath(srcHost, group netaddr.IpV4) (*Tree, bool) {
	base, ok := m.resolveBase(srcHost, group)
	if !ok {
		return nil, false
	}
	if m.hosts == nil {
		return base, true
	}
	loc, ok := m.hosts.LatestLocation(srcHost)
	if !ok {
		return nil, false
	}
	return attachSource(m.topology, m.unicast, base, loc.Switch)
}

// TreeRootedAt resolves the same tree GetTreePath would, but attached at an
// explicitly given switch rather than hosttrack's last known location. The
// installer (C7) uses this to root a tree at the switch it actually
// observed ingress traffic on (spec.md §4.7's packet-in handler), which may
// be more current than hosttrack's view of where the source last was.
func (m *Manager) TreeRootedAt(srcHost, group netaddr.IpV4, atSwitch netaddr.SwitchId) (*Tree, bool) {
	base, ok := m.resolveBase(srcHost, group)
	if !ok {
		return nil, false
	}
	return attachSource(m.topology, m.unicast, base, atSwitch)
}
