// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package fake supplies deterministic in-memory test doubles for the
// external collaborators declared in internal/iface. These are test
// tooling only (spec §2.4 of SPEC_FULL.md) and are never linked into
// cmd/mcrouted.
package fake

import (
	"sync"

	"mcroute.dev/mcroute/internal/iface"
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/weight"
)

// Topology is a mutable, in-memory iface.Topology double.
type Topology struct {
	mu       sync.Mutex
	ports    map[netaddr.SwitchId][]netaddr.Port
	internal map[[2]uint64]bool // (sw,port) -> internal
	links    map[netaddr.SwitchId]map[netaddr.SwitchId][]iface.LinkPorts
}

// NewTopology creates an empty fake topology.
func NewTopology() *Topology {
	return &Topology{
		ports:    make(map[netaddr.SwitchId][]netaddr.Port),
		internal: make(map[[2]uint64]bool),
		links:    make(map[netaddr.SwitchId]map[netaddr.SwitchId][]iface.LinkPorts),
	}
}

func key(sw netaddr.SwitchId, p netaddr.Port) [2]uint64 {
	return [2]uint64{uint64(sw), uint64(p)}
}

// AddPort registers port on sw, marking it internal (switch-to-switch) or
// external (edge-facing, eligible to host IGMP group state).
func (t *Topology) AddPort(sw netaddr.SwitchId, port netaddr.Port, internal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ports[sw] = append(t.ports[sw], port)
	t.internal[key(sw, port)] = internal
}

// AddLink records a bidirectional link between two (switch,port) endpoints,
// marking both sides internal.
func (t *Topology) AddLink(a netaddr.SwitchId, aPort netaddr.Port, b netaddr.SwitchId, bPort netaddr.Port) {
	t.AddPort(a, aPort, true)
	t.AddPort(b, bPort, true)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[a] == nil {
		t.links[a] = make(map[netaddr.SwitchId][]iface.LinkPorts)
	}
	if t.links[b] == nil {
		t.links[b] = make(map[netaddr.SwitchId][]iface.LinkPorts)
	}
	t.links[a][b] = append(t.links[a][b], iface.LinkPorts{Neighbor: b, SrcPort: aPort, DstPort: bPort})
	t.links[b][a] = append(t.links[b][a], iface.LinkPorts{Neighbor: a, SrcPort: bPort, DstPort: aPort})
}

// PortsOf implements iface.Topology.
func (t *Topology) PortsOf(sw netaddr.SwitchId) []netaddr.Port {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]netaddr.Port, len(t.ports[sw]))
	copy(out, t.ports[sw])
	return out
}

// IsInternal implements iface.Topology.
func (t *Topology) IsInternal(sw netaddr.SwitchId, port netaddr.Port) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.internal[key(sw, port)]
}

// Datapaths implements iface.Topology.
func (t *Topology) Datapaths() []netaddr.SwitchId {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]netaddr.SwitchId, 0, len(t.ports))
	for sw := range t.ports {
		out = append(out, sw)
	}
	return out
}

// OutLinks implements iface.Topology.
func (t *Topology) OutLinks(sw netaddr.SwitchId) map[netaddr.SwitchId][]iface.LinkPorts {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[netaddr.SwitchId][]iface.LinkPorts, len(t.links[sw]))
	for n, lp := range t.links[sw] {
		cp := make([]iface.LinkPorts, len(lp))
		copy(cp, lp)
		out[n] = cp
	}
	return out
}

// RemovePort drops a port from sw (used to simulate PortRemoved/LinkRemoved
// in tests).
func (t *Topology) RemovePort(sw netaddr.SwitchId, port netaddr.Port) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ports := t.ports[sw]
	for i, p := range ports {
		if p == port {
			t.ports[sw] = append(ports[:i], ports[i+1:]...)
			break
		}
	}
	delete(t.internal, key(sw, port))
}

// UnicastRouting is a programmable iface.UnicastRouting double: tests set
// exact routes between switch pairs.
type UnicastRouting struct {
	mu     sync.Mutex
	routes map[[2]netaddr.SwitchId]iface.Route
}

// NewUnicastRouting creates an empty fake unicast routing service.
func NewUnicastRouting() *UnicastRouting {
	return &UnicastRouting{routes: make(map[[2]netaddr.SwitchId]iface.Route)}
}

// SetRoute installs the route the fake returns for (src,dst). Routes are
// not implicitly symmetric — set both directions if the test needs them.
func (u *UnicastRouting) SetRoute(src, dst netaddr.SwitchId, path []iface.Hop, w weight.Weight) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.routes[[2]netaddr.SwitchId{src, dst}] = iface.Route{Path: path, Weight: w}
}

// Route implements iface.UnicastRouting.
func (u *UnicastRouting) Route(src, dst netaddr.SwitchId) (iface.Route, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if src == dst {
		return iface.Route{}, true
	}
	r, ok := u.routes[[2]netaddr.SwitchId{src, dst}]
	return r, ok
}

// InstalledFlow records one InstallFlow call observed by FlowTransport.
type InstalledFlow struct {
	Switch  netaddr.SwitchId
	Match   iface.Match
	Actions []iface.Action
	Cookie  uint64
	Command iface.FlowCommand
	Idle    uint16
	Hard    uint16
	Flags   iface.FlowModFlags
}

// FlowTransport is a recording iface.FlowTransport double.
type FlowTransport struct {
	mu       sync.Mutex
	Flows    []InstalledFlow
	Sent     []SentPacket
	FailNext error
	stats    map[[2]uint64][2]uint64 // (sw,port) -> (rx,tx)
}

// SentPacket records one SendPacket call.
type SentPacket struct {
	Switch         netaddr.SwitchId
	Payload        []byte
	InPort, OutPort netaddr.Port
}

// NewFlowTransport creates an empty recording fake transport.
func NewFlowTransport() *FlowTransport {
	return &FlowTransport{stats: make(map[[2]uint64][2]uint64)}
}

// SetPortStats sets the cumulative byte counters PortStats will report for
// (sw,port) until the next call.
func (f *FlowTransport) SetPortStats(sw netaddr.SwitchId, port netaddr.Port, rxBytes, txBytes uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[key(sw, port)] = [2]uint64{rxBytes, txBytes}
}

// PortStats implements iface.FlowTransport.
func (f *FlowTransport) PortStats(sw netaddr.SwitchId, port netaddr.Port) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.stats[key(sw, port)]
	return c[0], c[1], nil
}

// InstallFlow implements iface.FlowTransport.
func (f *FlowTransport) InstallFlow(sw netaddr.SwitchId, match iface.Match, actions []iface.Action, cookie uint64, cmd iface.FlowCommand, idle, hard uint16, flags iface.FlowModFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return err
	}
	f.Flows = append(f.Flows, InstalledFlow{
		Switch: sw, Match: match, Actions: actions, Cookie: cookie,
		Command: cmd, Idle: idle, Hard: hard, Flags: flags,
	})
	return nil
}

// SendPacket implements iface.FlowTransport.
func (f *FlowTransport) SendPacket(sw netaddr.SwitchId, payload []byte, inPort, outPort netaddr.Port) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, SentPacket{Switch: sw, Payload: payload, InPort: inPort, OutPort: outPort})
	return nil
}

// AllFlows returns a snapshot of every InstallFlow call observed so far.
func (f *FlowTransport) AllFlows() []InstalledFlow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]InstalledFlow, len(f.Flows))
	copy(out, f.Flows)
	return out
}
