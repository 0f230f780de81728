// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package iface declares the external collaborators this controller
// consumes but never implements (spec §1, §6): the OpenFlow switch
// transport (FlowTransport), topology discovery (Topology), and the generic
// unicast shortest-path service (UnicastRouting), plus the event types those
// services report. No interface for the plug-in container or its event bus
// is declared here. Only the interfaces live here; real implementations are
// out of scope for this module, and internal/iface/fake supplies
// deterministic test doubles.
package iface

import (
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/weight"
)

// LinkPorts identifies the two ends of a physical link from sw's side.
type LinkPorts struct {
	Neighbor netaddr.SwitchId
	SrcPort  netaddr.Port
	DstPort  netaddr.Port
}

// Topology exposes the live switch/port/link graph discovered by an
// external topology service.
type Topology interface {
	PortsOf(sw netaddr.SwitchId) []netaddr.Port
	IsInternal(sw netaddr.SwitchId, port netaddr.Port) bool
	Datapaths() []netaddr.SwitchId
	OutLinks(sw netaddr.SwitchId) map[netaddr.SwitchId][]LinkPorts
}

// TopologyEventKind enumerates the topology event stream's member types.
type TopologyEventKind int

const (
	DatapathJoined TopologyEventKind = iota
	DatapathLeft
	PortAdded
	PortRemoved
	LinkAdded
	LinkRemoved
)

// TopologyEvent is one member of the topology event stream (spec §6).
type TopologyEvent struct {
	Kind     TopologyEventKind
	Switch   netaddr.SwitchId
	Port     netaddr.Port
	Neighbor netaddr.SwitchId
	SrcPort  netaddr.Port
	DstPort  netaddr.Port
}

// Hop is one switch-to-switch traversal of a unicast path.
type Hop struct {
	Dst     netaddr.SwitchId
	InPort  netaddr.Port
	OutPort netaddr.Port
	Weight  weight.Weight
}

// Route is the result of a successful unicast lookup.
type Route struct {
	Path   []Hop
	Weight weight.Weight
}

// UnicastRouting is the generic shortest-path service the KMB engine (C6)
// uses to build its metric closure and to attach a source switch to a tree.
type UnicastRouting interface {
	Route(src, dst netaddr.SwitchId) (Route, bool)
}

// FlowCommand enumerates a flow-mod's command verb.
type FlowCommand int

const (
	FlowAdd FlowCommand = iota
	FlowModify
	FlowDelete
)

// Match is a flow-mod's match template (spec §6): exact on in_port,
// dl_type, nw_proto, nw_src, nw_dst; everything else wildcarded. InPort is
// omitted (zero value ignored) for the deletion variant per spec.
type Match struct {
	HasInPort bool
	InPort    netaddr.Port
	EthType   uint16
	IPProto   uint8
	NwSrc     netaddr.IpV4
	NwDst     netaddr.IpV4
}

// Action is one forwarding action in a flow-mod's action list.
type Action struct {
	Output netaddr.Port
}

// FlowModFlags carries the per-rule flags named in spec §4.7/§6.
type FlowModFlags struct {
	SendFlowRemoved bool
}

// FlowTransport is the OpenFlow-wire-codec/switch-transport collaborator:
// installing flow-mods, forwarding buffered/unbuffered packets, and
// exposing the per-port byte counters the link-load sampler (C2) consumes.
type FlowTransport interface {
	InstallFlow(sw netaddr.SwitchId, match Match, actions []Action, cookie uint64, cmd FlowCommand, idle, hard uint16, flags FlowModFlags) error
	SendPacket(sw netaddr.SwitchId, payload []byte, inPort, outPort netaddr.Port) error
	// PortStats returns the cumulative received/transmitted byte counters
	// for sw's port, as last reported by the switch (spec.md §4.2).
	PortStats(sw netaddr.SwitchId, port netaddr.Port) (rxBytes, txBytes uint64, err error)
}

// PacketIn is one member of FlowTransport's event stream: a data-plane
// packet punted to the controller.
type PacketIn struct {
	Switch   netaddr.SwitchId
	InPort   netaddr.Port
	BufferID uint32
	HasBuf   bool
	Payload  []byte
}

// FlowRemovedReason enumerates why a switch reports a flow removed.
type FlowRemovedReason int

const (
	ReasonIdleTimeout FlowRemovedReason = iota
	ReasonHardTimeout
	ReasonDelete
)

// FlowRemoved is the other member of FlowTransport's event stream.
type FlowRemoved struct {
	Switch netaddr.SwitchId
	Cookie uint64
	Match  Match
	Reason FlowRemovedReason
}
