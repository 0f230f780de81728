// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package install implements the flow-table shadow and flow-mod installer
// (spec.md §4.7): two disjoint per-(group,src) shadow tables, the cookie
// lifecycle, and the packet-in/group-event/flow-removed handlers that keep
// switches' actual flow tables converged with the routing engine's (C6)
// trees. Grounded in structure on original_source's mcrouteinstaller
// (routes installed leaves-first, root last, to minimise transient
// duplicate packet-ins) and simplemcrouting (the packet-in dispatch:
// non-multicast src, multicast dst, else fall through), restructured
// around explicit (group,src) shadow entries instead of a route-installer/
// flow-record singleton pair, and around externally-driven Handle*
// methods in the manner of groupmgr.Manager instead of a mutex-protected
// notification hub.
package install

import (
	"github.com/google/uuid"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"

	"mcroute.dev/mcroute/internal/groupmgr"
	"mcroute.dev/mcroute/internal/iface"
	"mcroute.dev/mcroute/internal/logging"
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/routing"
)

// Config carries the installer's own tunables (spec.md §6: "defaultFlowIdle,
// defaultFlowHard"). The blocking rule uses Hard (spec.md §4.7: "hard-
// timeout=DEFAULT"); routed-tree rules use Idle, so an abandoned tree
// reclaims itself even if a GroupEvent never arrives to tear it down
// explicitly (see DESIGN.md's Open Question resolution).
type Config struct {
	FlowIdle uint16
	FlowHard uint16
}

// DefaultConfig is this module's chosen default for the installer knobs
// spec.md §6 leaves to implementation discretion.
func DefaultConfig() Config {
	return Config{FlowIdle: 300, FlowHard: 300}
}

const (
	ethTypeIPv4 = 0x0800
	ipProtoUDP  = 17
)

type routeKey struct {
	Group netaddr.IpV4
	Src   netaddr.IpV4
}

// routedEntry is one `routed[(g,s)]` shadow record (spec.md §4.7):
// rootSwitch, the cookie currently in force, and the per-switch action
// list actually installed — doubling as the set of switches the tree
// currently occupies.
type routedEntry struct {
	rootSwitch netaddr.SwitchId
	accessPort netaddr.Port // rootSwitch's in_port facing the source host
	cookie     uint64
	actions    map[netaddr.SwitchId][]iface.Action
}

// Installer is the route installer (C7). It owns both shadow tables and
// reacts to packet-in, group-event and flow-removed notifications driven
// in from outside — mirroring groupmgr.Manager's externally-driven
// Handle* methods, since iface.FlowTransport/iface.Topology declare no
// event stream of their own; wiring those external streams to these
// methods is cmd/mcrouted's job, not this package's.
type Installer struct {
	transport iface.FlowTransport
	topology  iface.Topology
	routes    *routing.Manager
	cfg       Config
	log       *logging.Logger

	routed  map[routeKey]*routedEntry
	blocked map[routeKey]netaddr.SwitchId

	flowModsTotal    *prometheus.CounterVec
	routedFlowsGauge prometheus.Gauge
}

// New creates an Installer. transport installs flow-mods and forwards
// buffered packets; topology resolves a non-root tree switch's in_port
// toward its parent; routes supplies the tree to install for a given
// (source,group), rooted wherever the installer asks.
func New(transport iface.FlowTransport, topology iface.Topology, routes *routing.Manager, cfg Config) *Installer {
	return &Installer{
		transport: transport,
		topology:  topology,
		routes:    routes,
		cfg:       cfg,
		log:       logging.Default().WithComponent("install"),
		routed:    make(map[routeKey]*routedEntry),
		blocked:   make(map[routeKey]netaddr.SwitchId),
		flowModsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcroute_flow_mods_total",
			Help: "Flow-mods sent to switches, by command.",
		}, []string{"command"}),
		routedFlowsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcroute_routed_flows",
			Help: "Number of (group,src) pairs currently routed (as opposed to merely blocked).",
		}),
	}
}

// Collector exposes the installer's Prometheus metrics for registration
// into the process registry (grounded on linkload.Sampler's Collector()
// export, SPEC_FULL.md §3).
func (in *Installer) Collector() prometheus.Collector {
	return collectorFuncs{in.flowModsTotal, in.routedFlowsGauge}
}

type collectorFuncs []prometheus.Collector

func (cs collectorFuncs) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range cs {
		c.Describe(ch)
	}
}

func (cs collectorFuncs) Collect(ch chan<- prometheus.Metric) {
	for _, c := range cs {
		c.Collect(ch)
	}
}

// HandlePacketIn applies spec.md §4.7's packet-in handler to one
// data-plane frame punted to the controller. Non-IPv4/UDP frames and
// frames without a unicast source / multicast destination are ignored
// (spec.md §7's "malformed input", matching the original's plain
// fallthrough for non-matching flows).
func (in *Installer) HandlePacketIn(pi iface.PacketIn) {
	src, dst, ok := parseIPv4UDP(pi.Payload)
	if !ok {
		return
	}
	if src.IsMulticast() || !dst.IsMulticast() {
		return
	}
	key := routeKey{Group: dst, Src: src}

	if entry, ok := in.routed[key]; ok && entry.rootSwitch == pi.Switch {
		if actions, ok := entry.actions[pi.Switch]; ok {
			in.forward(pi, actions)
			return
		}
	}

	tree, ok := in.routes.TreeRootedAt(src, dst, pi.Switch)
	if !ok {
		in.installBlocking(key, pi)
		return
	}

	in.sendFlowDeleteBlocking(key)
	delete(in.blocked, key)

	corr := uuid.New().String()
	if !in.installTree(key, tree, pi.Switch, pi.InPort, corr) {
		in.installBlocking(key, pi)
		return
	}
	in.forwardBuffered(key, pi)
}

func (in *Installer) forward(pi iface.PacketIn, actions []iface.Action) {
	for _, a := range actions {
		_ = in.transport.SendPacket(pi.Switch, pi.Payload, pi.InPort, a.Output)
	}
}

// forwardBuffered hands the ingress frame on to whatever actions the
// freshly installed tree assigned to the root switch, so the packet that
// triggered the install is not itself dropped while flow-mods propagate.
func (in *Installer) forwardBuffered(key routeKey, pi iface.PacketIn) {
	entry, ok := in.routed[key]
	if !ok {
		return
	}
	if actions, ok := entry.actions[pi.Switch]; ok {
		in.forward(pi, actions)
	}
}

// installBlocking installs a cookie=0 blocking rule on the ingress switch
// (spec.md §4.7's third packet-in branch), so repeated data frames for a
// still-unroutable (group,src) don't keep punting to the controller.
func (in *Installer) installBlocking(key routeKey, pi iface.PacketIn) {
	match := iface.Match{HasInPort: true, InPort: pi.InPort, EthType: ethTypeIPv4, IPProto: ipProtoUDP, NwSrc: key.Src, NwDst: key.Group}
	err := in.transport.InstallFlow(pi.Switch, match, nil, 0, iface.FlowAdd,
		0, in.cfg.FlowHard, iface.FlowModFlags{SendFlowRemoved: true})
	if err != nil {
		in.log.Warn("install blocking flow failed", "group", key.Group, "src", key.Src, "switch", pi.Switch, "err", err)
		return
	}
	in.blocked[key] = pi.Switch
	in.flowModsTotal.WithLabelValues("add").Inc()
}

// sendFlowDeleteBlocking evicts key's blocking rule, if any, before a fresh
// route is installed in its place (spec.md §4.7: "evict any blocking
// rule").
func (in *Installer) sendFlowDeleteBlocking(key routeKey) {
	sw, ok := in.blocked[key]
	if !ok {
		return
	}
	match := iface.Match{EthType: ethTypeIPv4, IPProto: ipProtoUDP, NwSrc: key.Src, NwDst: key.Group}
	if err := in.transport.InstallFlow(sw, match, nil, 0, iface.FlowDelete, 0, 0, iface.FlowModFlags{}); err != nil {
		in.log.Warn("evict blocking flow failed", "group", key.Group, "src", key.Src, "switch", sw, "err", err)
	}
	in.flowModsTotal.WithLabelValues("delete").Inc()
}

// parseIPv4UDP decodes payload as Ethernet/IPv4/UDP, returning the IPv4
// source/destination on success. Any decode failure (spec.md §7's
// "malformed input") is reported via ok=false; the caller treats it
// identically to "not a multicast data frame", with no log line of its
// own since a non-multicast frame reaching this handler is routine.
func parseIPv4UDP(payload []byte) (src, dst netaddr.IpV4, ok bool) {
	packet := gopacket.NewPacket(payload, layers.LayerTypeEthernet, gopacket.NoCopy)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return 0, 0, false
	}
	ip4, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return 0, 0, false
	}
	if packet.Layer(layers.LayerTypeUDP) == nil {
		return 0, 0, false
	}
	if len(ip4.SrcIP) != 4 || len(ip4.DstIP) != 4 {
		return 0, 0, false
	}
	src = netaddr.IpV4FromBytes(ip4.SrcIP[0], ip4.SrcIP[1], ip4.SrcIP[2], ip4.SrcIP[3])
	dst = netaddr.IpV4FromBytes(ip4.DstIP[0], ip4.DstIP[1], ip4.DstIP[2], ip4.DstIP[3])
	return src, dst, true
}

// HandleGroupEvent reacts to one groupmgr.GroupEvent that may have changed
// the destination set for a group (or one of its sources) the installer is
// currently routing. Only entries already in `routed` are candidates — a
// GroupEvent alone never has a concrete ingress (switch,port) to root a
// brand-new tree at, so new (group,src) entries are created exclusively by
// HandlePacketIn (spec.md §4.7's packet-in handler); this method only
// re-routes or removes what packet-ins have already rooted (spec.md §4.7:
// "Group-event handler").
func (in *Installer) HandleGroupEvent(e groupmgr.GroupEvent) {
	for key, entry := range in.routed {
		if key.Group != e.Group {
			continue
		}
		if !e.Src.IsZero() && key.Src != e.Src {
			continue
		}
		in.reRouteOrRemove(key, entry)
	}
}

func (in *Installer) reRouteOrRemove(key routeKey, entry *routedEntry) {
	tree, ok := in.routes.TreeRootedAt(key.Src, key.Group, entry.rootSwitch)
	if !ok {
		in.removeRoute(key, entry)
		return
	}
	in.sendFlowDeleteBlocking(key)
	delete(in.blocked, key)
	if !in.installTree(key, tree, entry.rootSwitch, entry.accessPort, uuid.New().String()) {
		in.removeRoute(key, entry)
	}
}

// removeRoute tears down every flow entry a routed (group,src) occupies
// and drops its shadow record.
func (in *Installer) removeRoute(key routeKey, entry *routedEntry) {
	for sw := range entry.actions {
		in.sendFlowDeleteAt(sw, key)
	}
	delete(in.routed, key)
	in.updateRoutedGauge()
}

func (in *Installer) sendFlowDeleteAt(sw netaddr.SwitchId, key routeKey) {
	match := iface.Match{EthType: ethTypeIPv4, IPProto: ipProtoUDP, NwSrc: key.Src, NwDst: key.Group}
	if err := in.transport.InstallFlow(sw, match, nil, 0, iface.FlowDelete, 0, 0, iface.FlowModFlags{}); err != nil {
		in.log.Warn("delete route flow failed", "group", key.Group, "src", key.Src, "switch", sw, "err", err)
		return
	}
	in.flowModsTotal.WithLabelValues("delete").Inc()
}

// installTree installs or reconciles (group,src)'s flow entries to match
// tree, rooted at rootSwitch with accessPort as the root's in_port
// (spec.md §4.7's "Flow-mod construction"). It returns false, installing
// nothing, if any non-root switch's in_port toward its tree parent cannot
// be resolved (spec.md §7's "transient unavailability": treated as
// unroutable, falling through to the caller's blocking-install path).
func (in *Installer) installTree(key routeKey, tree *routing.Tree, rootSwitch netaddr.SwitchId, accessPort netaddr.Port, corr string) bool {
	parents := parentMap(tree)
	inPortOf := func(sw netaddr.SwitchId) (netaddr.Port, bool) {
		if sw == rootSwitch {
			return accessPort, true
		}
		parent, ok := parents[sw]
		if !ok {
			return 0, false
		}
		return routing.OutPortTowards(in.topology, sw, parent)
	}

	newActions := make(map[netaddr.SwitchId][]iface.Action, len(tree.Switches()))
	newInPort := make(map[netaddr.SwitchId]netaddr.Port, len(tree.Switches()))
	for _, sw := range tree.Switches() {
		port, ok := inPortOf(sw)
		if !ok {
			in.log.Warn("cannot resolve in_port for tree switch, treating as unroutable",
				"group", key.Group, "src", key.Src, "switch", sw, "corr", corr)
			return false
		}
		newActions[sw] = tree.OutputActions(sw)
		newInPort[sw] = port
	}

	old := in.routed[key]
	sameRoot := old != nil && old.rootSwitch == rootSwitch

	cookie := uint64(1)
	if sameRoot {
		cookie = old.cookie + 1
	} else if old != nil {
		for sw := range old.actions {
			in.sendFlowDeleteAt(sw, key)
		}
	}

	for _, sw := range postOrder(tree) {
		actions := newActions[sw]
		var oldActions []iface.Action
		hadBefore := false
		if sameRoot {
			oldActions, hadBefore = old.actions[sw]
		}
		flags := iface.FlowModFlags{SendFlowRemoved: sw == rootSwitch}
		switch {
		case !hadBefore:
			in.sendFlowMod(sw, key, newInPort[sw], actions, cookie, iface.FlowAdd, flags)
		case !actionsEqual(oldActions, actions):
			in.sendFlowMod(sw, key, newInPort[sw], actions, cookie, iface.FlowModify, flags)
		}
	}

	if sameRoot {
		for sw := range old.actions {
			if _, stillPresent := newActions[sw]; !stillPresent {
				in.sendFlowDeleteAt(sw, key)
			}
		}
	}

	in.routed[key] = &routedEntry{rootSwitch: rootSwitch, accessPort: accessPort, cookie: cookie, actions: newActions}
	in.updateRoutedGauge()
	in.log.Info("route installed", "group", key.Group, "src", key.Src, "root", rootSwitch,
		"switches", len(newActions), "cookie", cookie, "corr", corr)
	return true
}

func (in *Installer) sendFlowMod(sw netaddr.SwitchId, key routeKey, inPort netaddr.Port, actions []iface.Action, cookie uint64, cmd iface.FlowCommand, flags iface.FlowModFlags) {
	match := iface.Match{HasInPort: true, InPort: inPort, EthType: ethTypeIPv4, IPProto: ipProtoUDP, NwSrc: key.Src, NwDst: key.Group}
	if err := in.transport.InstallFlow(sw, match, actions, cookie, cmd, in.cfg.FlowIdle, 0, flags); err != nil {
		in.log.Warn("install route flow failed", "group", key.Group, "src", key.Src, "switch", sw, "cmd", cmd, "err", err)
		return
	}
	label := "add"
	if cmd == iface.FlowModify {
		label = "modify"
	}
	in.flowModsTotal.WithLabelValues(label).Inc()
}

func (in *Installer) updateRoutedGauge() {
	in.routedFlowsGauge.Set(float64(len(in.routed)))
}

// HandleFlowRemoved applies spec.md §4.7's flow-removed handler: a
// cookie of 0 identifies a blocking rule, any other cookie a routed
// entry's root-switch rule (the only flow in a tree with SEND_FLOW_REM
// set). Any cookie/reason combination other than the two named in
// spec.md §7's taxonomy is logged and otherwise ignored.
func (in *Installer) HandleFlowRemoved(fr iface.FlowRemoved) {
	key := routeKey{Group: fr.Match.NwDst, Src: fr.Match.NwSrc}

	if fr.Cookie == 0 {
		sw, ok := in.blocked[key]
		if !ok || sw != fr.Switch {
			in.log.Warn("flow-removed for unknown blocking rule", "group", key.Group, "src", key.Src, "switch", fr.Switch)
			return
		}
		if fr.Reason != iface.ReasonHardTimeout {
			in.log.Warn("blocking rule removed for unexpected reason", "group", key.Group, "src", key.Src, "switch", fr.Switch, "reason", fr.Reason)
		}
		delete(in.blocked, key)
		return
	}

	entry, ok := in.routed[key]
	if !ok || entry.rootSwitch != fr.Switch || entry.cookie != fr.Cookie {
		in.log.Warn("flow-removed for unknown routed entry", "group", key.Group, "src", key.Src, "switch", fr.Switch, "cookie", fr.Cookie)
		return
	}
	if fr.Reason != iface.ReasonIdleTimeout && fr.Reason != iface.ReasonDelete {
		in.log.Warn("routed rule removed for unexpected reason", "group", key.Group, "src", key.Src, "switch", fr.Switch, "reason", fr.Reason)
	}
	for sw := range entry.actions {
		if sw == fr.Switch {
			continue
		}
		in.sendFlowDeleteAt(sw, key)
	}
	delete(in.routed, key)
	in.updateRoutedGauge()
}

// parentMap walks tree from its root, recording each switch's parent.
func parentMap(tree *routing.Tree) map[netaddr.SwitchId]netaddr.SwitchId {
	parents := make(map[netaddr.SwitchId]netaddr.SwitchId)
	var walk func(sw netaddr.SwitchId)
	walk = func(sw netaddr.SwitchId) {
		for _, child := range tree.Children(sw) {
			parents[child] = sw
			walk(child)
		}
	}
	walk(tree.Root())
	return parents
}

// postOrder returns tree's switches children-before-parent, so installing
// in this order always reaches a switch after every switch downstream of
// it already forwards correctly (spec.md §4.7: "leaves toward root").
func postOrder(tree *routing.Tree) []netaddr.SwitchId {
	var order []netaddr.SwitchId
	var walk func(sw netaddr.SwitchId)
	walk = func(sw netaddr.SwitchId) {
		for _, child := range tree.Children(sw) {
			walk(child)
		}
		order = append(order, sw)
	}
	walk(tree.Root())
	return order
}

// actionsEqual compares two switches' output-action lists as multisets: tree
// traversal order is not guaranteed stable across recomputations, so
// order-sensitive comparison would report spurious changes.
func actionsEqual(a, b []iface.Action) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[netaddr.Port]int, len(a))
	for _, act := range a {
		counts[act.Output]++
	}
	for _, act := range b {
		counts[act.Output]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}
