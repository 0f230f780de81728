// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package groupmgr implements the per-(switch,port) IGMP router state
// machine (spec.md §4.5, RFC 3376 §6): querier behavior, legacy v1/v2
// report compatibility handling, and the v3 processRecord transition
// table. Grounded in API shape on original_source's
// nox/netapps/group_manager (Group_manager, Record, start_*_timer,
// send_*_query), restructured around sched.Scheduler timers and a
// compute-target-state/diff-against-current helper instead of imperative
// per-row set mutation — see DESIGN.md.
package groupmgr

import (
	"time"

	"github.com/gopacket/gopacket"

	"mcroute.dev/mcroute/internal/iface"
	"mcroute.dev/mcroute/internal/igmp"
	"mcroute.dev/mcroute/internal/logging"
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/sched"
)

// FilterMode is a group record's current IGMPv3 filter mode.
type FilterMode int

const (
	Include FilterMode = iota
	Exclude
)

// CompatMode tracks the lowest IGMP version a (switch,port,group) record
// has observed, 1/2/3. It downgrades on a legacy report and auto-upgrades
// after GroupMembership elapses without another legacy report.
type CompatMode uint8

const (
	CompatV1 CompatMode = 1
	CompatV2 CompatMode = 2
	CompatV3 CompatMode = 3
)

// GroupAction enumerates GroupEvent's member transitions (spec.md §4.5).
type GroupAction int

const (
	ActionAdd GroupAction = iota
	ActionRemove
	ActionAddSrc
	ActionRemoveSrc
	ActionToExclude
	ActionToInclude
)

// GroupEvent is emitted on every group/source membership transition.
type GroupEvent struct {
	Group  netaddr.IpV4
	Switch netaddr.SwitchId
	Port   netaddr.Port
	Src    netaddr.IpV4 // zero unless Action is a per-source transition
	Action GroupAction
}

// GroupKey identifies one independent group-manager record.
type GroupKey struct {
	Switch netaddr.SwitchId
	Port   netaddr.Port
	Group  netaddr.IpV4
}

const (
	allHostMulticast   = 0xe0000001 // 224.0.0.1
	allRoutersMulticast = 0xe0000002 // 224.0.0.2
)

// Config carries RFC 3376's §8 default timer constants, overridable per
// spec.md §6.
type Config struct {
	Robustness           uint8
	QueryInterval        time.Duration
	QueryResponseInterval time.Duration
	StartupQueryInterval time.Duration
	LastMemberQueryInterval time.Duration
}

// DefaultConfig returns RFC 3376's defaults (spec.md §4.5).
func DefaultConfig() Config {
	return Config{
		Robustness:              2,
		QueryInterval:           125 * time.Second,
		QueryResponseInterval:   10 * time.Second,
		StartupQueryInterval:    30 * time.Second,
		LastMemberQueryInterval: 1 * time.Second,
	}
}

// GroupMembershipInterval is RFC 3376's GMI: Robustness*QueryInterval + QueryResponseInterval.
func (c Config) GroupMembershipInterval() time.Duration {
	return time.Duration(c.Robustness)*c.QueryInterval + c.QueryResponseInterval
}

func (c Config) startupQueryCount() int    { return int(c.Robustness) }
func (c Config) lastMemberQueryCount() int { return int(c.Robustness) }

type sourceSet map[netaddr.IpV4]bool

func setOf(ips []netaddr.IpV4) sourceSet {
	s := make(sourceSet, len(ips))
	for _, ip := range ips {
		s[ip] = true
	}
	return s
}

func (s sourceSet) union(o sourceSet) sourceSet {
	r := make(sourceSet, len(s)+len(o))
	for k := range s {
		r[k] = true
	}
	for k := range o {
		r[k] = true
	}
	return r
}

func (s sourceSet) diff(o sourceSet) sourceSet {
	r := make(sourceSet)
	for k := range s {
		if !o[k] {
			r[k] = true
		}
	}
	return r
}

func (s sourceSet) intersect(o sourceSet) sourceSet {
	r := make(sourceSet)
	for k := range s {
		if o[k] {
			r[k] = true
		}
	}
	return r
}

func (s sourceSet) slice() []netaddr.IpV4 {
	out := make([]netaddr.IpV4, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// record is one (switch,port,group)'s IGMPv3 router-side state.
type record struct {
	key    GroupKey
	filter FilterMode
	compat CompatMode

	stMap map[netaddr.IpV4]*sched.Handle // source -> per-source timer
	stSet sourceSet                      // EXCLUDE's timed-out sources

	groupMemberTimer *sched.Handle
	compatTimer      *sched.Handle

	gsTimer   *sched.Handle // group-specific query retry loop
	gssTimer  *sched.Handle // group-and-source-specific query retry loop
	gssTarget sourceSet     // sources being re-queried by gssTimer
	gsTicks   int
	gssTicks  int
}

func (r *record) xSet() sourceSet {
	x := make(sourceSet, len(r.stMap))
	for s := range r.stMap {
		x[s] = true
	}
	return x
}

type querier struct {
	sw      netaddr.SwitchId
	port    netaddr.Port
	handle  *sched.Handle
	ticks   int
}

// Manager is the IGMP router state machine: one independent record per
// (switch,port) per spec.md §4.5, querying on every non-internal port and
// tracking membership reports into GroupEvent transitions.
type Manager struct {
	cfg       Config
	topology  iface.Topology
	transport iface.FlowTransport
	s         *sched.Scheduler
	bus       *sched.Bus[GroupEvent]
	log       *logging.Logger

	queriers map[[2]uint64]*querier
	records  map[GroupKey]*record
}

// New creates a Manager driven by s.
func New(cfg Config, topology iface.Topology, transport iface.FlowTransport, s *sched.Scheduler) *Manager {
	return &Manager{
		cfg:       cfg,
		topology:  topology,
		transport: transport,
		s:         s,
		bus:       sched.NewBus[GroupEvent](s),
		log:       logging.Default().WithComponent("groupmgr"),
		queriers:  make(map[[2]uint64]*querier),
		records:   make(map[GroupKey]*record),
	}
}

// Bus returns the GroupEvent stream.
func (m *Manager) Bus() *sched.Bus[GroupEvent] { return m.bus }

func ifaceKey(sw netaddr.SwitchId, port netaddr.Port) [2]uint64 {
	return [2]uint64{uint64(sw), uint64(port)}
}

// --- Querier behavior (spec.md §4.5 "Querier behaviour") ---

// HandleDatapathJoined arms a general-query timer for every non-internal
// port on sw.
func (m *Manager) HandleDatapathJoined(sw netaddr.SwitchId) {
	for _, port := range m.topology.PortsOf(sw) {
		if port != netaddr.NonePort && !m.topology.IsInternal(sw, port) {
			m.armGeneralQuerier(sw, port)
		}
	}
}

// HandlePortAdded arms a general-query timer for a newly discovered port,
// if it is non-internal.
func (m *Manager) HandlePortAdded(sw netaddr.SwitchId, port netaddr.Port) {
	if !m.topology.IsInternal(sw, port) {
		m.armGeneralQuerier(sw, port)
	}
}

// HandleLinkRemoved re-arms general queriers on both endpoints — either
// may now be external (spec.md §4.5).
func (m *Manager) HandleLinkRemoved(a netaddr.SwitchId, aPort netaddr.Port, b netaddr.SwitchId, bPort netaddr.Port) {
	m.armGeneralQuerier(a, aPort)
	m.armGeneralQuerier(b, bPort)
}

func (m *Manager) armGeneralQuerier(sw netaddr.SwitchId, port netaddr.Port) {
	k := ifaceKey(sw, port)
	if _, exists := m.queriers[k]; exists {
		return
	}
	q := &querier{sw: sw, port: port}
	m.queriers[k] = q
	q.handle = m.s.PostAt(m.cfg.StartupQueryInterval, func() { m.generalQueryTick(q) })
}

func (m *Manager) generalQueryTick(q *querier) {
	stillPresent := false
	for _, p := range m.topology.PortsOf(q.sw) {
		if p == q.port {
			stillPresent = true
			break
		}
	}
	if !stillPresent || m.topology.IsInternal(q.sw, q.port) {
		delete(m.queriers, ifaceKey(q.sw, q.port))
		return
	}

	m.sendGeneralQuery(q.sw, q.port)
	q.ticks++

	interval := m.cfg.QueryInterval
	if q.ticks < m.cfg.startupQueryCount() {
		interval = m.cfg.StartupQueryInterval
	}
	q.handle = m.s.PostAt(interval, func() { m.generalQueryTick(q) })
}

func (m *Manager) sendGeneralQuery(sw netaddr.SwitchId, port netaddr.Port) {
	m.sendQuery(sw, port, netaddr.IpV4(allHostMulticast), nil, m.cfg.QueryResponseInterval)
}

func (m *Manager) sendQuery(sw netaddr.SwitchId, port netaddr.Port, group netaddr.IpV4, sources []netaddr.IpV4, maxResp time.Duration) {
	layer := &igmp.Layer{
		Type:            igmp.TypeMembershipQuery,
		Version:         3,
		MaxResponseTime: maxResp,
		GroupAddress:    group,
		RobustnessValue: m.cfg.Robustness,
		QueryInterval:   m.cfg.QueryInterval,
		SourceAddresses: sources,
	}
	payload, err := serializeQuery(layer)
	if err != nil {
		m.log.Warn("failed to serialize igmp query", "err", err)
		return
	}
	if err := m.transport.SendPacket(sw, payload, netaddr.NonePort, port); err != nil {
		m.log.Warn("failed to send igmp query", "switch", sw, "port", port, "err", err)
	}
}

// --- Report ingestion (spec.md §4.5 "Report processing") ---

// HandleIGMP processes one IGMP message received on (sw,port) whose IP
// destination was dst.
func (m *Manager) HandleIGMP(sw netaddr.SwitchId, port netaddr.Port, msg *igmp.Layer, dst netaddr.IpV4) {
	switch msg.Type {
	case igmp.TypeReportV1:
		m.processLegacy(sw, port, msg.GroupAddress, CompatV1, igmp.ModeIsExclude, nil)
	case igmp.TypeReportV2:
		m.processLegacy(sw, port, msg.GroupAddress, CompatV2, igmp.ModeIsExclude, nil)
	case igmp.TypeLeaveGroup:
		if dst != netaddr.IpV4(allRoutersMulticast) {
			return
		}
		m.processLegacy(sw, port, msg.GroupAddress, CompatV2, igmp.ChangeToInclude, nil)
	case igmp.TypeReportV3:
		for _, rec := range msg.GroupRecords {
			m.processRecord(GroupKey{Switch: sw, Port: port, Group: rec.MulticastAddress}, rec.SourceAddresses, rec.Type)
		}
	case igmp.TypeMembershipQuery:
		m.log.Warn("dropping igmp query from non-querier peer", "switch", sw, "port", port)
	}
}

func (m *Manager) processLegacy(sw netaddr.SwitchId, port netaddr.Port, group netaddr.IpV4, reportCompat CompatMode, recType igmp.GroupRecordType, sources []netaddr.IpV4) {
	key := GroupKey{Switch: sw, Port: port, Group: group}
	r := m.ensureRecord(key)
	if reportCompat < r.compat {
		r.compat = reportCompat
	}
	m.rearmCompatUpgrade(r)
	m.processRecord(key, sources, recType)
}

// processRecord implements RFC 3376 §6.4's transition table (spec.md
// §4.5). It computes the record's next (filter, X, Y) state and the
// queries owed, then diffs against current state to emit GroupEvents and
// rearm per-source timers — functionally equivalent to mutating the sets
// in place per table row, but centralizing event emission in one place.
func (m *Manager) processRecord(key GroupKey, sources []netaddr.IpV4, recType igmp.GroupRecordType) {
	r := m.ensureRecord(key)

	if r.compat == CompatV1 && (recType == igmp.ChangeToInclude || recType == igmp.BlockOldSources) {
		return
	}
	A := setOf(sources)
	if r.compat <= CompatV2 && (recType == igmp.ModeIsExclude || recType == igmp.ChangeToExclude) {
		A = sourceSet{}
	}

	oldX := r.xSet()
	oldY := r.stSet
	newFilter := r.filter
	newX := oldX
	newY := oldY
	var gssQuery, gsQuery sourceSet
	sendGS := false

	switch r.filter {
	case Include:
		switch recType {
		case igmp.ModeIsInclude, igmp.AllowNewSources:
			newX = oldX.union(A)
		case igmp.ModeIsExclude, igmp.ChangeToExclude:
			newFilter = Exclude
			newY = oldX.diff(A)
			newX = A.diff(newY)
			if recType == igmp.ChangeToExclude {
				gssQuery = newX
			}
		case igmp.ChangeToInclude:
			newX = oldX.union(A)
			gssQuery = oldX.diff(A)
		case igmp.BlockOldSources:
			gssQuery = A.intersect(oldX)
		}
	case Exclude:
		switch recType {
		case igmp.ModeIsInclude, igmp.AllowNewSources:
			newX = oldX.union(A.diff(oldX.union(oldY)))
			newY = oldY.diff(A)
		case igmp.ModeIsExclude, igmp.ChangeToExclude:
			newY = oldY.intersect(A)
			newX = A.diff(newY)
			if recType == igmp.ChangeToExclude {
				gssQuery = newX
			}
		case igmp.ChangeToInclude:
			newX = oldX.union(A)
			gssQuery = oldX.diff(A)
			sendGS = true
		case igmp.BlockOldSources:
			add := A.diff(oldY)
			newX = oldX.union(add)
			gssQuery = add
		}
	}

	m.applyTransition(r, newFilter, newX, newY)

	if len(gssQuery) > 0 {
		m.armGroupSourceQuery(r, gssQuery)
	}
	if sendGS {
		m.armGroupQuery(r)
	}
}

// applyTransition diffs (newFilter,newX,newY) against r's current state,
// emits the corresponding GroupEvents, and rearms per-source/group-member
// timers to match.
func (m *Manager) applyTransition(r *record, newFilter FilterMode, newX, newY sourceSet) {
	oldX := r.xSet()

	for s := range newX.diff(oldX) {
		m.startSourceTimer(r, s)
		m.emit(r.key, s, ActionAddSrc)
	}
	for s := range oldX.diff(newX) {
		m.stopSourceTimer(r, s)
		m.emit(r.key, s, ActionRemoveSrc)
	}

	if newFilter != r.filter {
		if newFilter == Exclude {
			m.emit(r.key, netaddr.IpV4(0), ActionToExclude)
		} else {
			m.emit(r.key, netaddr.IpV4(0), ActionToInclude)
		}
	}

	r.filter = newFilter
	r.stSet = newY

	if newFilter == Exclude {
		m.rearmGroupMemberTimer(r)
	}

	if len(r.stMap) == 0 && newFilter == Include {
		m.destroyRecord(r)
	}
}

func (m *Manager) emit(key GroupKey, src netaddr.IpV4, action GroupAction) {
	m.bus.Publish(GroupEvent{Group: key.Group, Switch: key.Switch, Port: key.Port, Src: src, Action: action})
}

func (m *Manager) ensureRecord(key GroupKey) *record {
	if r, ok := m.records[key]; ok {
		return r
	}
	r := &record{
		key:    key,
		filter: Include,
		compat: CompatV3,
		stMap:  make(map[netaddr.IpV4]*sched.Handle),
		stSet:  sourceSet{},
	}
	m.records[key] = r
	m.emit(key, netaddr.IpV4(0), ActionAdd)
	return r
}

func (m *Manager) destroyRecord(r *record) {
	for _, h := range r.stMap {
		h.Cancel()
	}
	r.groupMemberTimer.Cancel()
	r.compatTimer.Cancel()
	r.gsTimer.Cancel()
	r.gssTimer.Cancel()
	delete(m.records, r.key)
	m.emit(r.key, netaddr.IpV4(0), ActionRemove)
}

// --- Per-source and group-member timers (spec.md §4.5 "Timers emit state transitions") ---

func (m *Manager) startSourceTimer(r *record, src netaddr.IpV4) {
	if h, ok := r.stMap[src]; ok {
		h.Cancel()
	}
	r.stMap[src] = m.s.PostAt(m.cfg.GroupMembershipInterval(), func() { m.sourceTimerFired(r, src) })
}

func (m *Manager) stopSourceTimer(r *record, src netaddr.IpV4) {
	if h, ok := r.stMap[src]; ok {
		h.Cancel()
		delete(r.stMap, src)
	}
}

func (m *Manager) sourceTimerFired(r *record, src netaddr.IpV4) {
	if _, ok := r.stMap[src]; !ok {
		return
	}
	delete(r.stMap, src)
	m.emit(r.key, src, ActionRemoveSrc)

	if r.filter == Exclude {
		r.stSet[src] = true
		return
	}
	if len(r.stMap) == 0 {
		m.destroyRecord(r)
	}
}

func (m *Manager) rearmGroupMemberTimer(r *record) {
	if r.groupMemberTimer != nil {
		r.groupMemberTimer.Cancel()
	}
	r.groupMemberTimer = m.s.PostAt(m.cfg.GroupMembershipInterval(), func() { m.groupMemberTimerFired(r) })
}

func (m *Manager) groupMemberTimerFired(r *record) {
	if r.filter != Exclude {
		return
	}
	m.applyTransition(r, Include, r.xSet(), sourceSet{})
	if len(r.stMap) == 0 {
		m.destroyRecord(r)
	}
}

func (m *Manager) rearmCompatUpgrade(r *record) {
	if r.compatTimer != nil {
		r.compatTimer.Cancel()
	}
	if r.compat == CompatV3 {
		return
	}
	r.compatTimer = m.s.PostAt(m.cfg.GroupMembershipInterval(), func() { m.compatUpgradeFired(r) })
}

func (m *Manager) compatUpgradeFired(r *record) {
	switch r.compat {
	case CompatV1:
		r.compat = CompatV2
		m.rearmCompatUpgrade(r)
	case CompatV2:
		r.compat = CompatV3
	}
}

// --- Group-specific / group-and-source-specific query retry loops ---

func (m *Manager) armGroupQuery(r *record) {
	if r.gsTimer != nil {
		r.gsTimer.Cancel()
	}
	r.gsTicks = 0
	r.gsTimer = m.s.PostAt(m.cfg.LastMemberQueryInterval, func() { m.groupQueryTick(r) })
}

func (m *Manager) groupQueryTick(r *record) {
	m.sendQuery(r.key.Switch, r.key.Port, r.key.Group, nil, m.cfg.LastMemberQueryInterval)
	r.gsTicks++
	if r.gsTicks >= m.cfg.lastMemberQueryCount() {
		r.gsTimer = nil
		m.destroyRecord(r)
		return
	}
	r.gsTimer = m.s.PostAt(m.cfg.LastMemberQueryInterval, func() { m.groupQueryTick(r) })
}

func (m *Manager) armGroupSourceQuery(r *record, targets sourceSet) {
	if r.gssTimer != nil {
		r.gssTimer.Cancel()
	}
	r.gssTarget = targets
	r.gssTicks = 0
	r.gssTimer = m.s.PostAt(m.cfg.LastMemberQueryInterval, func() { m.groupSourceQueryTick(r) })
}

func (m *Manager) groupSourceQueryTick(r *record) {
	m.sendQuery(r.key.Switch, r.key.Port, r.key.Group, r.gssTarget.slice(), m.cfg.LastMemberQueryInterval)
	r.gssTicks++
	if r.gssTicks >= m.cfg.lastMemberQueryCount() {
		r.gssTimer = nil
		for src := range r.gssTarget {
			if _, stillArmed := r.stMap[src]; stillArmed {
				// source refreshed its timer since the query was armed; keep it.
				continue
			}
			m.emit(r.key, src, ActionRemoveSrc)
		}
		if len(r.stMap) == 0 && r.filter == Include {
			m.destroyRecord(r)
		}
		return
	}
	r.gssTimer = m.s.PostAt(m.cfg.LastMemberQueryInterval, func() { m.groupSourceQueryTick(r) })
}

func serializeQuery(l *igmp.Layer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := l.SerializeTo(buf, gopacket.SerializeOptions{ComputeChecksums: true}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
