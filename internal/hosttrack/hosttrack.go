// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hosttrack implements the host-IP location tracker (spec.md §4.3,
// SPEC_FULL.md §6.3): a bounded, per-host list of recent attachment points
// with LRU eviction and a single re-arming expiry timer.
package hosttrack

import (
	"time"

	"mcroute.dev/mcroute/internal/logging"
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/sched"
)

// ChangeKind enumerates the members of HostLocationChanged.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

// Location is one (switch,port) attachment point for a host IP, with the
// time it was last refreshed.
type Location struct {
	Switch   netaddr.SwitchId
	Port     netaddr.Port
	LastSeen time.Time
}

// HostLocationChanged is emitted on every add/remove/eviction, per
// spec.md §4.3.
type HostLocationChanged struct {
	Host netaddr.IpV4
	Locs []Location
	Kind ChangeKind
}

// DefaultBindingLimit and DefaultTimeout mirror original_source's
// DEFAULT_HOSTIP_N_BINDINGS / DEFAULT_HOSTIP_TIMEOUT.
const (
	DefaultBindingLimit = 1
	DefaultTimeout      = 300 * time.Second
)

type hostEntry struct {
	locs []Location // insertion order, most-recent-first (head = newest)
}

// Tracker is the host-IP location tracker. All public operations are
// non-blocking; expiry runs on the owning sched.Scheduler.
type Tracker struct {
	clock sched.Clock
	s     *sched.Scheduler
	bus   *sched.Bus[HostLocationChanged]
	log   *logging.Logger

	timeout      time.Duration
	bindingLimit func(ip netaddr.IpV4) int

	hosts    map[netaddr.IpV4]*hostEntry
	expiry   *sched.Handle
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// WithBindingLimit overrides the per-host binding limit function; the
// default returns DefaultBindingLimit for every host.
func WithBindingLimit(fn func(netaddr.IpV4) int) Option {
	return func(t *Tracker) { t.bindingLimit = fn }
}

// New creates a Tracker driven by s's clock.
func New(s *sched.Scheduler, clock sched.Clock, opts ...Option) *Tracker {
	t := &Tracker{
		clock:   clock,
		s:       s,
		bus:     sched.NewBus[HostLocationChanged](s),
		log:     logging.Default().WithComponent("hosttrack"),
		timeout: DefaultTimeout,
		bindingLimit: func(netaddr.IpV4) int {
			return DefaultBindingLimit
		},
		hosts: make(map[netaddr.IpV4]*hostEntry),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Bus returns the HostLocationChanged event stream.
func (t *Tracker) Bus() *sched.Bus[HostLocationChanged] { return t.bus }

func sameLoc(a Location, sw netaddr.SwitchId, port netaddr.Port) bool {
	return a.Switch == sw && a.Port == port
}

// RecordLocation inserts or refreshes a host's attachment point per
// spec.md §4.3. ts defaults to now when zero.
func (t *Tracker) RecordLocation(ip netaddr.IpV4, sw netaddr.SwitchId, port netaddr.Port, ts time.Time) {
	if ts.IsZero() {
		ts = t.clock.Now()
	}
	e, ok := t.hosts[ip]
	if !ok {
		e = &hostEntry{}
		t.hosts[ip] = e
	}

	for i := range e.locs {
		if sameLoc(e.locs[i], sw, port) {
			// a refreshed location becomes the newest, so eviction stays LRU
			loc := e.locs[i]
			loc.LastSeen = ts
			e.locs = append(e.locs[:i], e.locs[i+1:]...)
			e.locs = append([]Location{loc}, e.locs...)
			t.rearmExpiry()
			return
		}
	}

	limit := t.bindingLimit(ip)
	wasEmpty := len(e.locs) == 0
	if limit > 0 && len(e.locs) >= limit {
		// evict oldest (last in the most-recent-first slice)
		e.locs = e.locs[:len(e.locs)-1]
	}
	e.locs = append([]Location{{Switch: sw, Port: port, LastSeen: ts}}, e.locs...)

	kind := Modified
	if wasEmpty {
		kind = Added
	}
	t.publish(ip, e.locs, kind)
	t.rearmExpiry()
}

// RemoveLocation drops the matching (switch,port) entry for ip, emitting
// Modified if locations remain or Removed if the host has none left.
func (t *Tracker) RemoveLocation(ip netaddr.IpV4, sw netaddr.SwitchId, port netaddr.Port) {
	e, ok := t.hosts[ip]
	if !ok {
		return
	}
	for i := range e.locs {
		if sameLoc(e.locs[i], sw, port) {
			e.locs = append(e.locs[:i], e.locs[i+1:]...)
			break
		}
	}
	if len(e.locs) == 0 {
		delete(t.hosts, ip)
		t.publish(ip, nil, Removed)
	} else {
		t.publish(ip, e.locs, Modified)
	}
	t.rearmExpiry()
}

// Locations returns ip's known attachment points, newest first.
func (t *Tracker) Locations(ip netaddr.IpV4) []Location {
	e, ok := t.hosts[ip]
	if !ok {
		return nil
	}
	out := make([]Location, len(e.locs))
	copy(out, e.locs)
	return out
}

// LatestLocation returns ip's most recently refreshed location.
func (t *Tracker) LatestLocation(ip netaddr.IpV4) (Location, bool) {
	e, ok := t.hosts[ip]
	if !ok || len(e.locs) == 0 {
		return Location{}, false
	}
	return e.locs[0], true
}

// AllHosts returns every tracked host IP, in no particular order.
func (t *Tracker) AllHosts() []netaddr.IpV4 {
	out := make([]netaddr.IpV4, 0, len(t.hosts))
	for ip := range t.hosts {
		out = append(out, ip)
	}
	return out
}

func (t *Tracker) publish(ip netaddr.IpV4, locs []Location, kind ChangeKind) {
	cp := make([]Location, len(locs))
	copy(cp, locs)
	t.bus.Publish(HostLocationChanged{Host: ip, Locs: cp, Kind: kind})
}

// rearmExpiry re-schedules the single expiry timer for the earliest
// lastSeen+timeout across all tracked hosts, per spec.md §4.3.
func (t *Tracker) rearmExpiry() {
	if t.expiry != nil {
		t.expiry.Cancel()
		t.expiry = nil
	}
	earliest, ok := t.earliestDeadline()
	if !ok {
		return
	}
	delay := earliest.Sub(t.clock.Now())
	if delay < 0 {
		delay = 0
	}
	t.expiry = t.s.PostAt(delay, t.sweepExpired)
}

func (t *Tracker) earliestDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, e := range t.hosts {
		for _, loc := range e.locs {
			deadline := loc.LastSeen.Add(t.timeout)
			if !found || deadline.Before(earliest) {
				earliest = deadline
				found = true
			}
		}
	}
	return earliest, found
}

// sweepExpired removes every location whose lastSeen+timeout has elapsed,
// then re-arms for the next oldest deadline if any remain.
func (t *Tracker) sweepExpired() {
	now := t.clock.Now()
	for ip, e := range t.hosts {
		kept := e.locs[:0]
		removedAny := false
		for _, loc := range e.locs {
			if loc.LastSeen.Add(t.timeout).After(now) {
				kept = append(kept, loc)
			} else {
				removedAny = true
			}
		}
		e.locs = kept
		if !removedAny {
			continue
		}
		if len(e.locs) == 0 {
			delete(t.hosts, ip)
			t.publish(ip, nil, Removed)
		} else {
			t.publish(ip, e.locs, Modified)
		}
	}
	t.rearmExpiry()
}
