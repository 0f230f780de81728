// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package linkload implements the link-load sampler and weight quantizer
// (spec.md §4.2, SPEC_FULL.md §6.2): periodic per-link byte-rate sampling
// quantized into a bucketed composite weight, with change notification only
// on bucket-boundary crossing.
package linkload

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mcroute.dev/mcroute/internal/iface"
	"mcroute.dev/mcroute/internal/logging"
	"mcroute.dev/mcroute/internal/netaddr"
	"mcroute.dev/mcroute/internal/sched"
	"mcroute.dev/mcroute/internal/weight"
)

// LinkWeightChanged is emitted only when the quantized bucket for a link
// changes, never on every sample.
type LinkWeightChanged struct {
	Src, Dst   netaddr.SwitchId
	SPort, DPort netaddr.Port
	Old, New   weight.Weight
}

// Config carries the tunables enumerated in spec.md §6.
type Config struct {
	Interval time.Duration
	Alpha    float64
	Parts    uint32
	// Capacity reports a link's byte/sec capacity, keyed by the local
	// (switch,port) the sample is taken from. Links with no entry use
	// DefaultCapacity.
	Capacity        map[netaddr.SwitchId]map[netaddr.Port]uint64
	DefaultCapacity uint64
}

// DefaultConfig matches spec.md §6's defaults plus a 1 Gbps assumed
// capacity for links absent from the Capacity table (not spec-mandated;
// see DESIGN.md).
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		Alpha:           0,
		Parts:           10,
		DefaultCapacity: 1_000_000_000 / 8,
	}
}

func (c Config) capacityOf(sw netaddr.SwitchId, port netaddr.Port) uint64 {
	if m, ok := c.Capacity[sw]; ok {
		if cap, ok := m[port]; ok {
			return cap
		}
	}
	return c.DefaultCapacity
}

type link struct {
	src, dst       netaddr.SwitchId
	sPort, dPort   netaddr.Port
	ratio          float64
	lastRx, lastTx uint64
	seeded         bool
}

func linkKeyOf(src netaddr.SwitchId, sPort netaddr.Port) [2]uint64 {
	return [2]uint64{uint64(src), uint64(sPort)}
}

// Sampler round-robins monitored links on a scheduler timer, computing
// utilisation from the transport's per-port byte counters and quantizing it
// into a routing weight.
type Sampler struct {
	cfg       Config
	transport iface.FlowTransport
	sched     *sched.Scheduler
	bus       *sched.Bus[LinkWeightChanged]
	log       *logging.Logger

	order   []*link
	byKey   map[[2]uint64]*link
	cursor  int
	timer   *sched.Handle

	ratioGauge *prometheus.GaugeVec
}

// New creates a Sampler. Call Start to arm the round-robin timer.
func New(cfg Config, transport iface.FlowTransport, s *sched.Scheduler) *Sampler {
	return &Sampler{
		cfg:       cfg,
		transport: transport,
		sched:     s,
		bus:       sched.NewBus[LinkWeightChanged](s),
		log:       logging.Default().WithComponent("linkload"),
		byKey:     make(map[[2]uint64]*link),
		ratioGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcroute_link_utilisation_ratio",
			Help: "Most recently sampled link utilisation ratio in [0,1].",
		}, []string{"src", "dst", "src_port"}),
	}
}

// Bus returns the event stream of bucket-boundary-crossing changes.
func (s *Sampler) Bus() *sched.Bus[LinkWeightChanged] { return s.bus }

// Collector exposes the sampler's gauges for Prometheus registration.
func (s *Sampler) Collector() prometheus.Collector { return s.ratioGauge }

func (s *Sampler) quantize(ratio float64) uint64 {
	part := float64(s.cfg.Parts)
	q := part * ((1 - s.cfg.Alpha) + s.cfg.Alpha*ratio)
	return uint64(math.Round(q))
}

// LinkAdded seeds a zero-ratio entry for the link and emits a
// LinkWeightChanged with Old=ZERO, per spec.md §4.2.
func (s *Sampler) LinkAdded(src, dst netaddr.SwitchId, sPort, dPort netaddr.Port) {
	k := linkKeyOf(src, sPort)
	if _, exists := s.byKey[k]; exists {
		return
	}
	l := &link{src: src, dst: dst, sPort: sPort, dPort: dPort}
	s.byKey[k] = l
	s.order = append(s.order, l)

	zero := weight.Weight{Value: 0}
	q := s.quantize(0)
	l.ratio = 0
	s.bus.Publish(LinkWeightChanged{Src: src, Dst: dst, SPort: sPort, DPort: dPort, Old: zero, New: weight.Weight{Value: q}})
	s.rearm()
}

// LinkRemoved drops the stored ratio and emits a LinkWeightChanged with
// New=ZERO, per spec.md §4.2.
func (s *Sampler) LinkRemoved(src netaddr.SwitchId, sPort netaddr.Port) {
	k := linkKeyOf(src, sPort)
	l, ok := s.byKey[k]
	if !ok {
		return
	}
	delete(s.byKey, k)
	for i, cur := range s.order {
		if cur == l {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	old := weight.Weight{Value: s.quantize(l.ratio)}
	s.bus.Publish(LinkWeightChanged{Src: l.src, Dst: l.dst, SPort: l.sPort, DPort: l.dPort, Old: old, New: weight.Weight{Value: 0}})
	s.rearm()
}

// Start arms the round-robin sampling timer.
func (s *Sampler) Start() {
	s.rearm()
}

// Stop cancels the round-robin timer.
func (s *Sampler) Stop() {
	if s.timer != nil {
		s.timer.Cancel()
		s.timer = nil
	}
}

func (s *Sampler) rearm() {
	if s.timer != nil {
		s.timer.Cancel()
		s.timer = nil
	}
	if len(s.order) == 0 {
		return
	}
	period := s.cfg.Interval / time.Duration(max(1, len(s.order)))
	s.timer = s.sched.PostAt(period, s.tick)
}

// tick samples exactly one link, round-robin, then re-arms itself.
func (s *Sampler) tick() {
	defer s.rearm()

	if len(s.order) == 0 {
		return
	}
	if s.cursor >= len(s.order) {
		s.cursor = 0
	}
	l := s.order[s.cursor]
	s.cursor++

	rx, tx, err := s.transport.PortStats(l.src, l.sPort)
	if err != nil {
		s.log.Warn("port stats sample failed", "switch", l.src, "port", l.sPort, "err", err)
		return
	}

	if !l.seeded {
		l.lastRx, l.lastTx = rx, tx
		l.seeded = true
		return
	}

	rxDelta := deltaOf(l.lastRx, rx)
	txDelta := deltaOf(l.lastTx, tx)
	l.lastRx, l.lastTx = rx, tx

	capacity := s.cfg.capacityOf(l.src, l.sPort)
	denom := float64(capacity) * s.cfg.Interval.Seconds()
	var rxRatio, txRatio float64
	if denom > 0 {
		rxRatio = float64(rxDelta) / denom
		txRatio = float64(txDelta) / denom
	}
	ratio := math.Max(rxRatio, txRatio)
	if ratio > 1 {
		ratio = 1
	}

	s.ratioGauge.WithLabelValues(l.src.String(), l.dst.String(), l.sPort.String()).Set(ratio)

	part := float64(s.cfg.Parts)
	if part <= 0 {
		part = 1
	}
	if math.Abs(ratio-l.ratio) < 1/part {
		return
	}

	old := weight.Weight{Value: s.quantize(l.ratio)}
	l.ratio = ratio
	newW := weight.Weight{Value: s.quantize(ratio)}
	if old == newW {
		return
	}
	s.bus.Publish(LinkWeightChanged{Src: l.src, Dst: l.dst, SPort: l.sPort, DPort: l.dPort, Old: old, New: newW})
}

// deltaOf computes last->cur accounting for a single 64-bit counter wrap.
func deltaOf(last, cur uint64) uint64 {
	if cur >= last {
		return cur - last
	}
	return (math.MaxUint64 - last) + cur + 1
}
