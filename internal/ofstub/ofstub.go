// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ofstub is a placeholder OpenFlow/topology binding for
// cmd/mcrouted. Topology discovery, the generic unicast shortest-path
// service, and the OpenFlow wire codec/switch transport are deliberately
// out of scope for this controller (spec.md §1): they are consumed only
// through the interfaces in internal/iface. Bridge answers every query as
// "nothing known yet" rather than faking a topology, the same way
// ctlplane's link_stub.go and nfqueue_stub.go report an explicit
// unsupported/unavailable condition instead of synthesizing fake state. A
// real deployment replaces Bridge with a binding onto an actual OpenFlow
// switch transport and discovery service.
package ofstub

import (
	"fmt"

	"mcroute.dev/mcroute/internal/iface"
	"mcroute.dev/mcroute/internal/netaddr"
)

// Bridge implements iface.Topology, iface.UnicastRouting and
// iface.FlowTransport with no backing switch connection. It lets
// cmd/mcrouted wire and run the full controller event loop before a real
// transport is plugged in.
type Bridge struct{}

// New returns a Bridge with no discovered topology and no switch transport.
func New() *Bridge { return &Bridge{} }

func (b *Bridge) PortsOf(netaddr.SwitchId) []netaddr.Port                          { return nil }
func (b *Bridge) IsInternal(netaddr.SwitchId, netaddr.Port) bool                   { return false }
func (b *Bridge) Datapaths() []netaddr.SwitchId                                    { return nil }
func (b *Bridge) OutLinks(netaddr.SwitchId) map[netaddr.SwitchId][]iface.LinkPorts { return nil }

func (b *Bridge) Route(netaddr.SwitchId, netaddr.SwitchId) (iface.Route, bool) {
	return iface.Route{}, false
}

var errNoTransport = fmt.Errorf("ofstub: no OpenFlow transport wired")

func (b *Bridge) InstallFlow(netaddr.SwitchId, iface.Match, []iface.Action, uint64, iface.FlowCommand, uint16, uint16, iface.FlowModFlags) error {
	return errNoTransport
}

func (b *Bridge) SendPacket(netaddr.SwitchId, []byte, netaddr.Port, netaddr.Port) error {
	return errNoTransport
}

func (b *Bridge) PortStats(netaddr.SwitchId, netaddr.Port) (rxBytes, txBytes uint64, err error) {
	return 0, 0, errNoTransport
}
