// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netaddr holds the primitive identifiers shared by every
// component: switch/port identifiers and IPv4/Ethernet addresses (spec §3).
package netaddr

import "fmt"

// SwitchId is an opaque 64-bit datapath identifier.
type SwitchId uint64

func (s SwitchId) String() string { return fmt.Sprintf("0x%x", uint64(s)) }

// Port is a 16-bit switch port number. NonePort marks controller/unspecified.
type Port uint16

// NonePort is the sentinel for "controller" or "unspecified" port.
const NonePort Port = 0xffff

func (p Port) String() string {
	if p == NonePort {
		return "NONE"
	}
	return fmt.Sprintf("%d", uint16(p))
}

// IpV4 is a 32-bit IPv4 address in host byte order.
type IpV4 uint32

// IpV4FromBytes builds an IpV4 from four octets, most significant first.
func IpV4FromBytes(a, b, c, d byte) IpV4 {
	return IpV4(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// Bytes returns the four octets of ip, most significant first.
func (ip IpV4) Bytes() [4]byte {
	return [4]byte{
		byte(ip >> 24),
		byte(ip >> 16),
		byte(ip >> 8),
		byte(ip),
	}
}

func (ip IpV4) String() string {
	b := ip.Bytes()
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// IsMulticast reports whether ip falls in 224.0.0.0/4.
func (ip IpV4) IsMulticast() bool {
	return ip>>28 == 0xe
}

// IsZero reports whether ip is 0.0.0.0.
func (ip IpV4) IsZero() bool {
	return ip == 0
}

// EthAddr is a 48-bit Ethernet hardware address.
type EthAddr [6]byte

func (e EthAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", e[0], e[1], e[2], e[3], e[4], e[5])
}

// MulticastMACFor derives the Ethernet multicast MAC for a multicast IPv4
// group address: 01:00:5E | (low 23 bits of ip), per RFC 1112 / spec §3.
func MulticastMACFor(ip IpV4) EthAddr {
	b := ip.Bytes()
	return EthAddr{0x01, 0x00, 0x5e, b[1] & 0x7f, b[2], b[3]}
}
