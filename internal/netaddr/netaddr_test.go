// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netaddr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMulticast(t *testing.T) {
	require.True(t, IpV4FromBytes(224, 1, 2, 3).IsMulticast())
	require.True(t, IpV4FromBytes(239, 255, 255, 255).IsMulticast())
	require.False(t, IpV4FromBytes(223, 255, 255, 255).IsMulticast())
	require.False(t, IpV4FromBytes(240, 0, 0, 0).IsMulticast())
}

func TestIsZero(t *testing.T) {
	require.True(t, IpV4(0).IsZero())
	require.False(t, IpV4FromBytes(0, 0, 0, 1).IsZero())
}

func TestMulticastMACFor(t *testing.T) {
	// 224.1.2.3 -> 01:00:5e:01:02:03
	mac := MulticastMACFor(IpV4FromBytes(224, 1, 2, 3))
	require.Equal(t, "01:00:5e:01:02:03", mac.String())

	// high bit of second octet must be masked off per RFC 1112
	mac2 := MulticastMACFor(IpV4FromBytes(239, 255, 2, 3))
	require.Equal(t, "01:00:5e:7f:02:03", mac2.String())
}

func TestNonePort(t *testing.T) {
	require.Equal(t, "NONE", NonePort.String())
	require.Equal(t, "3", Port(3).String())
}

func TestIpV4StringRoundTrip(t *testing.T) {
	ip := IpV4FromBytes(10, 0, 0, 1)
	require.Equal(t, "10.0.0.1", ip.String())
}
