// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package flow

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse addr %s: %v", s, err)
	}
	return a
}

// TestParseProtocol tests protocol name parsing
func TestParseProtocol(t *testing.T) {
	testCases := []struct {
		name        string
		input       string
		expect      uint8
		expectError bool
	}{
		{name: "tcp", input: "tcp", expect: ProtoTCP},
		{name: "udp uppercase", input: "UDP", expect: ProtoUDP},
		{name: "icmp", input: "icmp", expect: ProtoICMP},
		{name: "any", input: "any", expect: ProtoAny},
		{name: "empty means any", input: "", expect: ProtoAny},
		{name: "unknown", input: "sctp", expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			proto, err := ParseProtocol(tc.input)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expect, proto)
		})
	}
}

// TestNormalizeSymmetry verifies forward and reverse keys normalize to
// the same canonical form
func TestNormalizeSymmetry(t *testing.T) {
	forward := Key{
		SrcIP:    mustAddr(t, "192.168.1.100"),
		DstIP:    mustAddr(t, "10.0.0.5"),
		SrcPort:  43210,
		DstPort:  443,
		Protocol: ProtoTCP,
	}
	reverse := Key{
		SrcIP:    forward.DstIP,
		DstIP:    forward.SrcIP,
		SrcPort:  forward.DstPort,
		DstPort:  forward.SrcPort,
		Protocol: ProtoTCP,
	}

	nf, swappedF := forward.Normalize()
	nr, swappedR := reverse.Normalize()

	assert.Equal(t, nf, nr, "forward and reverse must share one canonical key")
	assert.NotEqual(t, swappedF, swappedR, "exactly one direction is the reply")
}

// TestNormalizeIdempotent verifies normalizing twice is a no-op
func TestNormalizeIdempotent(t *testing.T) {
	k := Key{
		SrcIP:    mustAddr(t, "10.0.0.5"),
		DstIP:    mustAddr(t, "192.168.1.100"),
		SrcPort:  443,
		DstPort:  43210,
		Protocol: ProtoTCP,
	}

	n1, _ := k.Normalize()
	n2, swapped := n1.Normalize()
	assert.Equal(t, n1, n2)
	assert.False(t, swapped)
}

// TestHashStable verifies the hash is deterministic across calls
func TestHashStable(t *testing.T) {
	k := Key{
		SrcIP:    mustAddr(t, "172.16.4.9"),
		DstIP:    mustAddr(t, "8.8.8.8"),
		SrcPort:  51000,
		DstPort:  53,
		Protocol: ProtoUDP,
	}

	h := k.Hash()
	for i := 0; i < 100; i++ {
		assert.Equal(t, h, k.Hash())
	}
	assert.Equal(t, k.Bucket(), uint32(h%100))
}

// TestHashDistinguishes verifies distinct tuples hash differently
func TestHashDistinguishes(t *testing.T) {
	base := Key{
		SrcIP:    mustAddr(t, "10.1.1.1"),
		DstIP:    mustAddr(t, "10.2.2.2"),
		SrcPort:  1000,
		DstPort:  80,
		Protocol: ProtoTCP,
	}
	other := base
	other.SrcPort = 1001

	assert.NotEqual(t, base.Hash(), other.Hash())
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("Inbound")
	assert.NoError(t, err)
	assert.Equal(t, DirectionInbound, d)

	d, err = ParseDirection("")
	assert.NoError(t, err)
	assert.Equal(t, DirectionBoth, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}
