// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package flow defines the 5-tuple flow identity shared by the
// connection tracker, the rule matcher and the canary selector.
package flow

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"strings"
)

// Direction indicates which way a flow (or a rule) applies.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	// DirectionBoth is used by rules that match either direction.
	DirectionBoth Direction = "bidirectional"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(s)) {
	case DirectionInbound:
		return DirectionInbound, nil
	case DirectionOutbound:
		return DirectionOutbound, nil
	case DirectionBoth, "":
		return DirectionBoth, nil
	default:
		return "", fmt.Errorf("unknown direction: %s", s)
	}
}

// Key is the immutable 5-tuple identity of a flow.
// It is comparable and safe to use as a map key.
type Key struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// Protocol numbers follow IANA assignments, 0 means "any".
const (
	ProtoAny  uint8 = 0
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// ParseProtocol converts a protocol name to its IANA number.
func ParseProtocol(proto string) (uint8, error) {
	switch strings.ToLower(proto) {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmp":
		return ProtoICMP, nil
	case "any", "":
		return ProtoAny, nil
	default:
		return 0, fmt.Errorf("unknown protocol: %s", proto)
	}
}

// ProtocolString converts an IANA protocol number back to its name.
func ProtocolString(proto uint8) string {
	switch proto {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	case ProtoAny:
		return "any"
	default:
		return fmt.Sprintf("%d", proto)
	}
}

// Normalize returns a direction-independent form of the key so that the
// forward and reverse halves of a connection resolve to the same table
// entry. The second return value is true when the key was swapped,
// i.e. the observed packet travels in the reply direction.
func (k Key) Normalize() (Key, bool) {
	if k.less() {
		return k, false
	}
	return Key{
		SrcIP:    k.DstIP,
		DstIP:    k.SrcIP,
		SrcPort:  k.DstPort,
		DstPort:  k.SrcPort,
		Protocol: k.Protocol,
	}, true
}

// less orders the two endpoints of the tuple; the canonical form keeps
// the smaller (IP, port) endpoint as the source.
func (k Key) less() bool {
	switch c := k.SrcIP.Compare(k.DstIP); {
	case c < 0:
		return true
	case c > 0:
		return false
	}
	return k.SrcPort <= k.DstPort
}

// Hash returns a stable FNV-1a hash of the key. The same key always
// hashes to the same value within and across processes, which the
// canary selector relies on for non-flapping membership.
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	src := k.SrcIP.As16()
	dst := k.DstIP.As16()
	h.Write(src[:])
	h.Write(dst[:])
	h.Write([]byte{
		byte(k.SrcPort >> 8), byte(k.SrcPort),
		byte(k.DstPort >> 8), byte(k.DstPort),
		k.Protocol,
	})
	return h.Sum64()
}

// Bucket maps the key onto a stable canary bucket in [0, 100).
func (k Key) Bucket() uint32 {
	return uint32(k.Hash() % 100)
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d/%s",
		k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, ProtocolString(k.Protocol))
}
