// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package flowctx

import (
	"net/netip"
	"testing"

	"github.com/flowguard/flowguard/src/agent/pkg/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleKey(t *testing.T) flow.Key {
	t.Helper()
	return flow.Key{
		SrcIP:    netip.MustParseAddr("192.168.1.10"),
		DstIP:    netip.MustParseAddr("203.0.113.7"),
		SrcPort:  50123,
		DstPort:  443,
		Protocol: flow.ProtoTCP,
	}
}

// TestBuildFlattensAllSources verifies network, app, identity and geo
// data all land in the flat map under their expected keys
func TestBuildFlattensAllSources(t *testing.T) {
	geo := NewStaticGeoResolver(map[string]string{
		"192.168.0.0/16": "US",
		"203.0.113.0/24": "DE",
	})

	s := Sample{
		Key:       sampleKey(t),
		Direction: flow.DirectionOutbound,
		App: &AppContext{
			AppName:    "https",
			Category:   "web",
			Confidence: 95,
			RiskScore:  10,
		},
		Identity: &IdentityContext{
			UserID:      "u-1001",
			Role:        "engineer",
			MFAVerified: true,
		},
	}

	ctx := Build(s, geo)
	flat := ctx.Flat()

	assert.Equal(t, "192.168.1.10", flat["src_ip"])
	assert.Equal(t, 443, flat["dst_port"])
	assert.Equal(t, "tcp", flat["protocol"])
	assert.Equal(t, "outbound", flat["direction"])
	assert.Equal(t, "https", flat["app_name"])
	assert.Equal(t, 95, flat["confidence"])
	assert.Equal(t, "u-1001", flat["user_id"])
	assert.Equal(t, true, flat["mfa_verified"])
	assert.Equal(t, "US", flat["src_country"])
	assert.Equal(t, "DE", flat["dst_country"])
}

// TestBuildNilContexts verifies missing app/identity context yields
// zero values instead of panicking
func TestBuildNilContexts(t *testing.T) {
	ctx := Build(Sample{Key: sampleKey(t), Direction: flow.DirectionInbound}, nil)
	flat := ctx.Flat()

	assert.Equal(t, "", flat["app_name"])
	assert.Equal(t, "", flat["role"])
	assert.Equal(t, "", flat["src_country"])
	assert.Equal(t, 0, flat["risk_score"])
}

// TestBuildDeterministic verifies identical samples produce identical
// contexts
func TestBuildDeterministic(t *testing.T) {
	s := Sample{
		Key:       sampleKey(t),
		Direction: flow.DirectionOutbound,
		App:       &AppContext{AppName: "dns", Category: "infrastructure"},
	}

	a := Build(s, nil)
	b := Build(s, nil)
	assert.Equal(t, a.Flat(), b.Flat())
}

func TestStaticGeoResolver(t *testing.T) {
	geo := NewStaticGeoResolver(map[string]string{
		"10.0.0.0/8": "CN",
		"not-a-cidr": "XX",
	})

	require.Equal(t, "CN", geo.Country(netip.MustParseAddr("10.42.0.1")))
	require.Equal(t, "", geo.Country(netip.MustParseAddr("172.16.0.1")))
}
