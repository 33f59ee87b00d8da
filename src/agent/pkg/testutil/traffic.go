// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package testutil generates synthetic flow observations for tests and
// load tools. Generators are seeded, so a given seed always reproduces
// the same traffic mix.
package testutil

import (
	"fmt"
	"math/rand"
	"net/netip"

	"github.com/flowguard/flowguard/src/agent/pkg/flow"
	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
)

// appProfile pairs a classifier verdict with how often it appears in
// generated traffic.
type appProfile struct {
	app    flowctx.AppContext
	weight int
}

var defaultApps = []appProfile{
	{flowctx.AppContext{AppName: "https", Category: "web", Protocol: "tls", Confidence: 95, IsEncrypted: true, RiskScore: 10}, 50},
	{flowctx.AppContext{AppName: "dns", Category: "infrastructure", Protocol: "dns", Confidence: 99, RiskScore: 5}, 20},
	{flowctx.AppContext{AppName: "ssh", Category: "remote-access", Protocol: "ssh", Confidence: 90, IsEncrypted: true, RiskScore: 30}, 10},
	{flowctx.AppContext{AppName: "smb", Category: "file-transfer", Protocol: "smb", Confidence: 85, RiskScore: 40}, 10},
	{flowctx.AppContext{AppName: "bittorrent", Category: "p2p", Protocol: "bittorrent", Confidence: 80, RiskScore: 60}, 5},
	{flowctx.AppContext{AppName: "cobalt", Category: "malware", Protocol: "unknown", Confidence: 70, RiskScore: 95, DetectedAnomalies: []string{"beaconing"}}, 5},
}

var defaultIdentities = []flowctx.IdentityContext{
	{UserID: "u-1001", Username: "alice", Role: "engineer", Location: "berlin", MFAVerified: true, ClearanceLevel: 3},
	{UserID: "u-1002", Username: "bob", Role: "engineer", Location: "london", MFAVerified: true, ClearanceLevel: 3},
	{UserID: "u-2001", Username: "carol", Role: "admin", Location: "berlin", MFAVerified: true, ClearanceLevel: 5},
	{UserID: "u-3001", Username: "dave", Role: "contractor", Location: "remote", MFAVerified: false, ClearanceLevel: 1},
}

// Generator produces synthetic flow samples from a fixed seed.
type Generator struct {
	rng        *rand.Rand
	apps       []appProfile
	identities []flowctx.IdentityContext
	total      int
}

// NewGenerator creates a generator with the default traffic mix.
func NewGenerator(seed int64) *Generator {
	g := &Generator{
		rng:        rand.New(rand.NewSource(seed)),
		apps:       defaultApps,
		identities: defaultIdentities,
	}
	for _, p := range g.apps {
		g.total += p.weight
	}
	return g
}

// Sample produces one synthetic observation. Source addresses come
// from 10.0.0.0/16, destinations from 10.1.0.0/16.
func (g *Generator) Sample() flowctx.Sample {
	src := netip.AddrFrom4([4]byte{10, 0, byte(g.rng.Intn(256)), byte(1 + g.rng.Intn(254))})
	dst := netip.AddrFrom4([4]byte{10, 1, byte(g.rng.Intn(256)), byte(1 + g.rng.Intn(254))})

	app := g.pickApp()
	identity := g.identities[g.rng.Intn(len(g.identities))]

	proto := flow.ProtoTCP
	dstPort := uint16(443)
	switch app.AppName {
	case "dns":
		proto = flow.ProtoUDP
		dstPort = 53
	case "ssh":
		dstPort = 22
	case "smb":
		dstPort = 445
	case "bittorrent", "cobalt":
		dstPort = uint16(10000 + g.rng.Intn(50000))
	}

	return flowctx.Sample{
		Key: flow.Key{
			SrcIP:    src,
			DstIP:    dst,
			SrcPort:  uint16(32768 + g.rng.Intn(28000)),
			DstPort:  dstPort,
			Protocol: proto,
		},
		Direction: flow.DirectionOutbound,
		App:       &app,
		Identity:  &identity,
		Bytes:     uint64(64 + g.rng.Intn(1400)),
		Packets:   1,
	}
}

// Reply mirrors a sample into its reverse direction, the way a
// responder's first packet would look.
func Reply(s flowctx.Sample) flowctx.Sample {
	r := s
	r.Key = flow.Key{
		SrcIP:    s.Key.DstIP,
		DstIP:    s.Key.SrcIP,
		SrcPort:  s.Key.DstPort,
		DstPort:  s.Key.SrcPort,
		Protocol: s.Key.Protocol,
	}
	r.Direction = flow.DirectionInbound
	return r
}

func (g *Generator) pickApp() flowctx.AppContext {
	n := g.rng.Intn(g.total)
	for _, p := range g.apps {
		if n < p.weight {
			return p.app
		}
		n -= p.weight
	}
	return g.apps[len(g.apps)-1].app
}

// BaselineRules returns a realistic mixed rule set: a malware block, a
// contractor p2p block, a geo-free SSH allowance for admins, an SMB
// rate limit, and an allow-all fallback.
func BaselineRules() []*rule.Rule {
	return []*rule.Rule{
		{
			ID: 900, Name: "deny-malware", Priority: 900,
			Direction: flow.DirectionBoth, Enabled: true,
			App:    &rule.AppMatch{Category: "malware"},
			Action: rule.ActionDeny,
		},
		{
			ID: 800, Name: "deny-contractor-p2p", Priority: 800,
			Direction: flow.DirectionBoth, Enabled: true,
			App:      &rule.AppMatch{Category: "p2p"},
			Identity: &rule.IdentityMatch{Role: "contractor"},
			Action:   rule.ActionDeny,
		},
		{
			ID: 700, Name: "allow-admin-ssh", Priority: 700,
			Direction: flow.DirectionBoth, Enabled: true,
			App:      &rule.AppMatch{AppName: "ssh"},
			Identity: &rule.IdentityMatch{Role: "admin"},
			Action:   rule.ActionPass,
		},
		{
			ID: 600, Name: "limit-smb", Priority: 600,
			Direction: flow.DirectionBoth, Enabled: true,
			App:    &rule.AppMatch{AppName: "smb"},
			Action: rule.ActionRateLimit,
			Enforce: rule.Enforcement{
				RateLimit: &rule.RateLimitParams{RateKbps: 10000},
			},
		},
		{
			ID: 1, Name: "allow-all", Priority: 1,
			Direction: flow.DirectionBoth, Enabled: true,
			Action: rule.ActionPass,
		},
	}
}

// Key returns a deterministic flow key for table-driven tests. Index
// selects distinct tuples.
func Key(i int) flow.Key {
	return flow.Key{
		SrcIP:    netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(1 + i%254)}),
		DstIP:    netip.MustParseAddr("10.1.0.1"),
		SrcPort:  uint16(32768 + i%28000),
		DstPort:  443,
		Protocol: flow.ProtoTCP,
	}
}

// String renders a sample for log lines in load tools.
func String(s flowctx.Sample) string {
	app := ""
	if s.App != nil {
		app = s.App.AppName
	}
	return fmt.Sprintf("%s app=%s", s.Key.String(), app)
}
