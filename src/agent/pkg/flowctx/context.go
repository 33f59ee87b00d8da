// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package flowctx merges a flow's network tuple with externally
// resolved application, identity and geo context into one flat
// evaluation context. Building a context performs no I/O; classifier
// and identity lookups happen upstream before a flow reaches the
// engine.
package flowctx

import (
	"net/netip"

	"github.com/flowguard/flowguard/src/agent/pkg/flow"
)

// AppContext is the application-layer classification of a flow,
// produced by the external classifier.
type AppContext struct {
	AppName           string   `json:"app_name"`
	Category          string   `json:"category"`
	Protocol          string   `json:"protocol"`
	Confidence        uint8    `json:"confidence"` // 0-100
	IsEncrypted       bool     `json:"is_encrypted"`
	IsTunneled        bool     `json:"is_tunneled"`
	RiskScore         uint8    `json:"risk_score"` // 0-100
	DetectedAnomalies []string `json:"detected_anomalies,omitempty"`
}

// IdentityContext is the user/device identity of a flow, produced by
// the external identity resolver.
type IdentityContext struct {
	UserID         string   `json:"user_id"`
	Username       string   `json:"username"`
	Role           string   `json:"role"`
	Groups         []string `json:"groups,omitempty"`
	Location       string   `json:"location"`
	DeviceID       string   `json:"device_id"`
	DeviceType     string   `json:"device_type"`
	MFAVerified    bool     `json:"mfa_verified"`
	ClearanceLevel int      `json:"clearance_level"`
	Restrictions   []string `json:"restrictions,omitempty"`
}

// GeoResolver maps an address to an ISO country code. Implementations
// must be non-blocking; the engine calls this on the evaluation path.
type GeoResolver interface {
	Country(addr netip.Addr) string
}

// StaticGeoResolver is a fixed prefix-to-country table. It backs tests
// and deployments where the geo database is loaded into memory ahead
// of time.
type StaticGeoResolver struct {
	entries map[netip.Prefix]string
}

// NewStaticGeoResolver builds a resolver from CIDR -> country code.
// Invalid prefixes are skipped.
func NewStaticGeoResolver(table map[string]string) *StaticGeoResolver {
	entries := make(map[netip.Prefix]string, len(table))
	for cidr, country := range table {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		entries[p.Masked()] = country
	}
	return &StaticGeoResolver{entries: entries}
}

// Country returns the country code for addr, or "" when unknown.
func (r *StaticGeoResolver) Country(addr netip.Addr) string {
	for p, c := range r.entries {
		if p.Contains(addr) {
			return c
		}
	}
	return ""
}

// Sample is a single observation handed to the evaluation engine: the
// flow tuple plus whatever upstream collaborators already resolved.
type Sample struct {
	Key       flow.Key
	Direction flow.Direction
	App       *AppContext
	Identity  *IdentityContext

	// Per-observation accounting and state-machine signals.
	Bytes   uint64
	Packets uint64
	Fin     bool // graceful close observed
	Rst     bool // abortive close / malformed observation
}

// Context is the flat evaluation context shared by the fixed-schema
// rule matchers and the generic condition layer.
type Context struct {
	Key        flow.Key
	Direction  flow.Direction
	App        AppContext
	Identity   IdentityContext
	SrcCountry string
	DstCountry string

	flat map[string]interface{}
}

// Build combines a sample with geo lookups into one evaluation context.
// Pure function: no I/O, no retained references to the inputs.
func Build(s Sample, geo GeoResolver) *Context {
	ctx := &Context{
		Key:       s.Key,
		Direction: s.Direction,
	}
	if s.App != nil {
		ctx.App = *s.App
	}
	if s.Identity != nil {
		ctx.Identity = *s.Identity
	}
	if geo != nil {
		ctx.SrcCountry = geo.Country(s.Key.SrcIP)
		ctx.DstCountry = geo.Country(s.Key.DstIP)
	}
	ctx.flat = flatten(ctx)
	return ctx
}

// Flat returns the key -> value view used by generic conditions.
// Callers must treat the map as read-only.
func (c *Context) Flat() map[string]interface{} {
	return c.flat
}

func flatten(c *Context) map[string]interface{} {
	return map[string]interface{}{
		"src_ip":          c.Key.SrcIP.String(),
		"dst_ip":          c.Key.DstIP.String(),
		"src_port":        int(c.Key.SrcPort),
		"dst_port":        int(c.Key.DstPort),
		"protocol":        flow.ProtocolString(c.Key.Protocol),
		"direction":       string(c.Direction),
		"app_name":        c.App.AppName,
		"category":        c.App.Category,
		"app_protocol":    c.App.Protocol,
		"confidence":      int(c.App.Confidence),
		"is_encrypted":    c.App.IsEncrypted,
		"is_tunneled":     c.App.IsTunneled,
		"risk_score":      int(c.App.RiskScore),
		"anomalies":       c.App.DetectedAnomalies,
		"user_id":         c.Identity.UserID,
		"username":        c.Identity.Username,
		"role":            c.Identity.Role,
		"groups":          c.Identity.Groups,
		"location":        c.Identity.Location,
		"device_id":       c.Identity.DeviceID,
		"device_type":     c.Identity.DeviceType,
		"mfa_verified":    c.Identity.MFAVerified,
		"clearance_level": c.Identity.ClearanceLevel,
		"restrictions":    c.Identity.Restrictions,
		"src_country":     c.SrcCountry,
		"dst_country":     c.DstCountry,
	}
}
