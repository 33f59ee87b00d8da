// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package rule

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/flowguard/flowguard/src/agent/pkg/flow"
	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
)

// Action is the nominal verdict a rule requests for matching traffic.
type Action string

const (
	ActionPass       Action = "pass"
	ActionDeny       Action = "deny"
	ActionLog        Action = "log"
	ActionAlert      Action = "alert"
	ActionRateLimit  Action = "rate_limit"
	ActionRedirect   Action = "redirect"
	ActionQuarantine Action = "quarantine"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(s)) {
	case ActionPass, ActionDeny, ActionLog, ActionAlert,
		ActionRateLimit, ActionRedirect, ActionQuarantine:
		return Action(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown action: %s", s)
	}
}

// PortRange matches ports in [Min, Max]. The zero value is a wildcard.
type PortRange struct {
	Min uint16 `json:"min"`
	Max uint16 `json:"max"`
}

// IsZero reports whether the range is unset (wildcard).
func (r PortRange) IsZero() bool { return r.Min == 0 && r.Max == 0 }

// Contains reports whether port falls inside the range. A single-port
// range is expressed as Min == Max.
func (r PortRange) Contains(port uint16) bool {
	if r.IsZero() {
		return true
	}
	max := r.Max
	if max == 0 {
		max = r.Min
	}
	return port >= r.Min && port <= max
}

// NetworkMatch selects flows by L3/L4 tuple. Unset fields are
// wildcards.
type NetworkMatch struct {
	SrcCIDR  string    `json:"src_cidr,omitempty"`
	DstCIDR  string    `json:"dst_cidr,omitempty"`
	SrcPorts PortRange `json:"src_ports,omitempty"`
	DstPorts PortRange `json:"dst_ports,omitempty"`
	Protocol string    `json:"protocol,omitempty"`

	// Compiled by Rule.compile; not serialized.
	srcPrefix netip.Prefix
	dstPrefix netip.Prefix
	proto     uint8
}

// AppMatch selects flows by classifier output. Unset fields are
// wildcards.
type AppMatch struct {
	AppName  string `json:"app_name,omitempty"`
	Category string `json:"category,omitempty"`
}

// IdentityMatch selects flows by resolver output. Unset fields are
// wildcards.
type IdentityMatch struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

// GeoMatch escalates flows by source country.
//
// Mode "block": listed countries are geo-blocked.
// Mode "allow": every country NOT listed is geo-blocked.
type GeoMatch struct {
	Countries []string `json:"countries"`
	Mode      string   `json:"mode"` // "block" or "allow"
}

// Blocked reports whether the source country triggers the geo
// escalation. An unknown ("") country never triggers mode "block" but
// does trigger mode "allow".
func (g *GeoMatch) Blocked(country string) bool {
	listed := false
	for _, c := range g.Countries {
		if strings.EqualFold(c, country) {
			listed = true
			break
		}
	}
	if strings.EqualFold(g.Mode, "allow") {
		return !listed
	}
	return listed && country != ""
}

// NATParams configure address rewriting for redirect enforcement.
type NATParams struct {
	Mode   string `json:"mode" mapstructure:"mode"` // "dnat" or "snat"
	Target string `json:"target" mapstructure:"target"`
}

// RateLimitParams configure the sustained/burst budget for rate-limit
// enforcement.
type RateLimitParams struct {
	RateKbps      uint64 `json:"rate_kbps" mapstructure:"rate_kbps"`
	BurstKbps     uint64 `json:"burst_kbps" mapstructure:"burst_kbps"`
	BurstSeconds  uint32 `json:"burst_seconds" mapstructure:"burst_seconds"`
	QueueStrategy string `json:"queue_strategy" mapstructure:"queue_strategy"` // fair_queuing, priority, fifo
}

// QuarantineParams configure the isolated inspection path.
type QuarantineParams struct {
	Queue          string   `json:"queue" mapstructure:"queue"`
	CapturePayload bool     `json:"capture_payload" mapstructure:"capture_payload"`
	MaxSeconds     uint32   `json:"max_seconds" mapstructure:"max_seconds"`
	Analyses       []string `json:"analyses,omitempty" mapstructure:"analyses"`
	NotifyAdmin    bool     `json:"notify_admin" mapstructure:"notify_admin"`
	NotifyUser     bool     `json:"notify_user" mapstructure:"notify_user"`
}

// Enforcement carries the per-action parameters attached to a rule.
type Enforcement struct {
	QoSClass   string            `json:"qos_class,omitempty" mapstructure:"qos_class"`
	NAT        *NATParams        `json:"nat,omitempty" mapstructure:"nat"`
	RateLimit  *RateLimitParams  `json:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Quarantine *QuarantineParams `json:"quarantine,omitempty" mapstructure:"quarantine"`
}

// Rule is one policy rule. A matcher left nil (or zero) is a wildcard;
// the rule matches when every set matcher succeeds.
type Rule struct {
	ID        uint32         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Priority  uint16         `json:"priority"` // higher evaluated first
	Direction flow.Direction `json:"direction"`

	Network  *NetworkMatch  `json:"network,omitempty"`
	App      *AppMatch      `json:"app,omitempty"`
	Identity *IdentityMatch `json:"identity,omitempty"`
	Geo      *GeoMatch      `json:"geo,omitempty"`

	// Conditions is the generic ad-hoc layer evaluated against the
	// flat context map, combined with Logic.
	Conditions []Condition    `json:"conditions,omitempty"`
	Logic      ConditionLogic `json:"logic,omitempty"`

	Action  Action      `json:"action"`
	Enforce Enforcement `json:"enforce,omitempty"`
	Enabled bool        `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// seq is the insertion sequence, the stable tie-break for rules
	// sharing a priority.
	seq uint64
}

// Validate checks a rule for administration-time errors and compiles
// its matchers. Invalid rules never reach evaluation.
func (r *Rule) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("%w: rule id must be non-zero", ErrValidation)
	}
	if _, err := ParseAction(string(r.Action)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	dir, err := flow.ParseDirection(string(r.Direction))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	// An omitted direction is the bidirectional wildcard; matching
	// relies on the normalized form.
	r.Direction = dir
	if r.Network != nil {
		if err := r.Network.compile(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if r.Geo != nil {
		switch strings.ToLower(r.Geo.Mode) {
		case "block", "allow", "":
		default:
			return fmt.Errorf("%w: unknown geo mode %q", ErrValidation, r.Geo.Mode)
		}
	}
	logic, err := ParseLogic(string(r.Logic))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	r.Logic = logic
	for i := range r.Conditions {
		if err := r.Conditions[i].compile(); err != nil {
			return fmt.Errorf("%w: condition %d: %v", ErrValidation, i, err)
		}
	}
	return nil
}

func (m *NetworkMatch) compile() error {
	var err error
	if m.SrcCIDR != "" {
		if m.srcPrefix, err = parsePrefix(m.SrcCIDR); err != nil {
			return fmt.Errorf("invalid src cidr: %w", err)
		}
	}
	if m.DstCIDR != "" {
		if m.dstPrefix, err = parsePrefix(m.DstCIDR); err != nil {
			return fmt.Errorf("invalid dst cidr: %w", err)
		}
	}
	if err := validRange(m.SrcPorts); err != nil {
		return fmt.Errorf("src ports: %w", err)
	}
	if err := validRange(m.DstPorts); err != nil {
		return fmt.Errorf("dst ports: %w", err)
	}
	if m.proto, err = flow.ParseProtocol(m.Protocol); err != nil {
		return err
	}
	return nil
}

func validRange(r PortRange) error {
	if r.Max != 0 && r.Max < r.Min {
		return fmt.Errorf("inverted port range %d-%d", r.Min, r.Max)
	}
	return nil
}

// parsePrefix accepts both CIDR notation and a bare address, the same
// convenience the admin API has always afforded.
func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

// Matches reports whether every set matcher on the rule succeeds
// against ctx. Geo matchers do not participate here; they escalate
// after a match (see GeoMatch.Blocked).
func (r *Rule) Matches(ctx *flowctx.Context) (bool, error) {
	if !r.Enabled {
		return false, nil
	}
	if r.Direction != flow.DirectionBoth && r.Direction != ctx.Direction {
		return false, nil
	}
	if r.Network != nil && !r.Network.matches(ctx) {
		return false, nil
	}
	if r.App != nil && !r.App.matches(ctx) {
		return false, nil
	}
	if r.Identity != nil && !r.Identity.matches(ctx) {
		return false, nil
	}
	if len(r.Conditions) > 0 {
		ok, err := EvalConditions(r.Conditions, r.Logic, ctx.Flat())
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *NetworkMatch) matches(ctx *flowctx.Context) bool {
	if m.srcPrefix.IsValid() && !m.srcPrefix.Contains(ctx.Key.SrcIP) {
		return false
	}
	if m.dstPrefix.IsValid() && !m.dstPrefix.Contains(ctx.Key.DstIP) {
		return false
	}
	if !m.SrcPorts.Contains(ctx.Key.SrcPort) {
		return false
	}
	if !m.DstPorts.Contains(ctx.Key.DstPort) {
		return false
	}
	if m.proto != flow.ProtoAny && m.proto != ctx.Key.Protocol {
		return false
	}
	return true
}

func (m *AppMatch) matches(ctx *flowctx.Context) bool {
	if m.AppName != "" && !strings.EqualFold(m.AppName, ctx.App.AppName) {
		return false
	}
	if m.Category != "" && !strings.EqualFold(m.Category, ctx.App.Category) {
		return false
	}
	return true
}

func (m *IdentityMatch) matches(ctx *flowctx.Context) bool {
	if m.UserID != "" && m.UserID != ctx.Identity.UserID {
		return false
	}
	if m.Role != "" && !strings.EqualFold(m.Role, ctx.Identity.Role) {
		return false
	}
	return true
}
