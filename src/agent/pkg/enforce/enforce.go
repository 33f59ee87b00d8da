// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package enforce resolves a matched rule into concrete enforcement
// parameters: NAT/redirect targets, rate-limit budgets and quarantine
// routing. A malformed parameter set degrades that one flow to DROP
// with reason enforcement_param_error; it never aborts other flows.
package enforce

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"

	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
)

// Queue strategies accepted for rate-limit enforcement.
var queueStrategies = map[string]bool{
	"fair_queuing": true,
	"priority":     true,
	"fifo":         true,
	"":             true, // defaults to fifo at resolution time
}

// Enforcer resolves decisions and owns the per-rule rate limiters.
type Enforcer struct {
	mu       sync.Mutex
	limiters map[uint32]*TokenBucket

	now func() time.Time // injectable clock for tests
}

// NewEnforcer creates an enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		limiters: make(map[uint32]*TokenBucket),
		now:      time.Now,
	}
}

// DecodeParams decodes a raw enforcement parameter map into the typed
// form. Unknown keys and type mismatches are errors so malformed
// parameter sets are caught instead of silently ignored.
func DecodeParams(raw map[string]interface{}) (rule.Enforcement, error) {
	var out rule.Enforcement
	if len(raw) == 0 {
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &out,
		ErrorUnused: true,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(raw); err != nil {
		return out, fmt.Errorf("malformed enforcement parameters: %w", err)
	}
	return out, nil
}

// Resolve maps a rule action to a decision with validated enforcement
// parameters. The action may differ from the rule's nominal one when
// geo escalation applies. On parameter errors the returned decision is
// a DROP with reason enforcement_param_error, plus the error for the
// caller to log.
func (e *Enforcer) Resolve(r *rule.Rule, action rule.Action, reason string, ctx *flowctx.Context) (rule.Decision, error) {
	d := rule.Decision{
		Kind:      action.Kind(),
		RuleID:    r.ID,
		Reason:    reason,
		Enforce:   r.Enforce,
		Timestamp: e.now(),
	}

	var err error
	switch d.Kind {
	case rule.DecisionRateLimit:
		err = e.resolveRateLimit(r, &d)
	case rule.DecisionRedirect:
		err = resolveRedirect(r, &d, ctx)
	case rule.DecisionQuarantine:
		err = resolveQuarantine(r, &d)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"rule_id": r.ID,
			"action":  string(action),
		}).Errorf("Enforcement parameter error: %v", err)
		return rule.Decision{
			Kind:      rule.DecisionDrop,
			RuleID:    r.ID,
			Reason:    rule.ReasonParamError,
			Timestamp: d.Timestamp,
		}, err
	}
	return d, nil
}

func (e *Enforcer) resolveRateLimit(r *rule.Rule, d *rule.Decision) error {
	p := r.Enforce.RateLimit
	if p == nil {
		return fmt.Errorf("rate_limit action without rate_limit parameters")
	}
	if p.RateKbps == 0 {
		return fmt.Errorf("rate_limit budget must be positive")
	}
	if !queueStrategies[strings.ToLower(p.QueueStrategy)] {
		return fmt.Errorf("unknown queue strategy %q", p.QueueStrategy)
	}
	resolved := *p
	if resolved.QueueStrategy == "" {
		resolved.QueueStrategy = "fifo"
	}
	if resolved.BurstKbps == 0 {
		resolved.BurstKbps = resolved.RateKbps
	}
	d.Enforce.RateLimit = &resolved

	e.mu.Lock()
	defer e.mu.Unlock()
	if tb, ok := e.limiters[r.ID]; !ok || !tb.matches(&resolved) {
		e.limiters[r.ID] = newTokenBucket(&resolved, e.now)
	}
	return nil
}

func resolveRedirect(r *rule.Rule, d *rule.Decision, ctx *flowctx.Context) error {
	p := r.Enforce.NAT
	if p == nil || p.Target == "" {
		return fmt.Errorf("redirect action without NAT target")
	}
	if _, err := netip.ParseAddrPort(p.Target); err != nil {
		return fmt.Errorf("invalid NAT target %q: %w", p.Target, err)
	}
	switch strings.ToLower(p.Mode) {
	case "dnat", "":
	case "snat":
	default:
		return fmt.Errorf("unknown NAT mode %q", p.Mode)
	}
	// The flow stays tracked under its original key; the original
	// destination is retained for audit.
	d.OriginalDst = fmt.Sprintf("%s:%d", ctx.Key.DstIP, ctx.Key.DstPort)
	return nil
}

func resolveQuarantine(r *rule.Rule, d *rule.Decision) error {
	p := r.Enforce.Quarantine
	if p == nil {
		return fmt.Errorf("quarantine action without quarantine parameters")
	}
	if p.Queue == "" {
		return fmt.Errorf("quarantine queue is required")
	}
	if p.MaxSeconds == 0 {
		return fmt.Errorf("quarantine max duration must be positive")
	}
	return nil
}

// Allow asks the rate limiter for rule id whether n bytes fit the
// budget right now. Flows without a limiter always pass.
func (e *Enforcer) Allow(ruleID uint32, n uint64) bool {
	e.mu.Lock()
	tb, ok := e.limiters[ruleID]
	e.mu.Unlock()
	if !ok {
		return true
	}
	return tb.Take(n)
}

// TokenBucket enforces a sustained kbps budget with a burst allowance.
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64 // bytes per second
	burst  float64 // bucket capacity in bytes
	tokens float64
	last   time.Time

	srcRate  uint64
	srcBurst uint64
	now      func() time.Time
}

func newTokenBucket(p *rule.RateLimitParams, now func() time.Time) *TokenBucket {
	rate := float64(p.RateKbps) * 1000 / 8
	burst := float64(p.BurstKbps) * 1000 / 8
	if seconds := float64(p.BurstSeconds); seconds > 0 {
		burst *= seconds
	}
	if burst < rate {
		burst = rate
	}
	return &TokenBucket{
		rate:     rate,
		burst:    burst,
		tokens:   burst,
		last:     now(),
		srcRate:  p.RateKbps,
		srcBurst: p.BurstKbps,
		now:      now,
	}
}

func (tb *TokenBucket) matches(p *rule.RateLimitParams) bool {
	return tb.srcRate == p.RateKbps && tb.srcBurst == p.BurstKbps
}

// Take consumes n bytes from the bucket if available.
func (tb *TokenBucket) Take(n uint64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.last).Seconds()
	tb.last = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	if float64(n) > tb.tokens {
		return false
	}
	tb.tokens -= float64(n)
	return true
}
