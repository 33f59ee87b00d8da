// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package engine orchestrates policy evaluation: fast-path lookup,
// context build, version selection, rule matching, geo escalation,
// enforcement resolution, connection tracking and event emission.
package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowguard/flowguard/src/agent/pkg/audit"
	"github.com/flowguard/flowguard/src/agent/pkg/conntrack"
	"github.com/flowguard/flowguard/src/agent/pkg/enforce"
	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
	"github.com/flowguard/flowguard/src/agent/pkg/metrics"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

// Config tunes engine behavior.
type Config struct {
	// DefaultDecision applies when no rule matches. DROP by default;
	// never PASS in a sane deployment.
	DefaultDecision rule.DecisionKind

	// GeoBlockAction replaces a matched rule's nominal action when the
	// source country is geo-blocked.
	GeoBlockAction rule.Action

	// Segment maps a sample to its deployment segment for version
	// selection. Nil means the default segment.
	Segment func(flowctx.Sample) string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DefaultDecision: rule.DecisionDrop,
		GeoBlockAction:  rule.ActionDeny,
	}
}

// Statistics summarizes engine activity for the status API.
type Statistics struct {
	Evaluations  uint64               `json:"evaluations"`
	FastPathHits uint64               `json:"fast_path_hits"`
	Decisions    map[string]uint64    `json:"decisions"`
	Errors       uint64               `json:"errors"`
	Conntrack    conntrack.Statistics `json:"conntrack"`
}

// Engine evaluates flows against the active policy. All dependencies
// are injected; audit and metrics may be nil.
type Engine struct {
	cfg      Config
	versions *version.Manager
	table    *conntrack.Table
	enforcer *enforce.Enforcer
	geo      flowctx.GeoResolver
	emitter  *audit.Emitter
	metrics  *metrics.Metrics

	evaluations atomic.Uint64
	fastPath    atomic.Uint64
	errors      atomic.Uint64
	passed      atomic.Uint64
	dropped     atomic.Uint64
	rejected    atomic.Uint64
	rateLimited atomic.Uint64
	quarantined atomic.Uint64
	redirected  atomic.Uint64
}

// New creates an engine.
func New(cfg Config, vm *version.Manager, table *conntrack.Table, enf *enforce.Enforcer, geo flowctx.GeoResolver, em *audit.Emitter, m *metrics.Metrics) *Engine {
	if cfg.DefaultDecision == "" {
		cfg.DefaultDecision = rule.DecisionDrop
	}
	if cfg.GeoBlockAction == "" {
		cfg.GeoBlockAction = rule.ActionDeny
	}
	return &Engine{
		cfg:      cfg,
		versions: vm,
		table:    table,
		enforcer: enf,
		geo:      geo,
		emitter:  em,
		metrics:  m,
	}
}

// Table exposes the connection table for the admin surface.
func (e *Engine) Table() *conntrack.Table { return e.table }

// Enforcer exposes the enforcer (rate-limit queries) for the
// forwarding layer.
func (e *Engine) Enforcer() *enforce.Enforcer { return e.enforcer }

// Evaluate decides one flow observation. The fast path serves
// established connections from the cached decision; everything else
// runs the full pipeline.
func (e *Engine) Evaluate(s flowctx.Sample) rule.Decision {
	e.evaluations.Add(1)
	if e.metrics != nil {
		e.metrics.Evaluations.Inc()
	}

	// 1. Fast path: established connections reuse their decision.
	if d, hit := e.table.Touch(s); hit {
		e.fastPath.Add(1)
		// Cache-served verdicts still count toward the decision
		// distribution; only the latency histogram is slow-path only.
		e.count(d.Kind)
		if e.metrics != nil {
			e.metrics.CacheHits.Inc()
			e.metrics.Decisions.WithLabelValues(string(d.Kind)).Inc()
		}
		e.emit(audit.Event{
			Type:    audit.EventCache,
			Flow:    s.Key.String(),
			RuleID:  d.RuleID,
			Reason:  d.Reason,
			Message: "Fast-path cache hit",
		})
		return d
	}
	if e.metrics != nil {
		e.metrics.CacheMisses.Inc()
	}

	start := time.Now()

	// 2. Build context and select the version for this flow.
	ctx := flowctx.Build(s, e.geo)
	segment := ""
	if e.cfg.Segment != nil {
		segment = e.cfg.Segment(s)
	}
	v := e.versions.Select(s.Key, segment)

	e.emit(audit.Event{
		Type:    audit.EventPolicyEvaluation,
		Flow:    s.Key.String(),
		Message: "Policy evaluation started",
		Context: map[string]interface{}{"segment": segment},
	})

	var matched *rule.Rule
	var versionID string
	if v != nil {
		versionID = v.ID
		var err error
		matched, err = v.Rules.Snapshot().Match(ctx)
		if err != nil {
			// Contained to this flow: default-deny, keep serving.
			e.errors.Add(1)
			if e.metrics != nil {
				e.metrics.Errors.Inc()
			}
			ruleID := uint32(0)
			if matched != nil {
				ruleID = matched.ID
			}
			log.WithFields(log.Fields{
				"flow":    s.Key.String(),
				"rule_id": ruleID,
				"version": versionID,
			}).Errorf("Evaluation fault, falling back to default deny: %v", err)
			d := rule.Decision{
				Kind:      rule.DecisionDrop,
				RuleID:    ruleID,
				VersionID: versionID,
				Reason:    rule.ReasonEvalError,
				Timestamp: time.Now(),
			}
			e.emit(audit.Event{
				Type:     audit.EventError,
				Severity: audit.SeverityError,
				Flow:     s.Key.String(),
				RuleID:   ruleID,
				Reason:   rule.ReasonEvalError,
				Message:  err.Error(),
			})
			return e.finish(d, ctx, start)
		}
	}

	// 3. No match: configured default, never PASS by accident.
	if matched == nil {
		d := rule.Decision{
			Kind:      e.cfg.DefaultDecision,
			VersionID: versionID,
			Reason:    rule.ReasonNoMatchingRule,
			Timestamp: time.Now(),
		}
		return e.finish(d, ctx, start)
	}

	v.Rules.RecordHit(matched.ID)
	if e.metrics != nil {
		e.metrics.RecordRuleMatch(matched.ID)
	}
	e.emit(audit.Event{
		Type:      audit.EventRuleMatch,
		Flow:      s.Key.String(),
		RuleID:    matched.ID,
		VersionID: versionID,
		Message:   fmt.Sprintf("Rule %d matched", matched.ID),
	})

	// 4. Geo escalation overrides the nominal action.
	action := matched.Action
	reason := rule.ReasonRuleMatch
	if matched.Geo != nil && matched.Geo.Blocked(ctx.SrcCountry) {
		action = e.cfg.GeoBlockAction
		reason = rule.ReasonGeoBlocked
		e.emit(audit.Event{
			Type:     audit.EventDecisionMade,
			Severity: audit.SeverityWarning,
			Flow:     s.Key.String(),
			RuleID:   matched.ID,
			Reason:   reason,
			Message:  fmt.Sprintf("Source country %q geo-blocked", ctx.SrcCountry),
		})
	}

	// 5. Resolve enforcement parameters.
	d, err := e.enforcer.Resolve(matched, action, reason, ctx)
	d.VersionID = versionID
	if err != nil {
		e.errors.Add(1)
		if e.metrics != nil {
			e.metrics.Errors.Inc()
		}
		e.emit(audit.Event{
			Type:     audit.EventError,
			Severity: audit.SeverityError,
			Flow:     s.Key.String(),
			RuleID:   matched.ID,
			Reason:   rule.ReasonParamError,
			Message:  err.Error(),
		})
		return e.finish(d, ctx, start)
	}

	// 6. Track connections for decisions that let traffic flow.
	// Quarantined and redirected flows stay tracked; pure drops never
	// enter the table.
	if tracked(d.Kind) {
		timeout := uint32(0)
		if err := e.table.Create(s, d, ctx, timeout); err != nil {
			d = rule.Decision{
				Kind:      rule.DecisionDrop,
				RuleID:    matched.ID,
				VersionID: versionID,
				Reason:    rule.ReasonCapacity,
				Timestamp: time.Now(),
			}
			log.WithFields(log.Fields{
				"flow": s.Key.String(),
			}).Warn("Connection table full, failing safe to drop")
		}
	}

	// 7. Anomalies noted by the classifier become their own events.
	if len(ctx.App.DetectedAnomalies) > 0 {
		e.emit(audit.Event{
			Type:     audit.EventAnomalyDetected,
			Severity: audit.SeverityWarning,
			Flow:     s.Key.String(),
			RuleID:   matched.ID,
			Message:  fmt.Sprintf("Anomalies detected: %v", ctx.App.DetectedAnomalies),
			Context:  map[string]interface{}{"anomalies": ctx.App.DetectedAnomalies},
		})
	}

	// Log and alert actions pass traffic with an extra audit record.
	if matched.Action == rule.ActionLog || matched.Action == rule.ActionAlert {
		sev := audit.SeverityInfo
		if matched.Action == rule.ActionAlert {
			sev = audit.SeverityWarning
		}
		e.emit(audit.Event{
			Type:     audit.EventDecisionMade,
			Severity: sev,
			Flow:     s.Key.String(),
			RuleID:   matched.ID,
			Reason:   reason,
			Message:  fmt.Sprintf("Traffic flagged by %s rule %d", matched.Action, matched.ID),
		})
	}

	return e.finish(d, ctx, start)
}

// tracked reports whether a decision kind keeps the flow in the
// connection table.
func tracked(k rule.DecisionKind) bool {
	switch k {
	case rule.DecisionPass, rule.DecisionQuarantine, rule.DecisionRedirect:
		return true
	default:
		return false
	}
}

// finish records the decision in counters, metrics and audit, and
// returns it.
func (e *Engine) finish(d rule.Decision, ctx *flowctx.Context, start time.Time) rule.Decision {
	e.count(d.Kind)

	if e.metrics != nil {
		e.metrics.EvalLatency.Observe(time.Since(start).Seconds())
		e.metrics.Decisions.WithLabelValues(string(d.Kind)).Inc()
		if role := ctx.Identity.Role; role != "" {
			e.metrics.ByRole.WithLabelValues(role, string(d.Kind)).Inc()
		}
		if loc := ctx.Identity.Location; loc != "" {
			e.metrics.ByLocation.WithLabelValues(loc, string(d.Kind)).Inc()
		}
	}

	sev := audit.SeverityInfo
	if d.Kind == rule.DecisionReject || d.Reason == rule.ReasonParamError {
		// Rejects notify the sender; they audit at elevated severity.
		sev = audit.SeverityWarning
	}
	e.emit(audit.Event{
		Type:      audit.EventDecisionMade,
		Severity:  sev,
		Flow:      ctx.Key.String(),
		RuleID:    d.RuleID,
		VersionID: d.VersionID,
		Reason:    d.Reason,
		Message:   fmt.Sprintf("Decision %s", d.Kind),
		Context:   ctx.Flat(),
	})

	return d
}

func (e *Engine) count(k rule.DecisionKind) {
	switch k {
	case rule.DecisionPass:
		e.passed.Add(1)
	case rule.DecisionDrop:
		e.dropped.Add(1)
	case rule.DecisionReject:
		e.rejected.Add(1)
	case rule.DecisionRateLimit:
		e.rateLimited.Add(1)
	case rule.DecisionQuarantine:
		e.quarantined.Add(1)
	case rule.DecisionRedirect:
		e.redirected.Add(1)
	}
}

func (e *Engine) emit(ev audit.Event) {
	e.emitter.Emit(ev)
}

// Statistics returns a snapshot of engine counters.
func (e *Engine) Statistics() Statistics {
	return Statistics{
		Evaluations:  e.evaluations.Load(),
		FastPathHits: e.fastPath.Load(),
		Errors:       e.errors.Load(),
		Decisions: map[string]uint64{
			string(rule.DecisionPass):       e.passed.Load(),
			string(rule.DecisionDrop):       e.dropped.Load(),
			string(rule.DecisionReject):     e.rejected.Load(),
			string(rule.DecisionRateLimit):  e.rateLimited.Load(),
			string(rule.DecisionQuarantine): e.quarantined.Load(),
			string(rule.DecisionRedirect):   e.redirected.Load(),
		},
		Conntrack: e.table.Statistics(),
	}
}
