// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package rule

import "time"

// DecisionKind is the final verdict for a flow after enforcement
// parameters are resolved.
type DecisionKind string

const (
	DecisionPass       DecisionKind = "PASS"
	DecisionDrop       DecisionKind = "DROP"
	DecisionReject     DecisionKind = "REJECT"
	DecisionRateLimit  DecisionKind = "RATE_LIMIT"
	DecisionQuarantine DecisionKind = "QUARANTINE"
	DecisionRedirect   DecisionKind = "REDIRECT"
)

// Decision reasons recorded on audit events and surfaced to the
// forwarding layer.
const (
	ReasonRuleMatch      = "rule_match"
	ReasonNoMatchingRule = "no_matching_rule"
	ReasonGeoBlocked     = "geo_blocked"
	ReasonParamError     = "enforcement_param_error"
	ReasonCapacity       = "capacity_exceeded"
	ReasonEvalError      = "evaluation_error"
	ReasonEstablished    = "established_cache"
)

// Decision is the outcome of evaluating one flow.
type Decision struct {
	Kind      DecisionKind `json:"kind"`
	RuleID    uint32       `json:"rule_id,omitempty"` // 0 when no rule matched
	VersionID string       `json:"version_id,omitempty"`
	Reason    string       `json:"reason"`
	Enforce   Enforcement  `json:"enforce,omitempty"`

	// OriginalDst keeps the pre-rewrite destination of a REDIRECT for
	// audit.
	OriginalDst string    `json:"original_dst,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Kind maps a rule action to its decision kind. Log and alert actions
// pass traffic; their side effects are audit events, not verdicts.
func (a Action) Kind() DecisionKind {
	switch a {
	case ActionDeny:
		return DecisionDrop
	case ActionRateLimit:
		return DecisionRateLimit
	case ActionRedirect:
		return DecisionRedirect
	case ActionQuarantine:
		return DecisionQuarantine
	default:
		return DecisionPass
	}
}
