package models

import (
	"github.com/flowguard/flowguard/src/agent/pkg/conntrack"
)

// StatisticsResponse represents all engine statistics
type StatisticsResponse struct {
	Evaluations  uint64               `json:"evaluations"`
	FastPathHits uint64               `json:"fast_path_hits"`
	Decisions    map[string]uint64    `json:"decisions"`
	Errors       uint64               `json:"errors"`
	Conntrack    conntrack.Statistics `json:"conntrack"`
}

// DecisionStatsResponse represents the decision breakdown
type DecisionStatsResponse struct {
	Decisions map[string]uint64 `json:"decisions"`
	Total     uint64            `json:"total"`
	PassRate  float64           `json:"pass_rate"`
	DropRate  float64           `json:"drop_rate"`
}

// CacheStatsResponse represents fast-path cache effectiveness
type CacheStatsResponse struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// SessionStatsResponse represents connection table statistics
type SessionStatsResponse struct {
	ActiveSessions int    `json:"active_sessions"`
	NewSessions    uint64 `json:"new_sessions"`
	Established    uint64 `json:"established_sessions"`
	ClosedSessions uint64 `json:"closed_sessions"`
	TimedOut       uint64 `json:"timed_out_sessions"`
	Evicted        uint64 `json:"evicted_sessions"`
}

// RuleStatsResponse represents per-rule hit counters for the active
// version
type RuleStatsResponse struct {
	VersionID string            `json:"version_id"`
	Hits      map[uint32]uint64 `json:"hits"`
}
