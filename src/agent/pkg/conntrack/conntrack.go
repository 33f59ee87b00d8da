// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package conntrack implements the sharded connection table. Each
// entry carries the flow's state machine, traffic counters and the
// cached decision served on the fast path. A shard's mutex gives every
// entry a single owner during mutation; no entry is ever written by
// two evaluators concurrently.
package conntrack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flowguard/flowguard/src/agent/pkg/flow"
	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
)

// State is a connection's state-machine position.
type State string

const (
	StateNew         State = "NEW"
	StateEstablished State = "ESTABLISHED"
	StateFinWait     State = "FIN_WAIT"
	StateCloseWait   State = "CLOSE_WAIT"
	StateClosed      State = "CLOSED"
	StateTimeout     State = "TIMEOUT"
	StateInvalid     State = "INVALID"
)

// terminal states are purged by the sweep and never serve the fast
// path.
func (s State) terminal() bool {
	return s == StateClosed || s == StateTimeout || s == StateInvalid
}

// ErrCapacity is returned when the table is full and no
// non-established entry can be evicted.
var ErrCapacity = errors.New("connection table at capacity")

// Entry is one tracked connection. All fields are guarded by the
// owning shard's mutex; exported copies handed to callers are
// detached.
type Entry struct {
	Key            flow.Key      `json:"key"`
	State          State         `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	LastSeenAt     time.Time     `json:"last_seen_at"`
	TimeoutSeconds uint32        `json:"timeout_seconds"`
	FwdBytes       uint64        `json:"fwd_bytes"`
	FwdPackets     uint64        `json:"fwd_packets"`
	RevBytes       uint64        `json:"rev_bytes"`
	RevPackets     uint64        `json:"rev_packets"`
	Decision       rule.Decision `json:"decision"`
	RuleID         uint32        `json:"rule_id"`

	Quarantined bool      `json:"quarantined,omitempty"`
	ReleaseAt   time.Time `json:"release_at,omitempty"`

	// Evaluation context cached for the life of the entry so the fast
	// path never rebuilds it.
	Ctx *flowctx.Context `json:"-"`

	// origSwapped records whether the creating sample's tuple was
	// swapped by normalization. Reply traffic is any observation whose
	// swap differs from it; forward/reverse counters and the
	// NEW -> ESTABLISHED confirmation are relative to the originator,
	// not to the canonical key ordering.
	origSwapped bool
}

func (e *Entry) expired(now time.Time) bool {
	timeout := time.Duration(e.TimeoutSeconds) * time.Second
	return now.Sub(e.LastSeenAt) > timeout
}

// Config tunes the table.
type Config struct {
	// Shards is the number of lock shards; rounded up to a power of
	// two.
	Shards int
	// Capacity is the total entry budget across shards.
	Capacity int
	// DefaultTimeoutSeconds applies when a rule supplies no timeout.
	DefaultTimeoutSeconds uint32
	// SweepInterval is the cadence of the expiry sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the default table configuration.
func DefaultConfig() Config {
	return Config{
		Shards:                64,
		Capacity:              100_000,
		DefaultTimeoutSeconds: 3600,
		SweepInterval:         60 * time.Second,
	}
}

// Statistics summarizes table activity.
type Statistics struct {
	ActiveEntries   int    `json:"active_entries"`
	NewSessions     uint64 `json:"new_sessions"`
	Established     uint64 `json:"established_sessions"`
	ClosedSessions  uint64 `json:"closed_sessions"`
	TimedOut        uint64 `json:"timed_out_sessions"`
	Invalid         uint64 `json:"invalid_sessions"`
	Evicted         uint64 `json:"evicted_sessions"`
	CacheHits       uint64 `json:"cache_hits"`
	CacheMisses     uint64 `json:"cache_misses"`
	CapacityRejects uint64 `json:"capacity_rejects"`
}

type shard struct {
	mu      sync.Mutex
	entries map[flow.Key]*Entry
}

// Table is the sharded connection table.
type Table struct {
	cfg    Config
	shards []*shard
	mask   uint64
	size   atomic.Int64

	newSessions     atomic.Uint64
	established     atomic.Uint64
	closedSessions  atomic.Uint64
	timedOut        atomic.Uint64
	invalid         atomic.Uint64
	evicted         atomic.Uint64
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	capacityRejects atomic.Uint64
}

// New creates a connection table.
func New(cfg Config) *Table {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.DefaultTimeoutSeconds == 0 {
		cfg.DefaultTimeoutSeconds = DefaultConfig().DefaultTimeoutSeconds
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	n := 1
	for n < cfg.Shards {
		n <<= 1
	}
	t := &Table{cfg: cfg, mask: uint64(n - 1)}
	t.shards = make([]*shard, n)
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[flow.Key]*Entry)}
	}
	return t
}

func (t *Table) shardFor(key flow.Key) *shard {
	return t.shards[key.Hash()&t.mask]
}

// Touch is the fast path. If the normalized key has an ESTABLISHED,
// unexpired entry, it updates counters and last-seen, applies
// state-machine signals and returns the cached decision. The bool is
// false on a miss, in which case the caller must run a full
// evaluation.
func (t *Table) Touch(s flowctx.Sample) (rule.Decision, bool) {
	key, swapped := s.Key.Normalize()
	sh := t.shardFor(key)
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.State.terminal() {
		t.cacheMisses.Add(1)
		return rule.Decision{}, false
	}
	if e.expired(now) {
		e.State = StateTimeout
		t.timedOut.Add(1)
		t.cacheMisses.Add(1)
		return rule.Decision{}, false
	}
	if e.Quarantined && now.After(e.ReleaseAt) {
		// Auto-release: quarantine window elapsed without explicit
		// clearance; force a fresh evaluation.
		e.Quarantined = false
		e.State = StateTimeout
		t.cacheMisses.Add(1)
		return rule.Decision{}, false
	}

	reply := swapped != e.origSwapped
	t.account(e, s, reply, now)

	switch e.State {
	case StateNew:
		// Not yet confirmed bidirectional; no cached verdict served.
		t.advance(e, s, reply)
		t.cacheMisses.Add(1)
		return rule.Decision{}, false
	case StateEstablished, StateFinWait, StateCloseWait:
		t.advance(e, s, reply)
		t.cacheHits.Add(1)
		d := e.Decision
		d.Reason = rule.ReasonEstablished
		return d, true
	default:
		t.cacheMisses.Add(1)
		return rule.Decision{}, false
	}
}

// account updates byte/packet counters and last-seen. reply is
// relative to the entry's originator.
func (t *Table) account(e *Entry, s flowctx.Sample, reply bool, now time.Time) {
	e.LastSeenAt = now
	packets := s.Packets
	if packets == 0 {
		packets = 1
	}
	if reply {
		e.RevBytes += s.Bytes
		e.RevPackets += packets
	} else {
		e.FwdBytes += s.Bytes
		e.FwdPackets += packets
	}
}

// advance applies the connection state machine for one observation.
func (t *Table) advance(e *Entry, s flowctx.Sample, reply bool) {
	if s.Rst {
		e.State = StateInvalid
		t.invalid.Add(1)
		return
	}
	switch e.State {
	case StateNew:
		// Reply traffic confirms the connection. A NEW entry never
		// closes directly; it either establishes or times out.
		if reply {
			e.State = StateEstablished
			t.established.Add(1)
		}
	case StateEstablished:
		if s.Fin {
			e.State = StateFinWait
		}
	case StateFinWait:
		if s.Fin {
			e.State = StateCloseWait
		}
	case StateCloseWait:
		// Final segment drains the connection.
		e.State = StateClosed
		t.closedSessions.Add(1)
	}
}

// Create inserts a NEW entry with the decision to cache. Only PASS
// family decisions are ever tracked; the engine enforces that
// invariant. At capacity, the least recently seen non-established
// entry in the shard is evicted first; if none exists the insert fails
// with ErrCapacity.
func (t *Table) Create(s flowctx.Sample, d rule.Decision, ctx *flowctx.Context, timeoutSeconds uint32) error {
	key, swapped := s.Key.Normalize()
	if timeoutSeconds == 0 {
		timeoutSeconds = t.cfg.DefaultTimeoutSeconds
	}
	sh := t.shardFor(key)
	now := time.Now()

	// Eviction scans other shards, so it runs with no shard lock held
	// to keep lock acquisition strictly one-at-a-time.
	if int(t.size.Load()) >= t.cfg.Capacity {
		if refreshed := t.refresh(sh, key, s, d, ctx, timeoutSeconds, swapped, now); refreshed {
			return nil
		}
		if !t.evictOldest() {
			t.capacityRejects.Add(1)
			return ErrCapacity
		}
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		t.refreshLocked(e, s, d, ctx, timeoutSeconds, swapped, now)
		return nil
	}

	e := &Entry{
		Key:            key,
		State:          StateNew,
		CreatedAt:      now,
		LastSeenAt:     now,
		TimeoutSeconds: timeoutSeconds,
		Decision:       d,
		RuleID:         d.RuleID,
		Ctx:            ctx,
		origSwapped:    swapped,
	}
	if d.Kind == rule.DecisionQuarantine && d.Enforce.Quarantine != nil {
		e.Quarantined = true
		e.ReleaseAt = now.Add(time.Duration(d.Enforce.Quarantine.MaxSeconds) * time.Second)
	}
	t.account(e, s, false, now)
	t.advance(e, s, false)

	sh.entries[key] = e
	t.size.Add(1)
	t.newSessions.Add(1)
	return nil
}

// refresh re-caches the decision on an existing entry, if present.
func (t *Table) refresh(sh *shard, key flow.Key, s flowctx.Sample, d rule.Decision, ctx *flowctx.Context, timeoutSeconds uint32, swapped bool, now time.Time) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return false
	}
	t.refreshLocked(e, s, d, ctx, timeoutSeconds, swapped, now)
	return true
}

// refreshLocked updates a tracked flow in place after re-evaluation
// (e.g. following INVALID or quarantine release). Caller holds the
// shard lock.
func (t *Table) refreshLocked(e *Entry, s flowctx.Sample, d rule.Decision, ctx *flowctx.Context, timeoutSeconds uint32, swapped bool, now time.Time) {
	e.Decision = d
	e.RuleID = d.RuleID
	e.Ctx = ctx
	e.TimeoutSeconds = timeoutSeconds
	if d.Kind == rule.DecisionQuarantine && d.Enforce.Quarantine != nil {
		e.Quarantined = true
		e.ReleaseAt = now.Add(time.Duration(d.Enforce.Quarantine.MaxSeconds) * time.Second)
	}
	if !e.State.terminal() {
		// A live entry was already accounted by Touch on the miss
		// path; only the decision is re-cached here.
		return
	}
	// Terminal entry, reused tuple: this observation originates a
	// fresh connection. Touch skipped it, so it is accounted here.
	e.State = StateNew
	e.CreatedAt = now
	e.origSwapped = swapped
	t.account(e, s, false, now)
	t.advance(e, s, false)
}

// evictOldest removes the least recently seen non-established entry
// across all shards. Shards are locked one at a time, never two
// together.
func (t *Table) evictOldest() bool {
	var (
		victimShard *shard
		victimKey   flow.Key
		victimSeen  time.Time
		found       bool
	)
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.State == StateEstablished {
				continue
			}
			if !found || e.LastSeenAt.Before(victimSeen) {
				found = true
				victimShard, victimKey, victimSeen = sh, k, e.LastSeenAt
			}
		}
		sh.mu.Unlock()
	}
	if !found {
		return false
	}

	victimShard.mu.Lock()
	defer victimShard.mu.Unlock()
	e, ok := victimShard.entries[victimKey]
	if !ok || e.State == StateEstablished {
		// Raced with another evaluator; the table shrank or the entry
		// established in the meantime. Treat it as freed space.
		return true
	}
	delete(victimShard.entries, victimKey)
	t.size.Add(-1)
	t.evicted.Add(1)
	return true
}

// Confirm marks a NEW entry ESTABLISHED on explicit confirmation from
// the forwarding layer.
func (t *Table) Confirm(key flow.Key) bool {
	key, _ = key.Normalize()
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.State != StateNew {
		return false
	}
	e.State = StateEstablished
	t.established.Add(1)
	return true
}

// Close explicitly closes a tracked connection.
func (t *Table) Close(key flow.Key) bool {
	key, _ = key.Normalize()
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.State.terminal() {
		return false
	}
	e.State = StateClosed
	t.closedSessions.Add(1)
	return true
}

// Release clears quarantine on a tracked connection before its
// auto-release deadline.
func (t *Table) Release(key flow.Key) bool {
	key, _ = key.Normalize()
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || !e.Quarantined {
		return false
	}
	e.Quarantined = false
	e.ReleaseAt = time.Time{}
	return true
}

// Get returns a detached copy of the entry for the normalized key.
func (t *Table) Get(key flow.Key) (Entry, bool) {
	key, _ = key.Normalize()
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns detached copies of up to limit entries (0 = all).
func (t *Table) List(limit int) []Entry {
	var out []Entry
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			out = append(out, *e)
			if limit > 0 && len(out) >= limit {
				sh.mu.Unlock()
				return out
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Len returns the current entry count.
func (t *Table) Len() int {
	return int(t.size.Load())
}

// Sweep marks expired entries TIMEOUT and purges terminal ones. An
// entry marked this sweep is purged by the next. Each shard is locked
// only for its own scan, keeping the hot path responsive.
func (t *Table) Sweep() int {
	now := time.Now()
	purged := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.State.terminal() {
				delete(sh.entries, key)
				t.size.Add(-1)
				purged++
				continue
			}
			if e.expired(now) {
				e.State = StateTimeout
				t.timedOut.Add(1)
			}
		}
		sh.mu.Unlock()
	}
	if purged > 0 {
		log.WithFields(log.Fields{
			"purged": purged,
			"active": t.Len(),
		}).Debug("Connection sweep completed")
	}
	return purged
}

// Run executes the periodic sweep until ctx is cancelled.
func (t *Table) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Statistics returns a snapshot of table counters.
func (t *Table) Statistics() Statistics {
	return Statistics{
		ActiveEntries:   t.Len(),
		NewSessions:     t.newSessions.Load(),
		Established:     t.established.Load(),
		ClosedSessions:  t.closedSessions.Load(),
		TimedOut:        t.timedOut.Load(),
		Invalid:         t.invalid.Load(),
		Evicted:         t.evicted.Load(),
		CacheHits:       t.cacheHits.Load(),
		CacheMisses:     t.cacheMisses.Load(),
		CapacityRejects: t.capacityRejects.Load(),
	}
}
