// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package version manages policy version lifecycle and canary rollout.
// Versions move draft -> staged -> active -> archived. Staged versions
// receive a deterministic percentage of traffic based on the flow key
// hash, so a given source is consistently in or out of the canary.
package version

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/flowguard/flowguard/src/agent/pkg/flow"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
)

// Status is a version's lifecycle state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusStaged   Status = "staged"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

var (
	ErrNotFound          = errors.New("version not found")
	ErrInvalidPercentage = errors.New("deployment percentage outside [0,100]")
	ErrEmptyVersion      = errors.New("version has no rules")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCanaryOverflow is returned when the combined staged
	// percentage for a segment would exceed 100.
	ErrCanaryOverflow = errors.New("combined staged percentage exceeds 100")
)

// Version is one policy version: a rule set plus rollout state.
// Archived versions are retained for audit and never evaluated.
type Version struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Status     Status      `json:"status"`
	Percentage uint8       `json:"deployment_percentage"`
	Target     string      `json:"deployment_target,omitempty"` // segment, "" = default
	ParentID   string      `json:"parent_version_id,omitempty"`
	Rules      *rule.Store `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// stagedSlot assigns a staged version a half-open bucket range
// [start, end) out of [0, 100). Ranges are packed in staging order.
type stagedSlot struct {
	v          *Version
	start, end uint32
}

// routeTable is the immutable hot-path view of version routing,
// rebuilt and atomically swapped on every administrative mutation.
type routeTable struct {
	active map[string]*Version
	staged map[string][]stagedSlot
}

// Manager owns version lifecycle. Administrative calls serialize on a
// mutex; flow-path selection reads an atomic routing snapshot and
// never blocks on writers.
type Manager struct {
	mu       sync.Mutex
	versions map[string]*Version
	ordered  []string // staging-order bookkeeping for canary packing
	routes   atomic.Pointer[routeTable]
}

// NewManager creates an empty version manager.
func NewManager() *Manager {
	m := &Manager{versions: make(map[string]*Version)}
	m.routes.Store(&routeTable{
		active: map[string]*Version{},
		staged: map[string][]stagedSlot{},
	})
	return m
}

// Create registers a new draft version with the given rules. The
// parent id records lineage only; it is never consulted on the flow
// path.
func (m *Manager) Create(name string, rules []*rule.Rule, parentID, target string) (*Version, error) {
	store := rule.NewStore()
	if err := store.Replace(rules); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if parentID != "" {
		if _, ok := m.versions[parentID]; !ok {
			return nil, fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
		}
	}

	now := time.Now()
	v := &Version{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusDraft,
		Target:    target,
		ParentID:  parentID,
		Rules:     store,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.versions[v.ID] = v
	m.ordered = append(m.ordered, v.ID)

	log.WithFields(log.Fields{
		"version": v.ID,
		"name":    name,
		"rules":   store.Snapshot().Len(),
		"parent":  parentID,
	}).Info("Policy version created")

	return v, nil
}

// Stage moves a draft (or already staged) version into canary at the
// given percentage. Percentages outside [0,100] and segment overflow
// are rejected synchronously.
func (m *Manager) Stage(id string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidPercentage, percentage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if v.Status != StatusDraft && v.Status != StatusStaged {
		return fmt.Errorf("%w: cannot stage %s version", ErrInvalidTransition, v.Status)
	}

	total := percentage
	for _, other := range m.versions {
		if other.ID != id && other.Status == StatusStaged && other.Target == v.Target {
			total += int(other.Percentage)
		}
	}
	if total > 100 {
		return fmt.Errorf("%w: segment %q at %d%%", ErrCanaryOverflow, v.Target, total)
	}

	v.Status = StatusStaged
	v.Percentage = uint8(percentage)
	v.UpdatedAt = time.Now()
	m.publish()

	log.WithFields(log.Fields{
		"version":    id,
		"percentage": percentage,
		"segment":    v.Target,
	}).Info("Policy version staged")

	return nil
}

// Activate promotes a version to active at 100% and archives the
// previously active version for the same segment. Activating a
// version with zero rules is rejected.
func (m *Manager) Activate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if v.Status == StatusArchived {
		return fmt.Errorf("%w: cannot activate archived version", ErrInvalidTransition)
	}
	if v.Rules.Snapshot().Len() == 0 {
		return fmt.Errorf("%s: %w", id, ErrEmptyVersion)
	}

	now := time.Now()
	for _, other := range m.versions {
		if other.ID != id && other.Status == StatusActive && other.Target == v.Target {
			other.Status = StatusArchived
			other.UpdatedAt = now
			log.WithFields(log.Fields{
				"version": other.ID,
				"segment": other.Target,
			}).Info("Policy version archived")
		}
	}

	v.Status = StatusActive
	v.Percentage = 100
	v.ActivatedAt = now
	v.UpdatedAt = now
	m.publish()

	log.WithFields(log.Fields{
		"version": id,
		"segment": v.Target,
	}).Info("Policy version activated")

	return nil
}

// Restore re-inserts a fully-specified version, keeping its id, status
// and rollout state. Used on startup to rehydrate from persistent
// storage; restore versions in their original creation order so canary
// bucket packing comes out identical.
func (m *Manager) Restore(v *Version, rules []*rule.Rule) error {
	if v.ID == "" {
		return fmt.Errorf("restore: %w", ErrNotFound)
	}
	store := rule.NewStore()
	if err := store.Replace(rules); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := *v
	restored.Rules = store
	if _, exists := m.versions[restored.ID]; !exists {
		m.ordered = append(m.ordered, restored.ID)
	}
	m.versions[restored.ID] = &restored
	m.publish()

	log.WithFields(log.Fields{
		"version": restored.ID,
		"status":  string(restored.Status),
		"rules":   store.Snapshot().Len(),
	}).Info("Policy version restored")

	return nil
}

// Get returns a version by id.
func (m *Manager) Get(id string) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return v, nil
}

// List returns all versions in creation order.
func (m *Manager) List() []*Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Version, 0, len(m.versions))
	for _, id := range m.ordered {
		out = append(out, m.versions[id])
	}
	return out
}

// Active returns the active version for a segment, or nil.
func (m *Manager) Active(segment string) *Version {
	return m.routes.Load().active[segment]
}

// Lineage walks parent ids from the given version to the root. The
// lineage graph is a DAG referenced only by id; a visited set guards
// against accidental cycles. Audit-only, never on the flow path.
func (m *Manager) Lineage(id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.versions[id]; !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	var chain []string
	visited := map[string]bool{}
	for cur := id; cur != "" && !visited[cur]; {
		visited[cur] = true
		chain = append(chain, cur)
		v, ok := m.versions[cur]
		if !ok {
			break
		}
		cur = v.ParentID
	}
	return chain, nil
}

// Select picks the version evaluating a flow in the given segment.
// Staged versions are packed into contiguous bucket ranges in staging
// order; the flow's stable bucket decides membership, so repeated
// lookups never flap. Falls back to the segment's active version, then
// the default segment's active version, then nil.
func (m *Manager) Select(key flow.Key, segment string) *Version {
	rt := m.routes.Load()
	bucket := key.Bucket()

	for _, slot := range rt.staged[segment] {
		if bucket >= slot.start && bucket < slot.end {
			return slot.v
		}
	}
	if v := rt.active[segment]; v != nil {
		return v
	}
	if segment != "" {
		return rt.active[""]
	}
	return nil
}

// publish rebuilds the routing snapshot. Caller holds m.mu.
func (m *Manager) publish() {
	rt := &routeTable{
		active: map[string]*Version{},
		staged: map[string][]stagedSlot{},
	}
	cursor := map[string]uint32{}
	for _, id := range m.ordered {
		v := m.versions[id]
		switch v.Status {
		case StatusActive:
			rt.active[v.Target] = v
		case StatusStaged:
			start := cursor[v.Target]
			end := start + uint32(v.Percentage)
			cursor[v.Target] = end
			rt.staged[v.Target] = append(rt.staged[v.Target], stagedSlot{v: v, start: start, end: end})
		}
	}
	m.routes.Store(rt)
}
