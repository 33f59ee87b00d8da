// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package rule

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
)

// Snapshot is an immutable, priority-sorted view of a rule set.
// Evaluators acquire a snapshot once per flow and keep using it even
// if the store is mutated underneath them.
type Snapshot struct {
	generation uint64
	rules      []*Rule // sorted: priority desc, insertion seq asc
}

// Generation identifies the snapshot; it increases on every mutation.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Rules returns the sorted rule slice. Callers must not mutate it.
func (s *Snapshot) Rules() []*Rule { return s.rules }

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int { return len(s.rules) }

// Match returns the first (highest priority) enabled rule whose every
// set matcher succeeds against ctx, or nil when none does. An error
// means an evaluation fault inside a rule; the offending rule is
// returned alongside so callers can log its id.
func (s *Snapshot) Match(ctx *flowctx.Context) (*Rule, error) {
	for _, r := range s.rules {
		ok, err := r.Matches(ctx)
		if err != nil {
			return r, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		if ok {
			return r, nil
		}
	}
	return nil, nil
}

// Store holds the current rule snapshot and serializes mutations.
// Readers never block: Snapshot() is a single atomic load, and every
// mutation publishes a freshly sorted copy.
type Store struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[Snapshot]
	gen  atomic.Uint64
	seq  atomic.Uint64

	hits sync.Map // rule id (uint32) -> *atomic.Uint64
}

// NewStore creates an empty rule store.
func NewStore() *Store {
	s := &Store{}
	s.snap.Store(&Snapshot{})
	return s
}

// Snapshot returns the current immutable rule set.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Add validates and inserts a rule, publishing a new snapshot.
func (s *Store) Add(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	for _, existing := range cur.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("%w: id %d", ErrConflict, r.ID)
		}
	}

	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.seq = s.seq.Add(1)

	next := make([]*Rule, 0, len(cur.rules)+1)
	next = append(next, cur.rules...)
	next = append(next, r)
	s.publish(next)

	return nil
}

// Update validates and replaces an existing rule by id. The rule keeps
// its original insertion sequence so the priority tie-break is stable
// across updates.
func (s *Store) Update(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	idx := -1
	for i, existing := range cur.rules {
		if existing.ID == r.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, r.ID)
	}

	old := cur.rules[idx]
	r.seq = old.seq
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = time.Now()

	next := make([]*Rule, len(cur.rules))
	copy(next, cur.rules)
	next[idx] = r
	s.publish(next)

	return nil
}

// Delete removes a rule by id, publishing a new snapshot.
func (s *Store) Delete(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	next := make([]*Rule, 0, len(cur.rules))
	found := false
	for _, r := range cur.rules {
		if r.ID == id {
			found = true
			continue
		}
		next = append(next, r)
	}
	if !found {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	s.publish(next)
	s.hits.Delete(id)

	return nil
}

// Replace swaps the entire rule set in one atomic publication. Used
// when a policy version's rules are loaded wholesale (restore, import).
func (s *Store) Replace(rules []*Rule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", r.ID, err)
		}
	}
	seen := make(map[uint32]struct{}, len(rules))
	for _, r := range rules {
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate id %d", ErrValidation, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	next := make([]*Rule, len(rules))
	for i, r := range rules {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.seq = s.seq.Add(1)
		next[i] = r
	}
	s.publish(next)

	return nil
}

// Get returns the rule with the given id from the current snapshot.
func (s *Store) Get(id uint32) (*Rule, error) {
	for _, r := range s.snap.Load().rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
}

// List returns the current snapshot's rules in evaluation order.
func (s *Store) List() []*Rule {
	return s.snap.Load().rules
}

// publish sorts and atomically swaps in the new rule set. Caller holds
// s.mu.
func (s *Store) publish(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].seq < rules[j].seq
	})
	s.snap.Store(&Snapshot{
		generation: s.gen.Add(1),
		rules:      rules,
	})
}

// RecordHit increments the match counter for a rule.
func (s *Store) RecordHit(id uint32) {
	v, _ := s.hits.LoadOrStore(id, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// Hits returns the match counter for a rule.
func (s *Store) Hits(id uint32) uint64 {
	if v, ok := s.hits.Load(id); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}
