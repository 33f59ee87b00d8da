// Package audit records structured security events: every policy
// evaluation, decision, rule match, anomaly and error. Events fan out
// to pluggable sinks; the default wiring logs through logrus and keeps
// a bounded in-memory ring for the admin query surface.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// EventType classifies audit events.
type EventType string

const (
	EventPolicyEvaluation EventType = "policy_evaluation"
	EventDecisionMade     EventType = "decision_made"
	EventRuleMatch        EventType = "rule_match"
	EventAnomalyDetected  EventType = "anomaly_detected"
	EventCache            EventType = "cache_event"
	EventError            EventType = "error"
)

// Severity levels for events.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Event is one structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Severity  string                 `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Flow      string                 `json:"flow,omitempty"`
	RuleID    uint32                 `json:"rule_id,omitempty"`
	VersionID string                 `json:"version_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Sink consumes audit events. Implementations must not block; the
// emitter is called from the evaluation path.
type Sink interface {
	Emit(Event)
}

// LogSink writes events as structured logrus entries.
type LogSink struct{}

// Emit logs the event with its fields.
func (LogSink) Emit(e Event) {
	entry := log.WithFields(log.Fields{
		"event":    string(e.Type),
		"severity": e.Severity,
		"flow":     e.Flow,
		"rule_id":  e.RuleID,
		"version":  e.VersionID,
		"reason":   e.Reason,
	})
	switch e.Severity {
	case SeverityError:
		entry.Error(e.Message)
	case SeverityWarning:
		entry.Warn(e.Message)
	default:
		entry.Info(e.Message)
	}
}

// RingSink retains the most recent events in a fixed-size ring.
type RingSink struct {
	mu     sync.Mutex
	events []Event
	next   int
	filled bool
}

// NewRingSink creates a ring holding up to size events.
func NewRingSink(size int) *RingSink {
	if size <= 0 {
		size = 1024
	}
	return &RingSink{events: make([]Event, size)}
}

// Emit stores the event, overwriting the oldest once full.
func (r *RingSink) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.filled = true
	}
}

// Events returns up to limit most-recent events (newest first),
// optionally filtered by type ("" = all).
func (r *RingSink) Events(limit int, typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = len(r.events)
	}
	var out []Event
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.events)) % len(r.events)
		e := r.events[idx]
		if e.ID == "" {
			continue
		}
		if typ != "" && e.Type != typ {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Emitter stamps and fans events out to its sinks.
type Emitter struct {
	sinks []Sink
}

// NewEmitter creates an emitter over the given sinks.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks}
}

// Emit stamps an id and timestamp and delivers to every sink.
func (em *Emitter) Emit(e Event) {
	if em == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	for _, s := range em.sinks {
		s.Emit(e)
	}
}
