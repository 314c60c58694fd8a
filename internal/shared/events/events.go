// Package events carries side-effect notifications (limit reached, key alerts)
// from the core components to whoever wants them.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Severity orders alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event types emitted by the broker components.
const (
	RateLimitSuspicious = "ratelimit.suspicious"
	RateLimitReached    = "ratelimit.limit_reached"
	KeyUnusualUsage     = "vault.unusual_usage"
	KeyHighErrorRate    = "vault.high_error_rate"
	KeySecurityBlock    = "vault.security_block"
	KeyReactivated      = "vault.reactivated"
	KeyDeactivated      = "vault.deactivated"
	KeyRotationDue      = "vault.rotation_due"
	KeyPurged           = "vault.purged"
)

// Event is one notification.
type Event struct {
	Type     string
	Severity Severity
	Time     time.Time
	Fields   map[string]any
}

// Sink receives events. Implementations must be safe for concurrent use
// and must not block the caller for long.
type Sink interface {
	Emit(e Event)
}

// Func adapts a function to Sink.
type Func func(e Event)

func (f Func) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = Func(func(Event) {})

// LogSink writes events through logrus.
type LogSink struct {
	log *logrus.Entry
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{log: logger.WithField("component", "events")}
}

func (s *LogSink) Emit(e Event) {
	entry := s.log.WithFields(logrus.Fields(e.Fields)).
		WithField("event", e.Type).
		WithField("severity", string(e.Severity))

	switch e.Severity {
	case SeverityCritical, SeverityHigh:
		entry.Error("security event")
	case SeverityMedium:
		entry.Warn("security event")
	default:
		entry.Info("event")
	}
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Recorder keeps events in memory so tests can assert on them.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
