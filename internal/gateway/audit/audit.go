// Package audit records the outcome of every broker request. Entries never
// carry secret material or request signatures.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-broker/internal/shared/database"
	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
	"github.com/mrmushfiq/llm0-broker/internal/shared/models"
)

// Outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeAlert    = "alert"
)

// Entry is one audit record.
type Entry struct {
	Time         time.Time
	Severity     events.Severity
	Event        string
	Outcome      string
	Code         string
	Endpoint     string
	Mode         string
	SessionID    string
	RequestID    string
	ClientIP     string
	ProcessingMs int64
	Cached       bool
}

// Sink receives audit entries. Record must not block on I/O.
type Sink interface {
	Record(e Entry)
}

// LogSink writes entries through logrus.
type LogSink struct {
	log *logrus.Entry
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{log: logger.WithField("component", "audit")}
}

func (s *LogSink) Record(e Entry) {
	entry := s.log.WithFields(logrus.Fields{
		"event":         e.Event,
		"outcome":       e.Outcome,
		"severity":      string(e.Severity),
		"endpoint":      e.Endpoint,
		"mode":          e.Mode,
		"session_id":    e.SessionID,
		"request_id":    e.RequestID,
		"client_ip":     e.ClientIP,
		"processing_ms": e.ProcessingMs,
		"cached":        e.Cached,
	})
	if e.Code != "" {
		entry = entry.WithField("code", e.Code)
	}

	switch e.Severity {
	case events.SeverityHigh, events.SeverityCritical:
		entry.Warn("audit")
	default:
		entry.Info("audit")
	}
}

// PostgresSink persists entries to the audit table. Inserts run on a single
// background worker fed by a bounded queue; entries are dropped with a warning
// when the queue is full.
type PostgresSink struct {
	db      *database.DB
	write   func(ctx context.Context, row *models.AuditLog) error
	logger  *logrus.Entry
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan *models.AuditLog
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// DefaultAuditQueue is the number of entries buffered ahead of the database.
const DefaultAuditQueue = 1024

func NewPostgresSink(db *database.DB, logger *logrus.Logger) *PostgresSink {
	s := newPostgresSink(db.LogAudit, logger, DefaultAuditQueue)
	s.db = db
	return s
}

func newPostgresSink(write func(context.Context, *models.AuditLog) error, logger *logrus.Logger, size int) *PostgresSink {
	s := &PostgresSink{
		write:   write,
		logger:  logger.WithField("component", "audit"),
		timeout: 5 * time.Second,
		queue:   make(chan *models.AuditLog, size),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *PostgresSink) Record(e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- toModel(e):
	default:
		n := s.dropped.Add(1)
		s.logger.WithFields(logrus.Fields{
			"event":   e.Event,
			"dropped": n,
		}).Warn("Audit queue full, dropping entry")
	}
}

func (s *PostgresSink) run() {
	defer close(s.done)
	for row := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.write(ctx, row); err != nil {
			s.logger.WithError(err).WithField("event", row.Event).Error("Failed to persist audit entry")
		}
		cancel()
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (s *PostgresSink) Dropped() int64 {
	return s.dropped.Load()
}

// Flush stops accepting entries and waits for queued inserts, for shutdown.
func (s *PostgresSink) Flush() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
}

// Purge removes persisted entries older than retention.
func (s *PostgresSink) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return s.db.PurgeAuditBefore(ctx, time.Now().Add(-retention))
}

func toModel(e Entry) *models.AuditLog {
	return &models.AuditLog{
		Time:         e.Time,
		Severity:     string(e.Severity),
		Event:        e.Event,
		Outcome:      e.Outcome,
		Code:         optional(e.Code),
		Endpoint:     optional(e.Endpoint),
		Mode:         optional(e.Mode),
		SessionID:    optional(e.SessionID),
		RequestID:    optional(e.RequestID),
		ClientIP:     optional(e.ClientIP),
		ProcessingMs: e.ProcessingMs,
		Cached:       e.Cached,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MultiSink fans an entry out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(e Entry) {
	for _, s := range m {
		s.Record(e)
	}
}

// Alerts adapts sink to events.Sink so security events from the limiter and
// the vault share the audit trail. Events below medium severity are dropped.
func Alerts(sink Sink) events.Sink {
	return events.Func(func(e events.Event) {
		if e.Severity == events.SeverityInfo {
			return
		}
		entry := Entry{
			Time:     e.Time,
			Severity: e.Severity,
			Event:    e.Type,
			Outcome:  OutcomeAlert,
		}
		if v, ok := e.Fields["identity"].(string); ok {
			entry.ClientIP = v
		}
		if v, ok := e.Fields["path"].(string); ok {
			entry.Endpoint = v
		}
		sink.Record(entry)
	})
}

// Recorder keeps entries in memory, for tests.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Last returns the most recent entry.
func (r *Recorder) Last() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return Entry{}, false
	}
	return r.entries[len(r.entries)-1], true
}
