// Package audit receives a structured record of every allow/deny decision
// and sensitive action for forensic review. Records are redacted and
// truncated before they leave the process boundary; the durable sink chains
// record hashes so tampering with stored history is detectable.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Category groups audit events by the subsystem that produced them.
type Category string

const (
	CategoryPath    Category = "path"
	CategoryCommand Category = "command"
	CategoryPairing Category = "pairing"
	CategorySession Category = "session"
)

// Event is one audit record. Details for denials carry the offending input
// and the specific reason.
type Event struct {
	Timestamp time.Time
	Category  Category
	Action    string
	Actor     string
	Details   map[string]string
}

// Sink consumes audit events. Implementations must not block the guarded
// operation; a failing sink logs and drops rather than failing the caller.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Recorder redacts and truncates events, then fans them out to its sinks.
// It is the single entry point callers emit through.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder builds a recorder over the given sinks.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sinks:  sinks,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Record sanitizes the event and delivers it to every sink.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	ev.Details = sanitizeDetails(ev.Details)
	for _, s := range r.sinks {
		s.Record(ctx, ev)
	}
}

// SlogSink writes audit events to the structured log.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink logging at info level.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit")}
}

// Record implements Sink.
func (s *SlogSink) Record(_ context.Context, ev Event) {
	attrs := []any{
		"category", string(ev.Category),
		"action", ev.Action,
		"actor", ev.Actor,
	}
	for k, v := range ev.Details {
		attrs = append(attrs, "detail."+k, v)
	}
	s.logger.Info("audit", attrs...)
}
