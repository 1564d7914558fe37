package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	"github.com/truenas/middleware-sub000/internal/runtime/logging"
)

// Sink is an append-only destination for records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Query narrows records read back from a Querier. Zero fields match all.
type Query struct {
	Username string
	Event    string
	Method   string
	Success  *bool
	Since    time.Time
	// Limit caps the result; newest records are returned first.
	Limit int
}

func (q Query) match(rec Record) bool {
	switch {
	case q.Username != "" && rec.Username != q.Username:
		return false
	case q.Event != "" && rec.Event != q.Event:
		return false
	case q.Method != "" && rec.EventData.Method != q.Method:
		return false
	case q.Success != nil && rec.Success != *q.Success:
		return false
	case !q.Since.IsZero() && rec.Timestamp.Before(q.Since):
		return false
	}
	return true
}

// Querier is implemented by sinks that can read records back.
type Querier interface {
	Query(ctx context.Context, q Query) ([]Record, error)
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy in write order.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

func (m *MemorySink) Query(_ context.Context, q Query) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for i := len(m.records) - 1; i >= 0; i-- {
		if !q.match(m.records[i]) {
			continue
		}
		out = append(out, m.records[i])
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// CEEPrefix marks a structured syslog line.
const CEEPrefix = "@cee:"

// LogSink writes each record as an @cee: JSON line through a ServiceLogger.
type LogSink struct {
	logger logging.ServiceLogger
}

func NewLogSink(logger logging.ServiceLogger) *LogSink {
	return &LogSink{logger: logger}
}

// Line renders rec the way LogSink writes it.
func Line(rec Record) (string, error) {
	body, err := jsoncodec.MarshalString(map[string]Record{"TNAUDIT": rec})
	if err != nil {
		return "", err
	}
	return CEEPrefix + body, nil
}

func (l *LogSink) Write(_ context.Context, rec Record) error {
	line, err := Line(rec)
	if err != nil {
		return err
	}
	l.logger.Info(line, logging.LogFields{"audit_id": rec.AuditID, "event": rec.Event})
	return nil
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Query reads from the first sink that can.
func (m MultiSink) Query(ctx context.Context, q Query) ([]Record, error) {
	for _, s := range m {
		if qr, ok := s.(Querier); ok {
			return qr.Query(ctx, q)
		}
	}
	return nil, errors.New("no audit sink supports queries")
}

// Discard drops every record.
type Discard struct{}

func (Discard) Write(context.Context, Record) error { return nil }
