package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/truenas/middleware-sub000/internal/runtime/jobs"
)

// DispatcherMetrics exports call, job, event, audit and rate-limit counters.
type DispatcherMetrics struct {
	mu sync.RWMutex

	snapshot DispatcherMetricsSnapshot

	callsTotal        *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	jobsCurrent       *prometheus.GaugeVec
	jobsFinished      *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	subscribersDrop   *prometheus.CounterVec
	auditRecords      *prometheus.CounterVec
	rateLimitedDenied *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// DispatcherMetricsSnapshot is a point-in-time copy of the counters.
type DispatcherMetricsSnapshot struct {
	Calls              uint64    `json:"calls"`
	FailedCalls        uint64    `json:"failed_calls"`
	JobsRunning        int64     `json:"jobs_running"`
	JobsFinished       uint64    `json:"jobs_finished"`
	EventsPublished    uint64    `json:"events_published"`
	SubscribersDropped uint64    `json:"subscribers_dropped"`
	AuditRecords       uint64    `json:"audit_records"`
	RateLimited        uint64    `json:"rate_limited"`
	CollectedAt        time.Time `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "middleware",
			Subsystem: "dispatcher",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "middleware",
			Subsystem: "dispatcher",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "middleware",
			Subsystem: "dispatcher",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewDispatcherMetrics creates the collectors. They are exported once
// Register is called.
func NewDispatcherMetrics(registerer prometheus.Registerer) *DispatcherMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DispatcherMetrics{
		registerer:        registerer,
		callsTotal:        newCounterVec("calls_total", "Calls dispatched, by method and outcome kind", []string{"method", "kind"}),
		callDuration:      newHistogramVec("call_duration_seconds", "Handler latency", prometheus.DefBuckets, []string{"method"}),
		jobsCurrent:       newGaugeVec("jobs_current", "Jobs not yet finished", []string{"method"}),
		jobsFinished:      newCounterVec("jobs_finished_total", "Finished jobs, by final state", []string{"method", "state"}),
		eventsPublished:   newCounterVec("events_published_total", "Events published, by channel and type", []string{"channel", "type"}),
		subscribersDrop:   newCounterVec("event_subscribers_dropped_total", "Subscriptions dropped on overflow", []string{"channel"}),
		auditRecords:      newCounterVec("audit_records_total", "Audit records written, by event and success", []string{"event", "success"}),
		rateLimitedDenied: newCounterVec("ratelimit_denied_total", "Calls refused by the rate limiter", []string{"method"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DispatcherMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.callsTotal,
		m.callDuration,
		m.jobsCurrent,
		m.jobsFinished,
		m.eventsPublished,
		m.subscribersDrop,
		m.auditRecords,
		m.rateLimitedDenied,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RecordCall counts a finished call. kind is empty for successful calls.
func (m *DispatcherMetrics) RecordCall(method, kind string, d time.Duration) {
	m.mu.Lock()
	m.snapshot.Calls++
	if kind != "" {
		m.snapshot.FailedCalls++
	}
	m.mu.Unlock()

	if kind == "" {
		kind = "ok"
	}
	m.callsTotal.WithLabelValues(method, kind).Inc()
	m.callDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *DispatcherMetrics) JobStarted(method string) {
	m.mu.Lock()
	m.snapshot.JobsRunning++
	m.mu.Unlock()
	m.jobsCurrent.WithLabelValues(method).Inc()
}

func (m *DispatcherMetrics) JobFinished(method string, state jobs.State, _ time.Duration) {
	m.mu.Lock()
	if m.snapshot.JobsRunning > 0 {
		m.snapshot.JobsRunning--
	}
	m.snapshot.JobsFinished++
	m.mu.Unlock()
	m.jobsCurrent.WithLabelValues(method).Dec()
	m.jobsFinished.WithLabelValues(method, string(state)).Inc()
}

func (m *DispatcherMetrics) EventPublished(channel, eventType string) {
	m.mu.Lock()
	m.snapshot.EventsPublished++
	m.mu.Unlock()
	m.eventsPublished.WithLabelValues(channel, eventType).Inc()
}

func (m *DispatcherMetrics) SubscriberDropped(channel string) {
	m.mu.Lock()
	m.snapshot.SubscribersDropped++
	m.mu.Unlock()
	m.subscribersDrop.WithLabelValues(channel).Inc()
}

func (m *DispatcherMetrics) AuditRecord(event string, success bool) {
	m.mu.Lock()
	m.snapshot.AuditRecords++
	m.mu.Unlock()
	label := "false"
	if success {
		label = "true"
	}
	m.auditRecords.WithLabelValues(event, label).Inc()
}

func (m *DispatcherMetrics) RateLimited(method string) {
	m.mu.Lock()
	m.snapshot.RateLimited++
	m.mu.Unlock()
	m.rateLimitedDenied.WithLabelValues(method).Inc()
}

// Snapshot returns a copy of the counters.
func (m *DispatcherMetrics) Snapshot() DispatcherMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.snapshot
	out.CollectedAt = time.Now()
	return out
}

// Reset clears every counter.
func (m *DispatcherMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot = DispatcherMetricsSnapshot{}
	m.callsTotal.Reset()
	m.callDuration.Reset()
	m.jobsCurrent.Reset()
	m.jobsFinished.Reset()
	m.eventsPublished.Reset()
	m.subscribersDrop.Reset()
	m.auditRecords.Reset()
	m.rateLimitedDenied.Reset()
}
