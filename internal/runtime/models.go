package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// MethodStats accumulates per-method call statistics for the introspection API.
type MethodStats struct {
	mu sync.Mutex `json:"-"`

	CallsProcessed      uint64    `json:"calls_processed"`
	CallsFailed         uint64    `json:"calls_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastCalledAt        time.Time `json:"last_called_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *resourceTracker  `json:"-"`
}

// MethodInfo describes a registered method and its statistics.
type MethodInfo struct {
	Name        string       `json:"name"`
	Service     string       `json:"service"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	Class       string       `json:"class"`
	Job         bool         `json:"job"`
	Private     bool         `json:"private"`
	Roles       []string     `json:"roles"`
	RemovedIn   string       `json:"removed_in,omitempty"`
	Stats       *MethodStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS    float64 `json:"current_rps"`
	WindowSeconds float64 `json:"window_seconds"`
	CallsInWindow uint64  `json:"calls_in_window"`
	TotalCalls    uint64  `json:"total_calls"`
}

// ErrorBreakdown counts failed calls by category.
type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Auth       uint64 `json:"auth"`
	Timeout    uint64 `json:"timeout"`
	Conflict   uint64 `json:"conflict"`
	Internal   uint64 `json:"internal"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryAuth       ErrorCategory = "auth"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryConflict   ErrorCategory = "conflict"
	ErrorCategoryInternal   ErrorCategory = "internal"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier sorts call errors into stats categories.
type ErrorClassifier func(error) ErrorCategory

func newMethodStats(sampler *resourceTracker) *MethodStats {
	return &MethodStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func newMethodInfo(m *methods.Method, sampler *resourceTracker) *MethodInfo {
	return &MethodInfo{
		Name:        m.Key(),
		Service:     m.Service,
		Version:     m.Version,
		Description: m.Description,
		Class:       m.Class.String(),
		Job:         m.IsJob(),
		Private:     m.Private,
		Roles:       append([]string(nil), m.Roles...),
		RemovedIn:   m.RemovedIn,
		Stats:       newMethodStats(sampler),
	}
}

func (h *MethodStats) onCallStart() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight++
	if h.Backlog.InFlight > h.Backlog.MaxInFlight {
		h.Backlog.MaxInFlight = h.Backlog.InFlight
	}
}

func (h *MethodStats) onCallFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}

	h.CallsProcessed++
	if err != nil {
		h.CallsFailed++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastCalledAt = time.Now().UTC()

	if h.latencyWindow != nil {
		h.latencyWindow.Add(duration)
		snapshot := h.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		if h.CallsProcessed > 0 {
			snapshot.AverageNs = h.TotalProcessingTime / int64(h.CallsProcessed)
		}
		h.Latency = snapshot
	}

	if h.throughputWindow != nil {
		snapshot := h.throughputWindow.AddAndSnapshot(time.Now())
		h.Throughput.CurrentRPS = snapshot.CurrentRPS
		h.Throughput.WindowSeconds = snapshot.WindowSeconds
		h.Throughput.CallsInWindow = uint64(snapshot.Count)
	}
	h.Throughput.TotalCalls = h.CallsProcessed

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	h.Errors.Record(classifier(err), err)

	if h.resourceSampler != nil {
		h.Resource = h.resourceSampler.Snapshot()
	}
}

func (h *MethodStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias MethodStats
	return jsoncodec.Marshal((*Alias)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryAuth:
		e.Auth++
	case ErrorCategoryTimeout:
		e.Timeout++
	case ErrorCategoryConflict:
		e.Conflict++
	case ErrorCategoryInternal:
		e.Internal++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	switch errspkg.KindOf(err) {
	case errspkg.KindValidation, errspkg.KindVersionIncompatible, errspkg.KindNotFound, errspkg.KindAlreadyExists:
		return ErrorCategoryValidation
	case errspkg.KindUnauthenticated, errspkg.KindUnauthorized, errspkg.KindRateLimited:
		return ErrorCategoryAuth
	case errspkg.KindTimeout, errspkg.KindCancelled:
		return ErrorCategoryTimeout
	case errspkg.KindConflict, errspkg.KindLockBusy:
		return ErrorCategoryConflict
	case errspkg.KindInternal:
		return ErrorCategoryInternal
	}
	return ErrorCategoryOther
}
