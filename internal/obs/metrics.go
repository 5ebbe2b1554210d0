package obs

import (
	"sync/atomic"
	"time"

	"omes/internal/schema"
)

// ExecutorOutcome is the result the executor reported for one request.
type ExecutorOutcome uint16

const (
	ExecutorSent ExecutorOutcome = iota
	ExecutorTimeout
	ExecutorTimeoutAfterThrottled
	ExecutorThrottled
	ExecutorHeld
	ExecutorFailed
	executorOutcomeCount
)

func (o ExecutorOutcome) String() string {
	switch o {
	case ExecutorSent:
		return "sent"
	case ExecutorTimeout:
		return "timeout"
	case ExecutorTimeoutAfterThrottled:
		return "timeout_after_throttled"
	case ExecutorThrottled:
		return "throttled"
	case ExecutorHeld:
		return "held"
	case ExecutorFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	rejectCounts     [schema.RejectTypeCount]uint64
	completionCounts [schema.CompletionTypeCount]uint64
	executorCounts   [executorOutcomeCount]uint64
	reportCount      uint64
	buggyUpdates     uint64
	queueDrops       uint64
	queueClosed      uint64

	validationLatency LatencyStats
	roundTripLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	RejectCounts      map[string]uint64 `json:"rejectCounts"`
	CompletionCounts  map[string]uint64 `json:"completionCounts"`
	ExecutorCounts    map[string]uint64 `json:"executorCounts"`
	Reports           uint64            `json:"reports"`
	BuggyUpdates      uint64            `json:"buggyUpdates"`
	QueueDrops        uint64            `json:"queueDrops"`
	QueueClosed       uint64            `json:"queueClosed"`
	ValidationLatency LatencySnapshot   `json:"validationLatency"`
	RoundTripLatency  LatencySnapshot   `json:"roundTripLatency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncReject increments the counter of a reject type.
func (m *Metrics) IncReject(rt schema.RejectType) {
	if m == nil {
		return
	}
	idx := int(rt)
	if idx >= 0 && idx < len(m.rejectCounts) {
		atomic.AddUint64(&m.rejectCounts[idx], 1)
	}
}

// IncCompletion increments the counter of a completion type.
func (m *Metrics) IncCompletion(ct schema.CompletionType) {
	if m == nil {
		return
	}
	idx := int(ct)
	if idx >= 0 && idx < len(m.completionCounts) {
		atomic.AddUint64(&m.completionCounts[idx], 1)
	}
}

// IncExecutor increments the counter of an executor outcome.
func (m *Metrics) IncExecutor(o ExecutorOutcome) {
	if m == nil {
		return
	}
	if o < executorOutcomeCount {
		atomic.AddUint64(&m.executorCounts[o], 1)
	}
}

// IncReport records an inbound venue report.
func (m *Metrics) IncReport() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.reportCount, 1)
}

// IncBuggyUpdate records a venue update that could not be matched to an order.
func (m *Metrics) IncBuggyUpdate() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.buggyUpdates, 1)
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// ObserveValidation measures new-order validation latency.
func (m *Metrics) ObserveValidation(d time.Duration) {
	if m == nil {
		return
	}
	m.validationLatency.Observe(d)
}

// ObserveRoundTrip measures latency from send to the first venue report.
func (m *Metrics) ObserveRoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.roundTripLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	rejects := make(map[string]uint64)
	for i := range m.rejectCounts {
		if v := atomic.LoadUint64(&m.rejectCounts[i]); v > 0 {
			rejects[schema.RejectType(i).String()] = v
		}
	}
	completions := make(map[string]uint64)
	for i := range m.completionCounts {
		if v := atomic.LoadUint64(&m.completionCounts[i]); v > 0 {
			completions[schema.CompletionType(i).String()] = v
		}
	}
	executor := make(map[string]uint64)
	for i := range m.executorCounts {
		if v := atomic.LoadUint64(&m.executorCounts[i]); v > 0 {
			executor[ExecutorOutcome(i).String()] = v
		}
	}
	return Snapshot{
		RejectCounts:      rejects,
		CompletionCounts:  completions,
		ExecutorCounts:    executor,
		Reports:           atomic.LoadUint64(&m.reportCount),
		BuggyUpdates:      atomic.LoadUint64(&m.buggyUpdates),
		QueueDrops:        atomic.LoadUint64(&m.queueDrops),
		QueueClosed:       atomic.LoadUint64(&m.queueClosed),
		ValidationLatency: m.validationLatency.Snapshot(),
		RoundTripLatency:  m.roundTripLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
