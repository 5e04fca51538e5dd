package a2a

import (
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// Recorder receives manager measurements. internal/metrics.Collector
// satisfies it.
type Recorder interface {
	RecordMessage(method, status string, duration time.Duration)
	RecordRetry(method string)
	RecordRejection(kind types.ErrorKind)
	SetQueueDepth(n int)
	SetInFlight(n int)
}

// Metrics is a snapshot of manager statistics.
type Metrics struct {
	State              State            `json:"state"`
	MessagesSent       int64            `json:"messagesSent"`
	MessagesSucceeded  int64            `json:"messagesSucceeded"`
	MessagesFailed     int64            `json:"messagesFailed"`
	NotificationsSent  int64            `json:"notificationsSent"`
	Retries            int64            `json:"retries"`
	Timeouts           int64            `json:"timeouts"`
	SuccessRate        float64          `json:"successRate"`
	ErrorRate          float64          `json:"errorRate"`
	AvgResponseTime    time.Duration    `json:"avgResponseTime"`
	P95ResponseTime    time.Duration    `json:"p95ResponseTime"`
	P99ResponseTime    time.Duration    `json:"p99ResponseTime"`
	ErrorsByKind       map[string]int64 `json:"errorsByKind"`
	QueueLength        int              `json:"queueLength"`
	CurrentConcurrency int              `json:"currentConcurrency"`
	MaxConcurrency     int              `json:"maxConcurrency"`
}

type managerMetrics struct {
	mu            sync.Mutex
	sent          int64
	succeeded     int64
	failed        int64
	notifications int64
	retries       int64
	timeouts      int64
	errorsByKind  map[string]int64

	// ring buffer of the most recent response times
	samples []time.Duration
	next    int
	full    bool
}

func newManagerMetrics(size int) *managerMetrics {
	return &managerMetrics{
		errorsByKind: make(map[string]int64),
		samples:      make([]time.Duration, size),
	}
}

func (mm *managerMetrics) recordSent() {
	mm.mu.Lock()
	mm.sent++
	mm.mu.Unlock()
}

func (mm *managerMetrics) recordNotification() {
	mm.mu.Lock()
	mm.notifications++
	mm.mu.Unlock()
}

func (mm *managerMetrics) recordRetry() {
	mm.mu.Lock()
	mm.retries++
	mm.mu.Unlock()
}

func (mm *managerMetrics) recordSuccess(d time.Duration) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.succeeded++
	mm.addSample(d)
}

// recordFailure counts a terminal failure. Rejections that never entered
// the queue carry no response time.
func (mm *managerMetrics) recordFailure(kind types.ErrorKind, d time.Duration, queued bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.failed++
	mm.errorsByKind[string(kind)]++
	if kind == types.KindTimeout {
		mm.timeouts++
	}
	if queued {
		mm.addSample(d)
	}
}

func (mm *managerMetrics) addSample(d time.Duration) {
	mm.samples[mm.next] = d
	mm.next = (mm.next + 1) % len(mm.samples)
	if mm.next == 0 {
		mm.full = true
	}
}

func (mm *managerMetrics) snapshot() Metrics {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	out := Metrics{
		MessagesSent:      mm.sent,
		MessagesSucceeded: mm.succeeded,
		MessagesFailed:    mm.failed,
		NotificationsSent: mm.notifications,
		Retries:           mm.retries,
		Timeouts:          mm.timeouts,
		ErrorsByKind:      make(map[string]int64, len(mm.errorsByKind)),
	}
	for k, v := range mm.errorsByKind {
		out.ErrorsByKind[k] = v
	}
	if done := mm.succeeded + mm.failed; done > 0 {
		out.SuccessRate = float64(mm.succeeded) / float64(done)
		out.ErrorRate = float64(mm.failed) / float64(done)
	}

	n := mm.next
	if mm.full {
		n = len(mm.samples)
	}
	if n == 0 {
		return out
	}
	sorted := make([]time.Duration, n)
	copy(sorted, mm.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	out.AvgResponseTime = total / time.Duration(n)
	out.P95ResponseTime = percentile(sorted, 0.95)
	out.P99ResponseTime = percentile(sorted, 0.99)
	return out
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(p*float64(len(sorted)) + 0.999999)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
