package arrowstream

import "sync/atomic"

// Metrics is the process-wide serializer metrics facet. Counters and gauges
// are atomics; peaks advance through compare-and-swap loops so concurrent
// streams never regress them.
type Metrics struct {
	TotalRequests            atomic.Int64
	Successful               atomic.Int64
	Failed                   atomic.Int64
	TotalBatches             atomic.Int64
	TotalRows                atomic.Int64
	BytesWrittenUncompressed atomic.Int64
	BytesCompressed          atomic.Int64
	CompressionRequests      atomic.Int64
	CompressionErrors        atomic.Int64
	MemoryLimitErrors        atomic.Int64

	ActiveStreams      atomic.Int64
	PeakActiveStreams  atomic.Int64
	CurrentMemoryBytes atomic.Int64
	PeakMemoryBytes    atomic.Int64

	DurationMicros Histogram
	BatchRows      Histogram
	ResponseBytes  Histogram
	CompressionPpm Histogram
}

// Histogram keeps min/max/sum/count without buckets.
type Histogram struct {
	count atomic.Int64
	sum   atomic.Int64
	min   atomic.Int64
	max   atomic.Int64
	seen  atomic.Bool
}

// Observe records one sample.
func (h *Histogram) Observe(v int64) {
	h.count.Add(1)
	h.sum.Add(v)
	if h.seen.CompareAndSwap(false, true) {
		h.min.Store(v)
		h.max.Store(v)
	}
	casLess(&h.min, v)
	casGreater(&h.max, v)
}

// Snapshot returns (count, sum, min, max).
func (h *Histogram) Snapshot() (count, sum, minV, maxV int64) {
	return h.count.Load(), h.sum.Load(), h.min.Load(), h.max.Load()
}

func casLess(target *atomic.Int64, v int64) {
	for {
		cur := target.Load()
		if v >= cur {
			return
		}
		if target.CompareAndSwap(cur, v) {
			return
		}
	}
}

func casGreater(target *atomic.Int64, v int64) {
	for {
		cur := target.Load()
		if v <= cur {
			return
		}
		if target.CompareAndSwap(cur, v) {
			return
		}
	}
}

// globalMetrics is the shared facet; Stats() exposes it.
var globalMetrics Metrics

// Stats returns the process-wide serializer metrics.
func Stats() *Metrics { return &globalMetrics }

// RequestScope marks one streaming request. Construction bumps the active
// gauge; MarkSuccess/MarkFailure record the outcome. A scope closed without
// a mark counts as a failure of kind abandoned.
type RequestScope struct {
	m      *Metrics
	marked bool
}

// NewRequestScope opens a scope against the global metrics.
func NewRequestScope() *RequestScope {
	return newRequestScope(&globalMetrics)
}

func newRequestScope(m *Metrics) *RequestScope {
	m.TotalRequests.Add(1)
	active := m.ActiveStreams.Add(1)
	casGreater(&m.PeakActiveStreams, active)
	return &RequestScope{m: m}
}

// MarkSuccess records a completed stream.
func (s *RequestScope) MarkSuccess() {
	if s.marked {
		return
	}
	s.marked = true
	s.m.Successful.Add(1)
}

// MarkFailure records a failed stream.
func (s *RequestScope) MarkFailure() {
	if s.marked {
		return
	}
	s.marked = true
	s.m.Failed.Add(1)
}

// Close releases the scope; unmarked scopes count as abandoned failures.
func (s *RequestScope) Close() {
	if !s.marked {
		s.marked = true
		s.m.Failed.Add(1)
	}
	s.m.ActiveStreams.Add(-1)
}

// trackMemory adjusts the current-memory gauge and advances the peak.
func trackMemory(m *Metrics, delta int64) {
	cur := m.CurrentMemoryBytes.Add(delta)
	casGreater(&m.PeakMemoryBytes, cur)
}
