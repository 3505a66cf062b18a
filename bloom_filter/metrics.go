package bf

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

type Metrics struct {
	puts         metrics.Meter
	contains     metrics.Meter
	hits         metrics.Meter
	grows        metrics.Counter
	storeErrors  metrics.Counter
	storeLatency metrics.Timer
}

// NewMetrics registers the filter metrics in r, or in metrics.DefaultRegistry
// when r is nil.
func NewMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	return &Metrics{
		puts:         metrics.GetOrRegisterMeter("bloom.put", r),
		contains:     metrics.GetOrRegisterMeter("bloom.contains", r),
		hits:         metrics.GetOrRegisterMeter("bloom.contains.hit", r),
		grows:        metrics.GetOrRegisterCounter("bloom.grow", r),
		storeErrors:  metrics.GetOrRegisterCounter("bloom.store.error", r),
		storeLatency: metrics.GetOrRegisterTimer("bloom.store.latency", r),
	}
}

func (m *Metrics) markPut(n int) {
	if m == nil {
		return
	}
	m.puts.Mark(int64(n))
}

func (m *Metrics) markContains(results ...bool) {
	if m == nil {
		return
	}
	m.contains.Mark(int64(len(results)))
	var hit int64
	for _, r := range results {
		if r {
			hit++
		}
	}
	m.hits.Mark(hit)
}

func (m *Metrics) markGrow() {
	if m == nil {
		return
	}
	m.grows.Inc(1)
}

// observe records the latency of a store call started at begin.
func (m *Metrics) observe(begin time.Time, err error) {
	if m == nil {
		return
	}
	m.storeLatency.UpdateSince(begin)
	if err != nil {
		m.storeErrors.Inc(1)
	}
}
