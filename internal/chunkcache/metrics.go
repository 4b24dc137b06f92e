package chunkcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	requests    prometheus.Counter
	releases    prometheus.Counter
	evictions   prometheus.Counter
	writeBacks  prometheus.Counter
	cells       *prometheus.CounterVec
	pending     prometheus.Gauge
	outstanding prometheus.Gauge
	resident    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkcache_requests_total",
			Help: "Chunk requests sent to the remote authority.",
		}),
		releases: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkcache_release_messages_total",
			Help: "Release messages sent to the remote authority.",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkcache_evictions_total",
			Help: "Loaded chunks dropped from the cache.",
		}),
		writeBacks: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkcache_write_backs_total",
			Help: "Cuboids applied by WriteBack.",
		}),
		cells: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkcache_cells_total",
			Help: "Cells received by WriteBack, by outcome.",
		}, []string{"outcome"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkcache_pending_chunks",
			Help: "Chunks waiting to be requested.",
		}),
		outstanding: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkcache_outstanding_chunks",
			Help: "Chunks requested and not yet answered.",
		}),
		resident: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkcache_resident_chunks",
			Help: "Chunks currently loaded.",
		}),
	}
}

func (m *Metrics) writeBack(written, discarded int) {
	if m == nil {
		return
	}
	m.writeBacks.Inc()
	m.cells.WithLabelValues("written").Add(float64(written))
	m.cells.WithLabelValues("discarded").Add(float64(discarded))
}
