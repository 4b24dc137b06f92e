package authority

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	sessions   prometheus.Gauge
	resident   prometheus.Gauge
	loads      *prometheus.CounterVec
	cells      prometheus.Counter
	deliveries prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "authority_sessions",
			Help: "Attached client sessions.",
		}),
		resident: f.NewGauge(prometheus.GaugeOpts{
			Name: "authority_resident_chunks",
			Help: "Chunks held in memory.",
		}),
		loads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "authority_chunk_loads_total",
			Help: "Chunks made resident, by source.",
		}, []string{"source"}),
		cells: f.NewCounter(prometheus.CounterOpts{
			Name: "authority_cells_written_total",
			Help: "Cells changed by client writes.",
		}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "authority_deliveries_total",
			Help: "Cuboids pushed to subscribed sessions.",
		}),
	}
}

func (m *Metrics) setSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) setResident(n int) {
	if m != nil {
		m.resident.Set(float64(n))
	}
}

func (m *Metrics) load(source string) {
	if m != nil {
		m.loads.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) write(cells, deliveries int) {
	if m != nil {
		m.cells.Add(float64(cells))
		m.deliveries.Add(float64(deliveries))
	}
}
