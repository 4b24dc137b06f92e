package chunkcache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"chunkstream.ai/internal/space"
)

func TestMetricsTrackLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g, _ := space.GridOf(2, 2)
	c, err := New(Config{Grid: g, MaxOutstanding: 1, Remote: &recorder{}, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}

	a := space.R(space.V(0, 0), space.V(1, 1))
	if err := c.UpdateRequiredRegions([]space.Region{space.R(space.V(0, 0), space.V(3, 1))}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.requests); got != 1 {
		t.Fatalf("requests = %v", got)
	}
	if got := testutil.ToFloat64(m.pending); got != 1 {
		t.Fatalf("pending = %v", got)
	}
	if got := testutil.ToFloat64(m.outstanding); got != 1 {
		t.Fatalf("outstanding = %v", got)
	}

	if err := c.WriteBack(filled(t, a, 7)); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.resident); got != 1 {
		t.Fatalf("resident = %v", got)
	}
	if got := testutil.ToFloat64(m.requests); got != 2 {
		t.Fatalf("requests after write back = %v", got)
	}
	if got := testutil.ToFloat64(m.cells.WithLabelValues("written")); got != 4 {
		t.Fatalf("written cells = %v", got)
	}

	if err := c.UpdateRequiredRegions(nil); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.evictions); got != 1 {
		t.Fatalf("evictions = %v", got)
	}
	if got := testutil.ToFloat64(m.resident); got != 0 {
		t.Fatalf("resident after eviction = %v", got)
	}
}
