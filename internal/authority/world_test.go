package authority

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

type captureSink struct {
	mu  sync.Mutex
	got []encoding.Cuboid
}

func (s *captureSink) Deliver(c encoding.Cuboid) {
	s.mu.Lock()
	s.got = append(s.got, c)
	s.mu.Unlock()
}

type memStore struct {
	chunks map[space.Region]encoding.Cuboid
	loads  int
}

func (m *memStore) LoadChunk(ch space.Region) (encoding.Cuboid, bool, error) {
	m.loads++
	c, ok := m.chunks[ch]
	return c, ok, nil
}

func (m *memStore) SaveChunk(c encoding.Cuboid) { m.chunks[c.Region] = c }

func newWorld(t *testing.T, store Store) *World {
	t.Helper()
	g, err := space.GridOf(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWorld(Config{
		Grid:      g,
		Generator: Flat{GroundAxis: 1, Level: 0, LayerAxis: -1, Fill: []byte("s")},
		Store:     store,
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func one(b string) encoding.Block { return encoding.NewBlock([]byte(b)) }

func cellCuboid(t *testing.T, p space.Vector, b encoding.Block) encoding.Cuboid {
	t.Helper()
	c, err := encoding.NewCuboid(space.Cell(p), []encoding.Block{b})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func blockAt(t *testing.T, c encoding.Cuboid, p space.Vector) encoding.Block {
	t.Helper()
	var out encoding.Block
	found := false
	if err := c.Each(nil, func(q space.Vector, b encoding.Block) {
		if q == p {
			out, found = b, true
		}
	}); err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("%s not in %s", p, c.Region)
	}
	return out
}

func TestSubscribeDeliversGeneratedContent(t *testing.T) {
	w := newWorld(t, nil)
	s := &captureSink{}
	if err := w.Attach("a", s); err != nil {
		t.Fatal(err)
	}
	r := space.R(space.V(0, -2), space.V(1, 1))
	if err := w.Subscribe("a", []space.Region{r}); err != nil {
		t.Fatal(err)
	}
	got := s.got
	if len(got) != 1 || got[0].Region != r {
		t.Fatalf("got %+v", got)
	}
	if b := blockAt(t, got[0], space.V(0, -1)); !b.Equal(one("s")) {
		t.Fatalf("below ground = %s", b)
	}
	if b := blockAt(t, got[0], space.V(0, 0)); b.Initialized() {
		t.Fatalf("above ground = %s", b)
	}
	if st := w.Stats(); st.Subscriptions != 2 || st.Resident != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWriteFansOutToSubscribers(t *testing.T) {
	w := newWorld(t, nil)
	a, b, c := &captureSink{}, &captureSink{}, &captureSink{}
	for id, s := range map[string]Sink{"a": a, "b": b, "c": c} {
		if err := w.Attach(id, s); err != nil {
			t.Fatal(err)
		}
	}
	chunk := space.R(space.V(0, 0), space.V(1, 1))
	if err := w.Subscribe("a", []space.Region{chunk}); err != nil {
		t.Fatal(err)
	}
	if err := w.Subscribe("b", []space.Region{chunk}); err != nil {
		t.Fatal(err)
	}
	if err := w.Subscribe("c", []space.Region{space.R(space.V(8, 8), space.V(9, 9))}); err != nil {
		t.Fatal(err)
	}
	for _, s := range []*captureSink{a, b, c} {
		s.got = nil
	}

	if err := w.Write("a", cellCuboid(t, space.V(1, 1), one("x"))); err != nil {
		t.Fatal(err)
	}
	for name, s := range map[string]*captureSink{"a": a, "b": b} {
		if len(s.got) != 1 || s.got[0].Region != space.Cell(space.V(1, 1)) {
			t.Fatalf("%s got %+v", name, s.got)
		}
		if !blockAt(t, s.got[0], space.V(1, 1)).Equal(one("x")) {
			t.Fatalf("%s got wrong block", name)
		}
	}
	if len(c.got) != 0 {
		t.Fatalf("unrelated subscriber got %+v", c.got)
	}

	if err := w.Unsubscribe("b", []space.Region{chunk}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write("a", cellCuboid(t, space.V(0, 0), one("y"))); err != nil {
		t.Fatal(err)
	}
	if len(b.got) != 1 || len(a.got) != 2 {
		t.Fatalf("after unsubscribe a=%d b=%d", len(a.got), len(b.got))
	}
}

func TestWriteSpanningChunksSplitsDeliveries(t *testing.T) {
	w := newWorld(t, nil)
	s := &captureSink{}
	if err := w.Attach("a", s); err != nil {
		t.Fatal(err)
	}
	if err := w.Subscribe("a", []space.Region{space.R(space.V(0, 0), space.V(3, 1))}); err != nil {
		t.Fatal(err)
	}
	s.got = nil
	r := space.R(space.V(1, 0), space.V(2, 0))
	cub, err := encoding.NewCuboid(r, []encoding.Block{one("p"), one("q")})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write("a", cub); err != nil {
		t.Fatal(err)
	}
	if len(s.got) != 2 {
		t.Fatalf("deliveries = %d", len(s.got))
	}
	if s.got[0].Region != space.Cell(space.V(1, 0)) || s.got[1].Region != space.Cell(space.V(2, 0)) {
		t.Fatalf("regions %s, %s", s.got[0].Region, s.got[1].Region)
	}
}

func TestStoreBackedUnloadAndReload(t *testing.T) {
	st := &memStore{chunks: map[space.Region]encoding.Cuboid{}}
	w := newWorld(t, st)
	if err := w.Attach("a", &captureSink{}); err != nil {
		t.Fatal(err)
	}
	chunk := space.R(space.V(0, 0), space.V(1, 1))
	if err := w.Subscribe("a", []space.Region{chunk}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write("a", cellCuboid(t, space.V(1, 0), one("z"))); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.chunks[chunk]; !ok {
		t.Fatalf("write not saved")
	}
	w.Detach("a")
	if w.Stats().Resident != 0 {
		t.Fatalf("unwatched chunk still resident")
	}

	c, err := w.Describe(chunk)
	if err != nil {
		t.Fatal(err)
	}
	if !blockAt(t, c, space.V(1, 0)).Equal(one("z")) {
		t.Fatalf("reload lost the write")
	}
	if st.loads < 2 {
		t.Fatalf("store loads = %d", st.loads)
	}
}

func TestExportImport(t *testing.T) {
	w := newWorld(t, nil)
	if err := w.Write("", cellCuboid(t, space.V(5, 5), one("k"))); err != nil {
		t.Fatal(err)
	}
	snap := w.Export()
	if len(snap) != 1 || snap[0].Region != space.R(space.V(4, 4), space.V(5, 5)) {
		t.Fatalf("export = %+v", snap)
	}

	w2 := newWorld(t, nil)
	if err := w2.Import(snap); err != nil {
		t.Fatal(err)
	}
	c, err := w2.Describe(space.Cell(space.V(5, 5)))
	if err != nil {
		t.Fatal(err)
	}
	if !blockAt(t, c, space.V(5, 5)).Equal(one("k")) {
		t.Fatalf("import lost block")
	}
	if err := w2.Import([]encoding.Cuboid{encoding.UninitializedCuboid(space.Cell(space.V(0, 0)))}); err == nil {
		t.Fatalf("import of a non-chunk cuboid should fail")
	}
}

func TestSessionErrors(t *testing.T) {
	w := newWorld(t, nil)
	if err := w.Subscribe("nobody", nil); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("subscribe: %v", err)
	}
	if err := w.Attach("a", &captureSink{}); err != nil {
		t.Fatal(err)
	}
	if err := w.Attach("a", &captureSink{}); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("double attach: %v", err)
	}
	if err := w.Write("a", cellCuboid(t, space.V(1), one("x"))); !errors.Is(err, space.ErrDimensionMismatch) {
		t.Fatalf("write dims: %v", err)
	}
	if err := w.Write("ghost", cellCuboid(t, space.V(1, 1), one("x"))); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("write ghost: %v", err)
	}
}

func TestOversizedRequestsAreRejected(t *testing.T) {
	w := newWorld(t, nil)
	sink := &captureSink{}
	if err := w.Attach("a", sink); err != nil {
		t.Fatal(err)
	}

	huge := space.R(space.V(-(1 << 62), 0), space.V(1<<62, 0))
	if err := w.Subscribe("a", []space.Region{huge}); !errors.Is(err, space.ErrRegionTooLarge) {
		t.Fatalf("subscribe huge: %v", err)
	}
	if err := w.Unsubscribe("a", []space.Region{huge}); !errors.Is(err, space.ErrRegionTooLarge) {
		t.Fatalf("unsubscribe huge: %v", err)
	}
	if _, err := w.Describe(huge); !errors.Is(err, space.ErrRegionTooLarge) {
		t.Fatalf("describe huge: %v", err)
	}

	// Each half fits under the cap; together they do not.
	half := int64(MaxRequestChunks/2 + 1)
	left := space.R(space.V(0, 0), space.V(2*half-1, 1))
	right := space.R(space.V(0, 2), space.V(2*half-1, 3))
	if err := w.Subscribe("a", []space.Region{left, right}); !errors.Is(err, space.ErrRegionTooLarge) {
		t.Fatalf("subscribe over cap: %v", err)
	}

	wrap := encoding.Cuboid{
		Region:  space.R(space.V(0, 0), space.V(2, 0)),
		Lengths: []int64{math.MaxInt64, math.MaxInt64, 2},
	}
	if err := w.Write("a", wrap); !errors.Is(err, encoding.ErrPayload) {
		t.Fatalf("write wrapping lengths: %v", err)
	}

	sink.mu.Lock()
	delivered := len(sink.got)
	sink.mu.Unlock()
	if delivered != 0 {
		t.Fatalf("rejected requests delivered %d cuboids", delivered)
	}
	if st := w.Stats(); st.Subscriptions != 0 || st.Resident != 0 {
		t.Fatalf("rejected requests changed state: %+v", st)
	}

	// A request right at the cap still goes through.
	full := space.R(space.V(0, 0), space.V(2*MaxRequestChunks-1, 1))
	if n, err := full.ChunkCount(w.Grid()); err != nil || n != MaxRequestChunks {
		t.Fatalf("ChunkCount = %d %v", n, err)
	}
	if _, err := w.chunksOf([]space.Region{full}); err != nil {
		t.Fatalf("request at the cap: %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g, _ := space.GridOf(2, 2)
	w, err := NewWorld(Config{Grid: g, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Attach("a", &captureSink{}); err != nil {
		t.Fatal(err)
	}
	if err := w.Subscribe("a", []space.Region{space.R(space.V(0, 0), space.V(3, 3))}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.resident); got != 4 {
		t.Fatalf("resident = %v", got)
	}
	if got := testutil.ToFloat64(m.loads.WithLabelValues("generated")); got != 4 {
		t.Fatalf("generated loads = %v", got)
	}
	if got := testutil.ToFloat64(m.sessions); got != 1 {
		t.Fatalf("sessions = %v", got)
	}
}
