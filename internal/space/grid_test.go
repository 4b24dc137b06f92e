package space

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestGrid_Validation(t *testing.T) {
	if _, err := NewGrid(R(V(1, 0), V(3, 3))); !errors.Is(err, ErrGridOrigin) {
		t.Fatalf("expected ErrGridOrigin, got %v", err)
	}
	if _, err := GridOf(4, 0); !errors.Is(err, ErrGridWidth) {
		t.Fatalf("expected ErrGridWidth, got %v", err)
	}
	if _, err := GridOf(); !errors.Is(err, ErrGridWidth) {
		t.Fatalf("expected ErrGridWidth for no axes, got %v", err)
	}
	g, err := GridOf(2, 2, 4, 1)
	if err != nil {
		t.Fatalf("GridOf: %v", err)
	}
	if g.Template() != R(V(0, 0, 0, 0), V(1, 1, 3, 0)) || g.ChunkVolume() != 16 {
		t.Fatalf("template = %s volume=%d", g.Template(), g.ChunkVolume())
	}
}

func TestGrid_SnapSinglePoint(t *testing.T) {
	g, _ := GridOf(2, 2, 4, 1)
	chunks, err := Cell(V(5, 5, 5, 0)).Decompose(g)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	want := R(V(4, 4, 4, 0), V(5, 5, 7, 0))
	if len(chunks) != 1 || chunks[0] != want {
		t.Fatalf("Decompose = %v, want [%s]", chunks, want)
	}
	c, err := g.Snap(V(5, 5, 5, 0))
	if err != nil || c != want {
		t.Fatalf("Snap = %s, %v", c, err)
	}
}

func TestGrid_SnapNegative(t *testing.T) {
	g, _ := GridOf(16, 16)
	c, err := g.Snap(V(-1, -16))
	if err != nil {
		t.Fatalf("Snap: %v", err)
	}
	if c != R(V(-16, -16), V(-1, -1)) {
		t.Fatalf("Snap(-1,-16) = %s", c)
	}
	c, _ = g.Snap(V(-17, 15))
	if c != R(V(-32, 0), V(-17, 15)) {
		t.Fatalf("Snap(-17,15) = %s", c)
	}
	if _, err := g.Snap(V(0)); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if !g.IsChunk(R(V(-16, 0), V(-1, 15))) || g.IsChunk(R(V(-15, 0), V(0, 15))) {
		t.Fatalf("IsChunk misclassified")
	}
}

func TestDecompose_Minimal(t *testing.T) {
	g, _ := GridOf(4, 4)
	chunks, err := R(V(-1, 0), V(4, 3)).Decompose(g)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	want := []Region{
		R(V(-4, 0), V(-1, 3)),
		R(V(0, 0), V(3, 3)),
		R(V(4, 0), V(7, 3)),
	}
	if len(chunks) != len(want) {
		t.Fatalf("Decompose = %v", chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d = %s, want %s", i, chunks[i], want[i])
		}
	}

	aligned, _ := R(V(0, 0), V(3, 3)).Decompose(g)
	if len(aligned) != 1 {
		t.Fatalf("aligned region should be one chunk, got %v", aligned)
	}
}

func TestDecompose_CoversAndAligns(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 300; i++ {
		n := 1 + r.Intn(3)
		widths := make([]int64, n)
		for ax := range widths {
			widths[ax] = 1 + r.Int63n(5)
		}
		g, err := GridOf(widths...)
		if err != nil {
			t.Fatalf("GridOf: %v", err)
		}
		reg := R(randVector(r, n, 12), randVector(r, n, 12))
		chunks, err := reg.Decompose(g)
		if err != nil {
			t.Fatalf("Decompose: %v", err)
		}
		set := map[Region]bool{}
		for _, c := range chunks {
			if set[c] {
				t.Fatalf("duplicate chunk %s", c)
			}
			set[c] = true
			for ax := 0; ax < n; ax++ {
				if c.Lower().At(ax)%widths[ax] != 0 || c.Width(ax) != widths[ax] {
					t.Fatalf("chunk %s not aligned to %v", c, widths)
				}
			}
			if _, ok, _ := c.Intersect(reg); !ok {
				t.Fatalf("chunk %s does not touch %s (not minimal)", c, reg)
			}
		}
		reg.Each(func(p Vector) bool {
			c, _ := g.Snap(p)
			if !set[c] {
				t.Fatalf("point %s of %s not covered", p, reg)
			}
			return true
		})
	}
}

func TestDecompose_RejectsHugeRegions(t *testing.T) {
	g1, _ := GridOf(1)
	g3, _ := GridOf(3, 3)
	cases := []struct {
		name string
		g    Grid
		r    Region
	}{
		{"count overflows", g1, R(V(-(1 << 62)), V(1<<62))},
		{"product overflows", g3, R(V(0, 0), V(1<<40, 1<<40))},
		{"past the last chunk", g3, R(V(0, math.MaxInt64-1), V(0, math.MaxInt64))},
		{"before the first chunk", g3, R(V(math.MinInt64, 0), V(math.MinInt64, 0))},
		{"over the cap", g1, R(V(0), V(MaxDecompose))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.r.Decompose(tc.g); !errors.Is(err, ErrRegionTooLarge) {
				t.Fatalf("Decompose err = %v, want ErrRegionTooLarge", err)
			}
		})
	}

	n, err := R(V(0), V(MaxDecompose)).ChunkCount(g1)
	if err != nil || n != MaxDecompose+1 {
		t.Fatalf("ChunkCount = %d %v", n, err)
	}
	n, err = R(V(-1, -1), V(4, 2)).ChunkCount(g3)
	if err != nil || n != 6 {
		t.Fatalf("ChunkCount = %d %v", n, err)
	}
}
