package space

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func randVector(r *rand.Rand, n int, span int64) Vector {
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = r.Int63n(2*span+1) - span
	}
	return V(vals...)
}

func TestRegion_Canonicalize(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		n := 1 + r.Intn(4)
		a, b := randVector(r, n, 50), randVector(r, n, 50)
		ab := R(a, b)
		ba := R(b, a)
		if ab != ba {
			t.Fatalf("canonicalize not symmetric: %s vs %s", ab, ba)
		}
		for ax := 0; ax < n; ax++ {
			if ab.Lower().At(ax) > ab.Upper().At(ax) {
				t.Fatalf("lower > upper on axis %d: %s", ax, ab)
			}
		}
		if ab.Volume() < 1 {
			t.Fatalf("volume < 1: %s", ab)
		}
	}

	if _, err := NewRegion(V(0, 0), V(0, 0, 0)); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestRegion_ContainsVolumeIndex(t *testing.T) {
	reg := R(V(2, -1, 0), V(-1, 1, 3))
	if reg.Lower() != V(-1, -1, 0) || reg.Upper() != V(2, 1, 3) {
		t.Fatalf("canonical corners: %s", reg)
	}
	if reg.Volume() != 4*3*4 {
		t.Fatalf("Volume = %d", reg.Volume())
	}
	in, err := reg.Contains(V(2, 1, 3))
	if err != nil || !in {
		t.Fatalf("upper corner should be contained: %v %v", in, err)
	}
	in, _ = reg.Contains(V(3, 1, 3))
	if in {
		t.Fatalf("point past upper contained")
	}
	if _, err := reg.Contains(V(0, 0)); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	seen := map[int64]bool{}
	var order []Vector
	reg.Each(func(p Vector) bool {
		idx, err := reg.LinearIndex(p)
		if err != nil {
			t.Fatalf("LinearIndex(%s): %v", p, err)
		}
		if idx != int64(len(order)) {
			t.Fatalf("Each order disagrees with LinearIndex at %s: %d", p, idx)
		}
		seen[idx] = true
		order = append(order, p)
		return true
	})
	if int64(len(seen)) != reg.Volume() {
		t.Fatalf("visited %d cells, volume %d", len(seen), reg.Volume())
	}
	if order[1] != V(0, -1, 0) {
		t.Fatalf("axis 0 should vary fastest, second cell = %s", order[1])
	}

	if _, err := reg.LinearIndex(V(-2, 0, 0)); !errors.Is(err, ErrNotContained) {
		t.Fatalf("expected ErrNotContained, got %v", err)
	}
}

func TestRegion_EachStops(t *testing.T) {
	n := 0
	R(V(0, 0), V(9, 9)).Each(func(Vector) bool {
		n++
		return n < 3
	})
	if n != 3 {
		t.Fatalf("Each visited %d cells after stop", n)
	}
}

func TestRegion_Intersect(t *testing.T) {
	a := R(V(0, 0), V(5, 5))
	b := R(V(3, -2), V(8, 4))
	got, ok, err := a.Intersect(b)
	if err != nil || !ok {
		t.Fatalf("Intersect: ok=%v err=%v", ok, err)
	}
	if got != R(V(3, 0), V(5, 4)) {
		t.Fatalf("Intersect = %s", got)
	}
	if _, ok, _ := a.Intersect(R(V(6, 0), V(7, 5))); ok {
		t.Fatalf("disjoint regions intersected")
	}
	if _, _, err := a.Intersect(R(V(0), V(1))); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	r := rand.New(rand.NewSource(2))
	for i := 0; i < 500; i++ {
		n := 1 + r.Intn(4)
		x := R(randVector(r, n, 20), randVector(r, n, 20))
		y := R(randVector(r, n, 20), randVector(r, n, 20))
		xy, okXY, _ := x.Intersect(y)
		yx, okYX, _ := y.Intersect(x)
		if okXY != okYX || xy != yx {
			t.Fatalf("Intersect not symmetric for %s and %s", x, y)
		}
		self, ok, _ := x.Intersect(x)
		if !ok || self != x {
			t.Fatalf("Intersect(R,R) != R for %s", x)
		}
	}
}

func TestRegion_CentroidDistance(t *testing.T) {
	reg := R(V(0, 0), V(2, 2))
	d, err := reg.CentroidDistance(V(1, 1))
	if err != nil || d != 0 {
		t.Fatalf("centroid distance = %v %v", d, err)
	}
	d, _ = R(V(0), V(1)).CentroidDistance(V(3))
	if d != 2.5 {
		t.Fatalf("centroid distance = %v", d)
	}
}

func TestRegion_Grow(t *testing.T) {
	g, err := R(V(0, 0, 0), V(9, 4, 9)).Grow(V(20, 1, 20))
	if err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if g != R(V(-20, -1, -20), V(29, 5, 29)) {
		t.Fatalf("Grow = %s", g)
	}
}

func TestRegion_VolumeChecked(t *testing.T) {
	if v, ok := R(V(-1, 0, 2), V(1, 3, 2)).VolumeChecked(); !ok || v != 12 {
		t.Fatalf("VolumeChecked = %d %v", v, ok)
	}
	cases := []Region{
		// Widths 2^44+1 and 2^20 wrap to 2^20 when multiplied unchecked.
		R(V(0, 0), V(1<<44, 1<<20-1)),
		// A single axis wider than int64.
		R(V(math.MinInt64), V(math.MaxInt64)),
		R(V(-1), V(math.MaxInt64-1)),
	}
	for _, r := range cases {
		if v, ok := r.VolumeChecked(); ok {
			t.Fatalf("%s: VolumeChecked = %d, want overflow", r, v)
		}
	}
	if v, ok := R(V(0), V(math.MaxInt64-1)).VolumeChecked(); !ok || v != math.MaxInt64 {
		t.Fatalf("widest axis = %d %v", v, ok)
	}
}
