package space

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrNotContained   = errors.New("point not contained in region")
	ErrRegionTooLarge = errors.New("region too large")
)

// Region is an axis-aligned hyper-rectangle with inclusive canonical corners.
// The zero Region is a single cell in zero-dimensional space.
type Region struct {
	lower Vector
	upper Vector
}

// NewRegion canonicalizes two arbitrary corners so that lower <= upper on
// every axis.
func NewRegion(a, b Vector) (Region, error) {
	if a.n != b.n {
		return Region{}, mismatch(a.n, b.n)
	}
	r := Region{lower: a, upper: b}
	for i := 0; i < a.n; i++ {
		if a.v[i] > b.v[i] {
			r.lower.v[i], r.upper.v[i] = b.v[i], a.v[i]
		}
	}
	return r, nil
}

// R is NewRegion for literals; it panics on mismatched corners.
func R(a, b Vector) Region {
	r, err := NewRegion(a, b)
	if err != nil {
		panic(err)
	}
	return r
}

// Cell is the single-block region at p.
func Cell(p Vector) Region { return Region{lower: p, upper: p} }

func (r Region) Lower() Vector { return r.lower }
func (r Region) Upper() Vector { return r.upper }
func (r Region) Dims() int     { return r.lower.n }

// Width is the cell count along axis.
func (r Region) Width(axis int) int64 {
	return r.upper.At(axis) - r.lower.At(axis) + 1
}

// Volume is the number of cells. Always >= 1 for regions whose volume fits
// in an int64; use VolumeChecked on regions that came off the wire.
func (r Region) Volume() int64 {
	total := int64(1)
	for i := 0; i < r.lower.n; i++ {
		total *= r.Width(i)
	}
	return total
}

// VolumeChecked is Volume with overflow detection. It reports false when
// the cell count, or the width along any axis, does not fit in an int64.
func (r Region) VolumeChecked() (int64, bool) {
	total := int64(1)
	for i := 0; i < r.lower.n; i++ {
		w, ok := span(r.lower.v[i], r.upper.v[i])
		if !ok || total > math.MaxInt64/w {
			return 0, false
		}
		total *= w
	}
	return total, true
}

// span is hi-lo+1 for lo <= hi, false when it overflows.
func span(lo, hi int64) (int64, bool) {
	d := uint64(hi) - uint64(lo)
	if d >= math.MaxInt64 {
		return 0, false
	}
	return int64(d) + 1, true
}

func (r Region) Contains(p Vector) (bool, error) {
	if p.n != r.lower.n {
		return false, mismatch(r.lower.n, p.n)
	}
	for i := 0; i < p.n; i++ {
		if p.v[i] < r.lower.v[i] || p.v[i] > r.upper.v[i] {
			return false, nil
		}
	}
	return true, nil
}

// LinearIndex flattens p in row-major order, axis 0 varying fastest.
func (r Region) LinearIndex(p Vector) (int64, error) {
	if p.n != r.lower.n {
		return 0, mismatch(r.lower.n, p.n)
	}
	var idx int64
	stride := int64(1)
	for i := 0; i < p.n; i++ {
		off := p.v[i] - r.lower.v[i]
		w := r.Width(i)
		if off < 0 || off >= w {
			return 0, fmt.Errorf("%w: %s in %s (axis %d)", ErrNotContained, p, r, i)
		}
		idx += off * stride
		stride *= w
	}
	return idx, nil
}

// Intersect returns the overlap of r and o. ok is false when they are
// disjoint along any axis.
func (r Region) Intersect(o Region) (out Region, ok bool, err error) {
	if r.lower.n != o.lower.n {
		return Region{}, false, mismatch(r.lower.n, o.lower.n)
	}
	out = r
	for i := 0; i < r.lower.n; i++ {
		lo := max(r.lower.v[i], o.lower.v[i])
		hi := min(r.upper.v[i], o.upper.v[i])
		if lo > hi {
			return Region{}, false, nil
		}
		out.lower.v[i], out.upper.v[i] = lo, hi
	}
	return out, true, nil
}

// CentroidDistance is the Euclidean distance from p to the geometric center.
func (r Region) CentroidDistance(p Vector) (float64, error) {
	if p.n != r.lower.n {
		return 0, mismatch(r.lower.n, p.n)
	}
	var sum float64
	for i := 0; i < p.n; i++ {
		lo := float64(r.lower.v[i])
		c := lo + (float64(r.upper.v[i])-lo)/2
		d := float64(p.v[i]) - c
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Grow returns r extended by pad on both sides of every axis.
func (r Region) Grow(pad Vector) (Region, error) {
	lo, err := r.lower.Sub(pad)
	if err != nil {
		return Region{}, err
	}
	hi, err := r.upper.Add(pad)
	if err != nil {
		return Region{}, err
	}
	return NewRegion(lo, hi)
}

func (r Region) Compare(o Region) int {
	if c := r.lower.Compare(o.lower); c != 0 {
		return c
	}
	return r.upper.Compare(o.upper)
}

func (r Region) String() string {
	return r.lower.String() + " -> " + r.upper.String()
}

// Each calls fn for every cell in row-major order until fn returns false.
func (r Region) Each(fn func(p Vector) bool) {
	p := r.lower
	for {
		if !fn(p) {
			return
		}
		i := 0
		for ; i < p.n; i++ {
			if p.v[i] < r.upper.v[i] {
				p.v[i]++
				break
			}
			p.v[i] = r.lower.v[i]
		}
		if i == p.n {
			return
		}
	}
}
