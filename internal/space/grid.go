package space

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrGridOrigin = errors.New("grid template lower corner is not the origin")
	ErrGridWidth  = errors.New("grid axis width must be >= 1")
)

// Grid is a chunk-size template: a Region anchored at the origin whose
// per-axis widths define the chunk cell size.
type Grid struct {
	tmpl Region
}

func NewGrid(tmpl Region) (Grid, error) {
	if tmpl.Dims() == 0 {
		return Grid{}, fmt.Errorf("%w: template has no axes", ErrGridWidth)
	}
	for i := 0; i < tmpl.Dims(); i++ {
		if tmpl.lower.v[i] != 0 {
			return Grid{}, fmt.Errorf("%w: %s", ErrGridOrigin, tmpl.lower)
		}
		if w := tmpl.Width(i); w < 1 {
			return Grid{}, fmt.Errorf("%w: axis %d has width %d", ErrGridWidth, i, w)
		}
	}
	return Grid{tmpl: tmpl}, nil
}

// GridOf builds a grid from per-axis widths.
func GridOf(widths ...int64) (Grid, error) {
	if len(widths) == 0 {
		return Grid{}, fmt.Errorf("%w: no axes", ErrGridWidth)
	}
	upper := make([]int64, len(widths))
	for i, w := range widths {
		if w < 1 {
			return Grid{}, fmt.Errorf("%w: axis %d has width %d", ErrGridWidth, i, w)
		}
		upper[i] = w - 1
	}
	hi, err := NewVector(upper...)
	if err != nil {
		return Grid{}, err
	}
	return NewGrid(Region{lower: Origin(len(widths)), upper: hi})
}

func (g Grid) Dims() int              { return g.tmpl.Dims() }
func (g Grid) Width(axis int) int64   { return g.tmpl.Width(axis) }
func (g Grid) Template() Region       { return g.tmpl }
func (g Grid) ChunkVolume() int64     { return g.tmpl.Volume() }
func (g Grid) Origin() Vector         { return Origin(g.Dims()) }
func (g Grid) String() string         { return "grid" + g.tmpl.upper.String() }
func (g Grid) widthsMinusOne() Vector { return g.tmpl.upper }

// Snap returns the chunk identity owning p.
func (g Grid) Snap(p Vector) (Region, error) {
	if p.n != g.Dims() {
		return Region{}, mismatch(g.Dims(), p.n)
	}
	var c Region
	c.lower.n, c.upper.n = p.n, p.n
	for i := 0; i < p.n; i++ {
		w := g.Width(i)
		start := floorDiv(p.v[i], w) * w
		c.lower.v[i] = start
		c.upper.v[i] = start + w - 1
	}
	return c, nil
}

// IsChunk reports whether r is exactly one grid-aligned chunk.
func (g Grid) IsChunk(r Region) bool {
	if r.Dims() != g.Dims() {
		return false
	}
	c, err := g.Snap(r.lower)
	return err == nil && c == r
}

// MaxDecompose bounds the chunk count Decompose will materialize.
const MaxDecompose = 1 << 24

// ChunkCount is the number of chunks Decompose would return for r. It fails
// with ErrRegionTooLarge when the count or a chunk corner overflows int64.
func (r Region) ChunkCount(g Grid) (int64, error) {
	lo, hi, err := r.chunkBounds(g)
	if err != nil {
		return 0, err
	}
	count := int64(1)
	for i := 0; i < lo.n; i++ {
		n, ok := span(lo.v[i], hi.v[i])
		if !ok || count > math.MaxInt64/n {
			return 0, fmt.Errorf("%w: %s covers too many chunks", ErrRegionTooLarge, r)
		}
		count *= n
	}
	return count, nil
}

// chunkBounds returns the first and last chunk index along every axis.
func (r Region) chunkBounds(g Grid) (lo, hi Vector, err error) {
	n := r.Dims()
	if n != g.Dims() {
		return Vector{}, Vector{}, mismatch(g.Dims(), n)
	}
	lo.n, hi.n = n, n
	for i := 0; i < n; i++ {
		w := g.Width(i)
		lo.v[i] = floorDiv(r.lower.v[i], w)
		hi.v[i] = floorDiv(r.upper.v[i], w)
		// The first chunk must start, and the last one end, inside int64.
		if lo.v[i] < math.MinInt64/w || hi.v[i] > (math.MaxInt64-(w-1))/w {
			return Vector{}, Vector{}, fmt.Errorf("%w: %s reaches past the last chunk on axis %d", ErrRegionTooLarge, r, i)
		}
	}
	return lo, hi, nil
}

// Decompose returns the minimal set of grid-aligned chunks covering r,
// ordered by Region.Compare. Regions spanning more than MaxDecompose chunks
// fail with ErrRegionTooLarge.
func (r Region) Decompose(g Grid) ([]Region, error) {
	count, err := r.ChunkCount(g)
	if err != nil {
		return nil, err
	}
	if count > MaxDecompose {
		return nil, fmt.Errorf("%w: %s covers %d chunks", ErrRegionTooLarge, r, count)
	}
	lo, hi, _ := r.chunkBounds(g)
	n := r.Dims()
	for i := 0; i < n; i++ {
		w := g.Width(i)
		lo.v[i] *= w
		hi.v[i] *= w
	}
	out := make([]Region, 0, count)

	// Odometer over the per-axis chunk starts.
	cur := lo
	ext := g.widthsMinusOne()
	for {
		c := Region{lower: cur, upper: cur}
		for i := 0; i < n; i++ {
			c.upper.v[i] += ext.v[i]
		}
		out = append(out, c)

		i := 0
		for ; i < n; i++ {
			if cur.v[i] < hi.v[i] {
				cur.v[i] += g.Width(i)
				break
			}
			cur.v[i] = lo.v[i]
		}
		if i == n {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}
