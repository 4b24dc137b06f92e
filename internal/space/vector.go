package space

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxDims bounds the number of axes a Vector can carry. Keeping the storage
// fixed makes Vector and Region plain comparable values (usable as map keys).
const MaxDims = 8

var (
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrTooManyDims       = errors.New("too many dimensions")
	ErrAxisRange         = errors.New("axis out of range")
)

// Vector is an immutable point in N-dimensional integer space.
type Vector struct {
	n int
	v [MaxDims]int64
}

// V builds a Vector from its components. It panics on more than MaxDims
// components; use NewVector when the input is not a literal.
func V(vals ...int64) Vector {
	vec, err := NewVector(vals...)
	if err != nil {
		panic(err)
	}
	return vec
}

func NewVector(vals ...int64) (Vector, error) {
	var vec Vector
	if len(vals) > MaxDims {
		return vec, fmt.Errorf("%w: %d > %d", ErrTooManyDims, len(vals), MaxDims)
	}
	vec.n = len(vals)
	copy(vec.v[:], vals)
	return vec, nil
}

// Origin returns the all-zero vector with n axes.
func Origin(n int) Vector {
	if n > MaxDims {
		n = MaxDims
	}
	return Vector{n: n}
}

func (a Vector) Dims() int { return a.n }

// At returns the value along axis. Axes past Dims read as zero.
func (a Vector) At(axis int) int64 {
	if axis < 0 || axis >= a.n {
		return 0
	}
	return a.v[axis]
}

// Values returns a copy of the components.
func (a Vector) Values() []int64 {
	out := make([]int64, a.n)
	copy(out, a.v[:a.n])
	return out
}

func (a Vector) Add(b Vector) (Vector, error) {
	if a.n != b.n {
		return Vector{}, mismatch(a.n, b.n)
	}
	out := a
	for i := 0; i < a.n; i++ {
		out.v[i] += b.v[i]
	}
	return out, nil
}

func (a Vector) Sub(b Vector) (Vector, error) {
	if a.n != b.n {
		return Vector{}, mismatch(a.n, b.n)
	}
	out := a
	for i := 0; i < a.n; i++ {
		out.v[i] -= b.v[i]
	}
	return out, nil
}

func (a Vector) WithAxis(axis int, value int64) (Vector, error) {
	if axis < 0 || axis >= a.n {
		return Vector{}, fmt.Errorf("%w: %d (dims=%d)", ErrAxisRange, axis, a.n)
	}
	out := a
	out.v[axis] = value
	return out, nil
}

// DistanceTo is the Euclidean distance. Only used for ordering heuristics.
func (a Vector) DistanceTo(b Vector) (float64, error) {
	if a.n != b.n {
		return 0, mismatch(a.n, b.n)
	}
	var sum float64
	for i := 0; i < a.n; i++ {
		d := float64(a.v[i] - b.v[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Compare orders by dimension count first, then lexicographically by axis.
func (a Vector) Compare(b Vector) int {
	if a.n != b.n {
		if a.n < b.n {
			return -1
		}
		return 1
	}
	for i := 0; i < a.n; i++ {
		switch {
		case a.v[i] < b.v[i]:
			return -1
		case a.v[i] > b.v[i]:
			return 1
		}
	}
	return 0
}

func (a Vector) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := 0; i < a.n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.FormatInt(a.v[i], 10))
	}
	sb.WriteByte(')')
	return sb.String()
}

func mismatch(a, b int) error {
	return fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, a, b)
}

// floorDiv rounds toward negative infinity. b > 0.
func floorDiv(a, b int64) int64 {
	q := a / b
	if r := a % b; r != 0 && (r < 0) != (b < 0) {
		q--
	}
	return q
}
