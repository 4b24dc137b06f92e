package encoding

import (
	"errors"
	"math"
	"testing"

	"chunkstream.ai/internal/space"
)

func TestCuboid_PackAndEach(t *testing.T) {
	reg := space.R(space.V(0, 0), space.V(1, 1))
	blocks := []Block{NewBlock([]byte("ab")), Uninitialized(), NewBlock(nil), NewBlock([]byte("xyz"))}
	c, err := NewCuboid(reg, blocks)
	if err != nil {
		t.Fatalf("NewCuboid: %v", err)
	}
	if string(c.Data) != "abxyz" {
		t.Fatalf("Data = %q", c.Data)
	}
	want := []int64{2, -1, 0, 3}
	offs := []int64{0, 2, 2, 2}
	for i := range want {
		if c.Lengths[i] != want[i] || c.Offsets()[i] != offs[i] {
			t.Fatalf("cell %d: len=%d off=%d", i, c.Lengths[i], c.Offsets()[i])
		}
	}

	var got []Block
	var pts []space.Vector
	if err := c.Each(nil, func(p space.Vector, b Block) {
		pts = append(pts, p)
		got = append(got, b)
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	for i := range blocks {
		if !got[i].Equal(blocks[i]) {
			t.Fatalf("cell %d = %v, want %v", i, got[i], blocks[i])
		}
	}
	if pts[1] != space.V(1, 0) || pts[2] != space.V(0, 1) {
		t.Fatalf("unexpected iteration order %v", pts)
	}
	if !got[2].Initialized() || got[2].Len() != 0 {
		t.Fatalf("empty payload must still be initialized")
	}
}

func TestCuboid_Validate(t *testing.T) {
	reg := space.R(space.V(0), space.V(2))
	if err := (Cuboid{Region: reg, Lengths: []int64{1, 1}}).Validate(); !errors.Is(err, ErrPayload) {
		t.Fatalf("expected ErrPayload for short lengths, got %v", err)
	}
	if err := (Cuboid{Region: reg, Lengths: []int64{1, 1, -1}, Data: []byte("a")}).Validate(); !errors.Is(err, ErrPayload) {
		t.Fatalf("expected ErrPayload for short data, got %v", err)
	}
	if err := UninitializedCuboid(reg).Validate(); err != nil {
		t.Fatalf("uninitialized cuboid invalid: %v", err)
	}
	if _, err := NewCuboid(reg, []Block{Uninitialized()}); !errors.Is(err, ErrPayload) {
		t.Fatalf("expected ErrPayload, got %v", err)
	}
}

func TestCuboid_ValidateRejectsOverflow(t *testing.T) {
	reg := space.R(space.V(0), space.V(2))
	// The positive lengths wrap to 0 when summed unchecked.
	wrap := Cuboid{Region: reg, Lengths: []int64{math.MaxInt64, math.MaxInt64, 2}}
	if err := wrap.Validate(); !errors.Is(err, ErrPayload) {
		t.Fatalf("expected ErrPayload for wrapping lengths, got %v", err)
	}
	if err := wrap.Each(nil, func(space.Vector, Block) { t.Fatal("cell visited") }); !errors.Is(err, ErrPayload) {
		t.Fatalf("Each err = %v", err)
	}
	if err := (Cuboid{Region: reg, Lengths: []int64{4, -1, -1}, Data: []byte("abc")}).Validate(); !errors.Is(err, ErrPayload) {
		t.Fatalf("expected ErrPayload for overrun, got %v", err)
	}

	huge := Cuboid{Region: space.R(space.V(0, 0), space.V(1<<44, 1<<20-1)), Lengths: make([]int64, 1<<20)}
	if err := huge.Validate(); !errors.Is(err, space.ErrRegionTooLarge) {
		t.Fatalf("expected ErrRegionTooLarge, got %v", err)
	}
}

func TestCuboid_DecoderError(t *testing.T) {
	reg := space.R(space.V(0), space.V(1))
	c, _ := NewCuboid(reg, []Block{NewBlock([]byte("ok")), NewBlock([]byte("bad"))})
	boom := errors.New("unknown block")
	dec := DecoderFunc(func(raw []byte) (Block, error) {
		if string(raw) == "bad" {
			return Block{}, boom
		}
		return NewBlock(raw), nil
	})
	n := 0
	err := c.Each(dec, func(space.Vector, Block) { n++ })
	if !errors.Is(err, boom) || n != 1 {
		t.Fatalf("Each: n=%d err=%v", n, err)
	}
}

func TestBlock_Copies(t *testing.T) {
	src := []byte("stone")
	b := NewBlock(src)
	src[0] = 'X'
	out := b.Bytes()
	out[1] = 'Y'
	if b.String() != "stone" {
		t.Fatalf("block aliased caller memory: %q", b.String())
	}
	if Uninitialized().Initialized() || Uninitialized().Bytes() != nil {
		t.Fatalf("sentinel should be uninitialized")
	}
}
