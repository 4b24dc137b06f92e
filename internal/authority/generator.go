package authority

import (
	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

// Generator produces the content of a chunk that has never been stored.
// Blocks are returned in the chunk's row-major order.
type Generator interface {
	Generate(chunk space.Region) []encoding.Block
}

type GeneratorFunc func(chunk space.Region) []encoding.Block

func (f GeneratorFunc) Generate(chunk space.Region) []encoding.Block { return f(chunk) }

// Empty leaves every cell uninitialized.
var Empty Generator = GeneratorFunc(func(chunk space.Region) []encoding.Block {
	return make([]encoding.Block, chunk.Volume())
})

// Flat fills every cell below Level on GroundAxis with Fill, restricted to
// cells whose LayerAxis coordinate is 0 when LayerAxis is set. Everything
// else stays uninitialized.
type Flat struct {
	GroundAxis int
	Level      int64
	LayerAxis  int // -1 when the space has no layer axis
	Fill       []byte
}

func (f Flat) Generate(chunk space.Region) []encoding.Block {
	out := make([]encoding.Block, 0, chunk.Volume())
	fill := encoding.NewBlock(f.Fill)
	chunk.Each(func(p space.Vector) bool {
		if p.At(f.GroundAxis) < f.Level && (f.LayerAxis < 0 || p.At(f.LayerAxis) == 0) {
			out = append(out, fill)
		} else {
			out = append(out, encoding.Uninitialized())
		}
		return true
	})
	return out
}
