package encoding

import (
	"errors"
	"fmt"

	"chunkstream.ai/internal/space"
)

var ErrPayload = errors.New("malformed cuboid payload")

// Cuboid is the block content of a region as it travels between the authority
// and a cache: one length per cell in row-major order (negative means
// uninitialized) and the positive-length payloads packed back to back.
type Cuboid struct {
	Region  space.Region
	Lengths []int64
	Data    []byte
}

// NewCuboid packs blocks, given in the region's row-major order.
func NewCuboid(region space.Region, blocks []Block) (Cuboid, error) {
	if int64(len(blocks)) != region.Volume() {
		return Cuboid{}, fmt.Errorf("%w: %d blocks for volume %d", ErrPayload, len(blocks), region.Volume())
	}
	c := Cuboid{Region: region, Lengths: make([]int64, len(blocks))}
	for i, b := range blocks {
		if !b.set {
			c.Lengths[i] = -1
			continue
		}
		c.Lengths[i] = int64(len(b.data))
		c.Data = append(c.Data, b.data...)
	}
	return c, nil
}

// UninitializedCuboid is a region with every cell unset.
func UninitializedCuboid(region space.Region) Cuboid {
	lengths := make([]int64, region.Volume())
	for i := range lengths {
		lengths[i] = -1
	}
	return Cuboid{Region: region, Lengths: lengths}
}

// Validate checks the lengths against the region volume and the payload
// size. It is safe on untrusted input.
func (c Cuboid) Validate() error {
	vol, ok := c.Region.VolumeChecked()
	if !ok {
		return fmt.Errorf("%w: %w: %s", ErrPayload, space.ErrRegionTooLarge, c.Region)
	}
	if int64(len(c.Lengths)) != vol {
		return fmt.Errorf("%w: %d lengths for volume %d", ErrPayload, len(c.Lengths), vol)
	}
	var total int64
	size := int64(len(c.Data))
	for i, l := range c.Lengths {
		if l <= 0 {
			continue
		}
		if l > size-total {
			return fmt.Errorf("%w: length %d at cell %d overruns %d data bytes", ErrPayload, l, i, size)
		}
		total += l
	}
	if total != size {
		return fmt.Errorf("%w: lengths sum to %d, data has %d bytes", ErrPayload, total, size)
	}
	return nil
}

// Offsets is the running sum of positive lengths.
func (c Cuboid) Offsets() []int64 {
	out := make([]int64, len(c.Lengths))
	var total int64
	for i, l := range c.Lengths {
		out[i] = total
		if l > 0 {
			total += l
		}
	}
	return out
}

// Each decodes every cell in row-major order. The cuboid must be valid.
func (c Cuboid) Each(dec Decoder, fn func(p space.Vector, b Block)) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if dec == nil {
		dec = RawDecoder
	}
	var (
		i      int
		off    int64
		decErr error
	)
	c.Region.Each(func(p space.Vector) bool {
		l := c.Lengths[i]
		i++
		if l < 0 {
			fn(p, Uninitialized())
			return true
		}
		b, err := dec.Decode(c.Data[off : off+l])
		if err != nil {
			decErr = fmt.Errorf("decode block at %s: %w", p, err)
			return false
		}
		off += l
		fn(p, b)
		return true
	})
	return decErr
}
