package protocol

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

// Block payload encodings.
const (
	EncodingRaw  = "RAW"
	EncodingZstd = "ZSTD"
)

const (
	// MaxCuboidVolume bounds the cell count of one decoded cuboid.
	MaxCuboidVolume = 1 << 22
	maxPayloadBytes = 64 << 20
)

var (
	zenc = mustEncoder()
	zdec = mustDecoder()
)

func mustEncoder() *zstd.Encoder {
	e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(err)
	}
	return e
}

func mustDecoder() *zstd.Decoder {
	d, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadBytes))
	if err != nil {
		panic(err)
	}
	return d
}

func RegionOf(r space.Region) Region {
	return Region{Lower: r.Lower().Values(), Upper: r.Upper().Values()}
}

// Space converts and canonicalizes a wire region.
func (r Region) Space() (space.Region, error) {
	if len(r.Lower) == 0 {
		return space.Region{}, fmt.Errorf("%w: empty region", ErrMalformed)
	}
	lo, err := space.NewVector(r.Lower...)
	if err != nil {
		return space.Region{}, err
	}
	hi, err := space.NewVector(r.Upper...)
	if err != nil {
		return space.Region{}, err
	}
	return space.NewRegion(lo, hi)
}

func RegionsOf(rs []space.Region) []Region {
	out := make([]Region, len(rs))
	for i, r := range rs {
		out[i] = RegionOf(r)
	}
	return out
}

func EncodeCuboid(c encoding.Cuboid, enc string) (Cuboid, error) {
	if err := c.Validate(); err != nil {
		return Cuboid{}, err
	}
	out := Cuboid{
		Region:   RegionOf(c.Region),
		Lengths:  encoding.EncodeLengthsRLE(c.Lengths),
		Encoding: enc,
	}
	switch enc {
	case EncodingRaw:
		out.Data = base64.StdEncoding.EncodeToString(c.Data)
	case EncodingZstd:
		out.Data = base64.StdEncoding.EncodeToString(zenc.EncodeAll(c.Data, nil))
	default:
		return Cuboid{}, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}
	return out, nil
}

func DecodeCuboid(w Cuboid) (encoding.Cuboid, error) {
	r, err := w.Region.Space()
	if err != nil {
		return encoding.Cuboid{}, fmt.Errorf("cuboid region: %w", err)
	}
	vol, ok := r.VolumeChecked()
	if !ok {
		return encoding.Cuboid{}, fmt.Errorf("%w: %w: %s", ErrCuboidTooLarge, space.ErrRegionTooLarge, r)
	}
	if vol > MaxCuboidVolume {
		return encoding.Cuboid{}, fmt.Errorf("%w: volume %d", ErrCuboidTooLarge, vol)
	}
	lengths, err := encoding.DecodeLengthsRLE(w.Lengths, int(vol))
	if err != nil {
		return encoding.Cuboid{}, fmt.Errorf("%w: lengths: %v", encoding.ErrPayload, err)
	}
	raw, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return encoding.Cuboid{}, fmt.Errorf("%w: data: %v", encoding.ErrPayload, err)
	}
	var data []byte
	switch w.Encoding {
	case EncodingRaw:
		data = raw
	case EncodingZstd:
		if len(raw) > 0 {
			data, err = zdec.DecodeAll(raw, nil)
			if err != nil {
				return encoding.Cuboid{}, fmt.Errorf("%w: zstd: %v", encoding.ErrPayload, err)
			}
		}
	default:
		return encoding.Cuboid{}, fmt.Errorf("%w: %q", ErrUnknownEncoding, w.Encoding)
	}
	c := encoding.Cuboid{Region: r, Lengths: lengths, Data: data}
	if err := c.Validate(); err != nil {
		return encoding.Cuboid{}, err
	}
	return c, nil
}
