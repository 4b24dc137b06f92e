package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// EncodeLengthsRLE encodes a cuboid lengths array into base64(varint pairs).
// Pairs are (zigzag length, run) repeated, so the common "all uninitialized"
// or "all one-byte blocks" chunk costs a handful of bytes.
func EncodeLengthsRLE(lengths []int64) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(lengths) {
		v := lengths[i]
		run := 1
		for j := i + 1; j < len(lengths) && lengths[j] == v; j++ {
			run++
		}

		n := binary.PutVarint(tmp[:], v)
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeLengthsRLE reverses EncodeLengthsRLE. limit caps the decoded length so
// a hostile run cannot allocate unbounded memory.
func DecodeLengthsRLE(b64 string, limit int) ([]int64, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []int64
	for i := 0; i < len(raw); {
		v, n := binary.Varint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if run == 0 || run > uint64(limit-len(out)) {
			return nil, fmt.Errorf("%w: run of %d exceeds limit %d", ErrPayload, run, limit)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, v)
		}
	}
	return out, nil
}
