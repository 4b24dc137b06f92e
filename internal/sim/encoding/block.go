package encoding

import "bytes"

// Block is one cell's opaque payload. The zero Block is the "uninitialized"
// sentinel (wire length < 0).
type Block struct {
	data []byte
	set  bool
}

func NewBlock(data []byte) Block {
	b := Block{data: make([]byte, len(data)), set: true}
	copy(b.data, data)
	return b
}

func Uninitialized() Block { return Block{} }

func (b Block) Initialized() bool { return b.set }
func (b Block) Len() int          { return len(b.data) }

// Bytes returns a copy of the payload.
func (b Block) Bytes() []byte {
	if !b.set {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b Block) Equal(o Block) bool {
	return b.set == o.set && bytes.Equal(b.data, o.data)
}

func (b Block) String() string {
	if !b.set {
		return "<uninitialized>"
	}
	return string(b.data)
}

// Decoder turns a raw block payload into a Block. The world schema supplies
// the real implementation; RawDecoder keeps the bytes as-is.
type Decoder interface {
	Decode(raw []byte) (Block, error)
}

type DecoderFunc func(raw []byte) (Block, error)

func (f DecoderFunc) Decode(raw []byte) (Block, error) { return f(raw) }

var RawDecoder Decoder = DecoderFunc(func(raw []byte) (Block, error) {
	return NewBlock(raw), nil
})
