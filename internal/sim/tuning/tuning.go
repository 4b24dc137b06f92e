package tuning

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"chunkstream.ai/internal/space"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Dims           int     `yaml:"dims"`
	ChunkSize      []int64 `yaml:"chunk_size"`
	MaxOutstanding int     `yaml:"max_outstanding"`

	Viewport Viewport `yaml:"viewport"`

	// Single-block regions kept resident next to the viewport.
	PlayerBlock    []int64 `yaml:"player_block"`
	InventoryBlock []int64 `yaml:"inventory_block"`

	WriteQueue int `yaml:"write_queue"`
}

type Viewport struct {
	Size    []int64 `yaml:"size"`
	Padding []int64 `yaml:"padding"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		Dims:            4,
		ChunkSize:       []int64{16, 4, 16, 1},
		MaxOutstanding:  2,
		Viewport: Viewport{
			Size:    []int64{32, 8, 32, 1},
			Padding: []int64{20, 1, 20, 0},
		},
		PlayerBlock:    []int64{0, 0, 0, 1},
		InventoryBlock: []int64{0, 0, 0, 2},
		WriteQueue:     1024,
	}
}

// Load reads path over Defaults, so a file only needs the keys it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.Dims < 1 || t.Dims > space.MaxDims {
		return fmt.Errorf("dims %d out of range [1,%d]", t.Dims, space.MaxDims)
	}
	vecs := []struct {
		name string
		v    []int64
	}{
		{"chunk_size", t.ChunkSize},
		{"viewport.size", t.Viewport.Size},
		{"viewport.padding", t.Viewport.Padding},
		{"player_block", t.PlayerBlock},
		{"inventory_block", t.InventoryBlock},
	}
	for _, x := range vecs {
		if len(x.v) != t.Dims {
			return fmt.Errorf("%s has %d components, dims is %d", x.name, len(x.v), t.Dims)
		}
	}
	for i, w := range t.ChunkSize {
		if w < 1 {
			return fmt.Errorf("chunk_size[%d] = %d, must be >= 1", i, w)
		}
	}
	for i, w := range t.Viewport.Size {
		if w < 1 {
			return fmt.Errorf("viewport.size[%d] = %d, must be >= 1", i, w)
		}
	}
	for i, p := range t.Viewport.Padding {
		if p < 0 {
			return fmt.Errorf("viewport.padding[%d] = %d, must be >= 0", i, p)
		}
	}
	if t.MaxOutstanding < 1 {
		return errors.New("max_outstanding must be >= 1")
	}
	if t.WriteQueue < 1 {
		return errors.New("write_queue must be >= 1")
	}
	return nil
}

// Grid builds the chunk grid described by chunk_size.
func (t Tuning) Grid() (space.Grid, error) {
	return space.GridOf(t.ChunkSize...)
}
