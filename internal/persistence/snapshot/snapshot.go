package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	WorldID   string `json:"world_id"`
	Seq       uint64 `json:"seq"`
	CreatedAt string `json:"created_at"`
}

// SnapshotV1 is the whole authority world: its grid and every chunk.
type SnapshotV1 struct {
	Header Header `json:"header"`

	ChunkSize []int64   `json:"chunk_size"`
	Chunks    []ChunkV1 `json:"chunks"`
}

type ChunkV1 struct {
	Lower   []int64 `json:"lower"`
	Upper   []int64 `json:"upper"`
	Lengths []int64 `json:"lengths"`
	Data    []byte  `json:"data"`
}

// FromCuboids builds a snapshot of the given chunks.
func FromCuboids(h Header, g space.Grid, cs []encoding.Cuboid) SnapshotV1 {
	snap := SnapshotV1{Header: h}
	snap.Header.Version = Version
	for i := 0; i < g.Dims(); i++ {
		snap.ChunkSize = append(snap.ChunkSize, g.Width(i))
	}
	for _, c := range cs {
		snap.Chunks = append(snap.Chunks, ChunkV1{
			Lower:   c.Region.Lower().Values(),
			Upper:   c.Region.Upper().Values(),
			Lengths: c.Lengths,
			Data:    c.Data,
		})
	}
	return snap
}

// Cuboids converts the stored chunks back, checking them against g.
func (s SnapshotV1) Cuboids(g space.Grid) ([]encoding.Cuboid, error) {
	if len(s.ChunkSize) != g.Dims() {
		return nil, fmt.Errorf("snapshot grid has %d axes, want %d", len(s.ChunkSize), g.Dims())
	}
	for i, w := range s.ChunkSize {
		if w != g.Width(i) {
			return nil, fmt.Errorf("snapshot chunk_size[%d]=%d, want %d", i, w, g.Width(i))
		}
	}
	out := make([]encoding.Cuboid, 0, len(s.Chunks))
	for _, ch := range s.Chunks {
		lo, err := space.NewVector(ch.Lower...)
		if err != nil {
			return nil, err
		}
		hi, err := space.NewVector(ch.Upper...)
		if err != nil {
			return nil, err
		}
		r, err := space.NewRegion(lo, hi)
		if err != nil {
			return nil, err
		}
		c := encoding.Cuboid{Region: r, Lengths: ch.Lengths, Data: ch.Data}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", r, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line duplicates what gob carries; it is there for tools.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("snapshot version %d not supported", snap.Header.Version)
	}
	return snap, nil
}

// PathFor names the snapshot with sequence number seq under dir.
func PathFor(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.snap.zst", seq))
}

// Latest returns the highest-numbered snapshot in dir, or "" if none.
func Latest(dir string) (path string, seq uint64) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", 0
	}
	var seqs []uint64
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	if len(seqs) == 0 {
		return "", 0
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	seq = seqs[len(seqs)-1]
	return PathFor(dir, seq), seq
}
