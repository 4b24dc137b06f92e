// Package archive keeps a sparse long-term copy of world snapshots and
// prunes the rolling snapshot directory.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"chunkstream.ai/internal/persistence/snapshot"
)

type Meta struct {
	WorldID   string  `json:"world_id"`
	Seq       uint64  `json:"seq"`
	Chunks    int     `json:"chunks"`
	ChunkSize []int64 `json:"chunk_size"`
	Snapshot  string  `json:"snapshot"`
	CreatedAt string  `json:"created_at"`
}

// ArchiveSnapshot copies every every-th snapshot into
// `worldDir/archives/seq_<NNNNNN>/` next to a meta.json. It returns
// archived=false for the snapshots in between.
func ArchiveSnapshot(worldDir, snapshotPath string, snap snapshot.SnapshotV1, every uint64) (archivedPath string, archived bool, err error) {
	if every == 0 || snap.Header.Seq == 0 || snap.Header.Seq%every != 0 {
		return "", false, nil
	}

	archiveDir := filepath.Join(worldDir, "archives", fmt.Sprintf("seq_%06d", snap.Header.Seq))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, err
	}

	meta := Meta{
		WorldID:   snap.Header.WorldID,
		Seq:       snap.Header.Seq,
		Chunks:    len(snap.Chunks),
		ChunkSize: snap.ChunkSize,
		Snapshot:  filepath.Base(dst),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return dst, true, nil
}

// Prune deletes all but the keep newest snapshots in dir and returns how
// many it removed. keep <= 0 keeps everything.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
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
	if len(seqs) <= keep {
		return 0, nil
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	removed := 0
	for _, n := range seqs[:len(seqs)-keep] {
		if err := os.Remove(snapshot.PathFor(dir, n)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
