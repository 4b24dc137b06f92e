package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkstream.ai/internal/space"
)

func TestChunkLoggerWritesEvents(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	l := NewChunkLogger(dir)
	l.now = func() time.Time { return fixed }
	l.w.now = l.now

	a := space.R(space.V(0, 0), space.V(15, 15))
	l.OnChunkBecamePending(a)
	l.OnChunkWritten(a)
	l.OnChunkEvicted(a)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "chunks", "chunks-2026-03-04-05.jsonl.zst")
	evs, err := ReadChunkEvents(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{EventPending, EventWritten, EventEvicted}
	if len(evs) != len(want) {
		t.Fatalf("events = %+v", evs)
	}
	for i, ev := range evs {
		if ev.Event != want[i] {
			t.Fatalf("event %d = %q, want %q", i, ev.Event, want[i])
		}
		if len(ev.Upper) != 2 || ev.Upper[0] != 15 || ev.TS != "2026-03-04T05:06:07Z" {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}
}

func TestChunkLoggerCountsWriteFailures(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the log directory should be.
	if err := os.WriteFile(filepath.Join(dir, "chunks"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewChunkLogger(dir)
	defer l.Close()

	if n, err := l.Failures(); n != 0 || err != nil {
		t.Fatalf("failures before writing = %d %v", n, err)
	}
	a := space.R(space.V(0, 0), space.V(15, 15))
	l.OnChunkBecamePending(a)
	l.OnChunkEvicted(a)
	n, err := l.Failures()
	if n != 2 || err == nil {
		t.Fatalf("failures = %d %v", n, err)
	}
}

func TestJSONLZstdWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "x")
	now := time.Date(2026, 1, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	if err := w.Write(ChunkEvent{Event: "a"}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(ChunkEvent{Event: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	for _, hour := range []string{"10", "11"} {
		evs, err := ReadChunkEvents(filepath.Join(dir, "x-2026-01-01-"+hour+".jsonl.zst"))
		if err != nil || len(evs) != 1 {
			t.Fatalf("hour %s: %v %+v", hour, err, evs)
		}
	}
}
