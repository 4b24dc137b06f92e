package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"chunkstream.ai/internal/space"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ChunkEvent is one line of the chunk lifecycle log.
type ChunkEvent struct {
	TS    string  `json:"ts"`
	Event string  `json:"event"`
	Lower []int64 `json:"lower"`
	Upper []int64 `json:"upper"`
}

const (
	EventPending = "pending"
	EventWritten = "written"
	EventEvicted = "evicted"
)

// ChunkLogger records chunk cache lifecycle notifications as compressed
// JSONL. It satisfies chunkcache.Consumer. Consumer callbacks cannot fail,
// so write errors are counted and the latest one kept for Failures.
type ChunkLogger struct {
	w   *JSONLZstdWriter
	now func() time.Time

	failures atomic.Uint64
	mu       sync.Mutex
	lastErr  error
}

func NewChunkLogger(dir string) *ChunkLogger {
	return &ChunkLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "chunks"), "chunks"), now: time.Now}
}

func (l *ChunkLogger) OnChunkBecamePending(c space.Region) { l.write(EventPending, c) }
func (l *ChunkLogger) OnChunkWritten(c space.Region)       { l.write(EventWritten, c) }
func (l *ChunkLogger) OnChunkEvicted(c space.Region)       { l.write(EventEvicted, c) }
func (l *ChunkLogger) Close() error                        { return l.w.Close() }

// Failures is the number of events that could not be written and the most
// recent error.
func (l *ChunkLogger) Failures() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures.Load(), l.lastErr
}

func (l *ChunkLogger) write(event string, c space.Region) {
	err := l.w.Write(ChunkEvent{
		TS:    l.now().UTC().Format(time.RFC3339Nano),
		Event: event,
		Lower: c.Lower().Values(),
		Upper: c.Upper().Values(),
	})
	if err != nil {
		l.mu.Lock()
		l.failures.Add(1)
		l.lastErr = fmt.Errorf("chunk log %s %s: %w", event, c, err)
		l.mu.Unlock()
	}
}

// ReadChunkEvents decodes one log file written by ChunkLogger.
func ReadChunkEvents(path string) ([]ChunkEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []ChunkEvent
	jd := json.NewDecoder(bufio.NewReader(dec))
	for {
		var ev ChunkEvent
		if err := jd.Decode(&ev); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
