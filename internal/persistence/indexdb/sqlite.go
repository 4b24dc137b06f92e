package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

// SQLiteStore persists authority chunks and a block write audit trail.
// Saves are queued to a single writer goroutine; loads read through the
// queue so a chunk saved and then loaded again is never stale.
type SQLiteStore struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	mu      sync.Mutex
	pending map[string]pendingChunk
	seq     uint64

	dropWriteTotal atomic.Uint64
}

type pendingChunk struct {
	seq uint64
	c   encoding.Cuboid
}

type reqKind int

const (
	reqChunk reqKind = iota + 1
	reqWrite
)

type req struct {
	kind reqKind

	key   string
	seq   uint64
	chunk encoding.Cuboid
	write writeRow
}

type writeRow struct {
	SessionID  string
	Region     space.Region
	Cells      int
	RecordedAt string
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	Pending        int
	DropWriteTotal uint64
}

func OpenSQLite(path string, queue int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if queue <= 0 {
		queue = 1024
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:      db,
		ch:      make(chan req, queue),
		pending: map[string]pendingChunk{},
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			key TEXT PRIMARY KEY,
			dims INTEGER NOT NULL,
			lower_json TEXT NOT NULL,
			upper_json TEXT NOT NULL,
			lengths TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS writes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			lower_json TEXT NOT NULL,
			upper_json TEXT NOT NULL,
			cells INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_writes_session ON writes(session_id, seq);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func chunkKey(r space.Region) string {
	return r.String()
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// SaveChunk queues a chunk for writing. It blocks when the queue is full:
// chunk content is never dropped.
func (s *SQLiteStore) SaveChunk(c encoding.Cuboid) {
	if s == nil || s.closed.Load() {
		return
	}
	key := chunkKey(c.Region)
	c = encoding.Cuboid{
		Region:  c.Region,
		Lengths: append([]int64(nil), c.Lengths...),
		Data:    append([]byte(nil), c.Data...),
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.pending[key] = pendingChunk{seq: seq, c: c}
	s.mu.Unlock()
	s.ch <- req{kind: reqChunk, key: key, seq: seq, chunk: c}
}

// RecordWrite appends to the audit trail. Entries are dropped when the
// writer falls behind.
func (s *SQLiteStore) RecordWrite(sessionID string, region space.Region, cells int) {
	if s == nil || s.closed.Load() {
		return
	}
	r := writeRow{
		SessionID:  sessionID,
		Region:     region,
		Cells:      cells,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqWrite, write: r}:
	default:
		s.dropWriteTotal.Add(1)
	}
}

func (s *SQLiteStore) LoadChunk(chunk space.Region) (encoding.Cuboid, bool, error) {
	key := chunkKey(chunk)
	s.mu.Lock()
	p, ok := s.pending[key]
	s.mu.Unlock()
	if ok {
		return p.c, true, nil
	}

	var (
		lengths string
		data    []byte
	)
	err := s.db.QueryRow(`SELECT lengths,data FROM chunks WHERE key=?`, key).Scan(&lengths, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return encoding.Cuboid{}, false, nil
	}
	if err != nil {
		return encoding.Cuboid{}, false, err
	}
	ls, err := encoding.DecodeLengthsRLE(lengths, int(chunk.Volume()))
	if err != nil {
		return encoding.Cuboid{}, false, fmt.Errorf("chunk %s: %w", key, err)
	}
	c := encoding.Cuboid{Region: chunk, Lengths: ls, Data: data}
	if err := c.Validate(); err != nil {
		return encoding.Cuboid{}, false, fmt.Errorf("chunk %s: %w", key, err)
	}
	return c, true, nil
}

func (s *SQLiteStore) ChunkCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		Pending:        pending,
		DropWriteTotal: s.dropWriteTotal.Load(),
	}
}

func (s *SQLiteStore) loop() {
	ctx := context.Background()

	upsertChunk, _ := s.db.Prepare(`INSERT OR REPLACE INTO chunks(key,dims,lower_json,upper_json,lengths,data,updated_at) VALUES(?,?,?,?,?,?,?)`)
	insertWrite, _ := s.db.Prepare(`INSERT INTO writes(session_id,lower_json,upper_json,cells,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if upsertChunk != nil {
			_ = upsertChunk.Close()
		}
		if insertWrite != nil {
			_ = insertWrite.Close()
		}
	}()

	var (
		tx        *sql.Tx
		committed []req
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
	}
	// Chunks leave the pending map only once their row is durable, and only
	// if no newer save replaced them meanwhile.
	settle := func(ok bool) {
		if ok {
			s.mu.Lock()
			for _, r := range committed {
				if p, ok := s.pending[r.key]; ok && p.seq == r.seq {
					delete(s.pending, r.key)
				}
			}
			s.mu.Unlock()
		}
		committed = committed[:0]
	}
	commit := func() {
		if tx == nil {
			return
		}
		err := tx.Commit()
		tx = nil
		settle(err == nil)
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		settle(false)
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqChunk:
			if upsertChunk == nil {
				continue
			}
			lo, _ := json.Marshal(r.chunk.Region.Lower().Values())
			hi, _ := json.Marshal(r.chunk.Region.Upper().Values())
			data := r.chunk.Data
			if data == nil {
				data = []byte{}
			}
			if _, err := tx.Stmt(upsertChunk).Exec(
				r.key,
				r.chunk.Region.Dims(),
				string(lo),
				string(hi),
				encoding.EncodeLengthsRLE(r.chunk.Lengths),
				data,
				time.Now().UTC().Format(time.RFC3339Nano),
			); err != nil {
				rollback()
				continue
			}
			committed = append(committed, r)

		case reqWrite:
			if insertWrite == nil {
				continue
			}
			lo, _ := json.Marshal(r.write.Region.Lower().Values())
			hi, _ := json.Marshal(r.write.Region.Upper().Values())
			if _, err := tx.Stmt(insertWrite).Exec(r.write.SessionID, string(lo), string(hi), r.write.Cells, r.write.RecordedAt); err != nil {
				rollback()
				continue
			}
		}
		// Keep transactions short: loads share the single connection.
		if len(s.ch) == 0 {
			commit()
		}
	}

	commit()
}
