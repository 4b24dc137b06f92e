// Package authority holds the authoritative copy of the block world that
// chunk caches stream from.
package authority

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

var (
	ErrSessionExists  = errors.New("session already attached")
	ErrUnknownSession = errors.New("unknown session")
)

// MaxRequestChunks bounds how many chunks one Subscribe, Unsubscribe,
// Describe or Write may span in total.
const MaxRequestChunks = 1 << 14

// Store persists chunks between runs. SaveChunk may be asynchronous but a
// later LoadChunk must observe it.
type Store interface {
	LoadChunk(chunk space.Region) (encoding.Cuboid, bool, error)
	SaveChunk(c encoding.Cuboid)
}

// WriteRecorder keeps an audit trail of block writes.
type WriteRecorder interface {
	RecordWrite(sessionID string, region space.Region, cells int)
}

// Sink receives cuboids pushed to a session. Deliver is called with the world
// lock held, so every session sees changes in the order they were applied;
// it must only enqueue.
type Sink interface {
	Deliver(c encoding.Cuboid)
}

type SinkFunc func(c encoding.Cuboid)

func (f SinkFunc) Deliver(c encoding.Cuboid) { f(c) }

type Config struct {
	Grid      space.Grid
	Generator Generator
	// Optional. Without a store every chunk ever touched stays in memory.
	Store    Store
	Recorder WriteRecorder
	Metrics  *Metrics
	Logger   *log.Logger
}

type session struct {
	id   string
	sink Sink
	subs map[space.Region]struct{}
}

type World struct {
	grid     space.Grid
	gen      Generator
	store    Store
	recorder WriteRecorder
	metrics  *Metrics
	log      *log.Logger

	mu       sync.Mutex
	chunks   map[space.Region][]encoding.Block
	sessions map[string]*session
	// chunk -> number of sessions subscribed to it
	watchers map[space.Region]int
}

func NewWorld(cfg Config) (*World, error) {
	if cfg.Grid.Dims() == 0 {
		return nil, errors.New("authority: grid not set")
	}
	if cfg.Generator == nil {
		cfg.Generator = Empty
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &World{
		grid:     cfg.Grid,
		gen:      cfg.Generator,
		store:    cfg.Store,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		chunks:   map[space.Region][]encoding.Block{},
		sessions: map[string]*session{},
		watchers: map[space.Region]int{},
	}, nil
}

func (w *World) Grid() space.Grid { return w.grid }

func (w *World) Attach(id string, sink Sink) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	w.sessions[id] = &session{id: id, sink: sink, subs: map[space.Region]struct{}{}}
	w.metrics.setSessions(len(w.sessions))
	return nil
}

// Detach drops the session and all of its subscriptions.
func (w *World) Detach(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sessions[id]
	if s == nil {
		return
	}
	for ch := range s.subs {
		w.unwatchLocked(ch)
	}
	delete(w.sessions, id)
	w.metrics.setSessions(len(w.sessions))
	w.metrics.setResident(len(w.chunks))
}

// Subscribe registers the session for every chunk overlapping regions and
// delivers the current content of each region to its sink, in order.
func (w *World) Subscribe(id string, regions []space.Region) error {
	split, err := w.chunksOf(regions)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sessions[id]
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	defer func() { w.metrics.setResident(len(w.chunks)) }()
	for i, r := range regions {
		for _, ch := range split[i] {
			if _, err := w.ensureLocked(ch); err != nil {
				return err
			}
			if _, ok := s.subs[ch]; !ok {
				s.subs[ch] = struct{}{}
				w.watchers[ch]++
			}
		}
		c, err := w.describeLocked(r)
		if err != nil {
			return err
		}
		s.sink.Deliver(c)
	}
	return nil
}

// Unsubscribe drops the session's subscriptions for every chunk overlapping
// regions. Chunks nobody watches are unloaded when a store backs them.
func (w *World) Unsubscribe(id string, regions []space.Region) error {
	split, err := w.chunksOf(regions)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sessions[id]
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	for _, chunks := range split {
		for _, ch := range chunks {
			if _, ok := s.subs[ch]; !ok {
				continue
			}
			delete(s.subs, ch)
			w.unwatchLocked(ch)
		}
	}
	w.metrics.setResident(len(w.chunks))
	return nil
}

// Describe returns the content of any region without subscribing.
func (w *World) Describe(r space.Region) (encoding.Cuboid, error) {
	split, err := w.chunksOf([]space.Region{r})
	if err != nil {
		return encoding.Cuboid{}, fmt.Errorf("describe: %w", err)
	}
	chunks := split[0]
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range chunks {
		if _, err := w.ensureLocked(ch); err != nil {
			return encoding.Cuboid{}, err
		}
	}
	c, err := w.describeLocked(r)
	for _, ch := range chunks {
		w.maybeUnloadLocked(ch)
	}
	return c, err
}

// Write applies a cuboid and pushes the changed part of every touched chunk
// to the sessions subscribed to it, the writer included.
func (w *World) Write(id string, cub encoding.Cuboid) error {
	if cub.Region.Dims() != w.grid.Dims() {
		return fmt.Errorf("write %s: %w", cub.Region, space.ErrDimensionMismatch)
	}
	if err := cub.Validate(); err != nil {
		return fmt.Errorf("write %s: %w", cub.Region, err)
	}
	split, err := w.chunksOf([]space.Region{cub.Region})
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	chunks := split[0]

	w.mu.Lock()
	if id != "" && w.sessions[id] == nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	for _, ch := range chunks {
		if _, err := w.ensureLocked(ch); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	var (
		last   space.Region
		blocks []encoding.Block
	)
	cells := 0
	err = cub.Each(nil, func(p space.Vector, b encoding.Block) {
		ch, _ := w.grid.Snap(p)
		if blocks == nil || ch != last {
			last, blocks = ch, w.chunks[ch]
		}
		idx, _ := ch.LinearIndex(p)
		blocks[idx] = b
		cells++
	})
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("write %s: %w", cub.Region, err)
	}

	deliveries := 0
	for _, ch := range chunks {
		if w.store != nil {
			c, _ := encoding.NewCuboid(ch, w.chunks[ch])
			w.store.SaveChunk(c)
		}
		part, ok, _ := cub.Region.Intersect(ch)
		if !ok || w.watchers[ch] == 0 {
			w.maybeUnloadLocked(ch)
			continue
		}
		c, err := w.describeLocked(part)
		if err != nil {
			w.mu.Unlock()
			return err
		}
		for _, s := range w.sortedSessionsLocked() {
			if _, ok := s.subs[ch]; ok {
				s.sink.Deliver(c)
				deliveries++
			}
		}
	}
	w.metrics.write(cells, deliveries)
	w.metrics.setResident(len(w.chunks))
	w.mu.Unlock()

	if w.recorder != nil {
		w.recorder.RecordWrite(id, cub.Region, cells)
	}
	return nil
}

// chunksOf decomposes each region, refusing requests that span more than
// MaxRequestChunks chunks altogether. It does not touch world state.
func (w *World) chunksOf(regions []space.Region) ([][]space.Region, error) {
	out := make([][]space.Region, len(regions))
	var total int64
	for i, r := range regions {
		if r.Dims() != w.grid.Dims() {
			return nil, fmt.Errorf("%s: %w", r, space.ErrDimensionMismatch)
		}
		n, err := r.ChunkCount(w.grid)
		if err != nil {
			return nil, err
		}
		if n > MaxRequestChunks-total {
			return nil, fmt.Errorf("%w: request spans more than %d chunks", space.ErrRegionTooLarge, MaxRequestChunks)
		}
		total += n
		if out[i], err = r.Decompose(w.grid); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Export returns every resident chunk, in chunk order.
func (w *World) Export() []encoding.Cuboid {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]space.Region, 0, len(w.chunks))
	for ch := range w.chunks {
		keys = append(keys, ch)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	out := make([]encoding.Cuboid, 0, len(keys))
	for _, ch := range keys {
		c, _ := encoding.NewCuboid(ch, w.chunks[ch])
		out = append(out, c)
	}
	return out
}

// Import replaces resident chunks with the given ones. Every cuboid must be
// exactly one chunk of this world's grid.
func (w *World) Import(cs []encoding.Cuboid) error {
	loaded := make(map[space.Region][]encoding.Block, len(cs))
	for _, c := range cs {
		if !w.grid.IsChunk(c.Region) {
			return fmt.Errorf("import %s: not a chunk of %s", c.Region, w.grid)
		}
		blocks := make([]encoding.Block, 0, c.Region.Volume())
		if err := c.Each(nil, func(_ space.Vector, b encoding.Block) {
			blocks = append(blocks, b)
		}); err != nil {
			return fmt.Errorf("import %s: %w", c.Region, err)
		}
		loaded[c.Region] = blocks
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for ch, blocks := range loaded {
		w.chunks[ch] = blocks
		if w.store != nil {
			c, _ := encoding.NewCuboid(ch, blocks)
			w.store.SaveChunk(c)
		}
	}
	w.metrics.setResident(len(w.chunks))
	return nil
}

type Stats struct {
	Sessions      int
	Resident      int
	Subscriptions int
}

func (w *World) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Stats{Sessions: len(w.sessions), Resident: len(w.chunks)}
	for _, s := range w.sessions {
		st.Subscriptions += len(s.subs)
	}
	return st
}

// ensureLocked makes ch resident, loading it from the store or generating it.
func (w *World) ensureLocked(ch space.Region) ([]encoding.Block, error) {
	if b, ok := w.chunks[ch]; ok {
		return b, nil
	}
	if w.store != nil {
		c, ok, err := w.store.LoadChunk(ch)
		if err != nil {
			return nil, fmt.Errorf("load chunk %s: %w", ch, err)
		}
		if ok {
			blocks := make([]encoding.Block, 0, ch.Volume())
			if err := c.Each(nil, func(_ space.Vector, b encoding.Block) {
				blocks = append(blocks, b)
			}); err != nil {
				return nil, fmt.Errorf("load chunk %s: %w", ch, err)
			}
			w.chunks[ch] = blocks
			w.metrics.load("store")
			return blocks, nil
		}
	}
	blocks := w.gen.Generate(ch)
	if int64(len(blocks)) != ch.Volume() {
		return nil, fmt.Errorf("generate chunk %s: %d blocks for volume %d", ch, len(blocks), ch.Volume())
	}
	w.chunks[ch] = blocks
	w.metrics.load("generated")
	return blocks, nil
}

func (w *World) describeLocked(r space.Region) (encoding.Cuboid, error) {
	blocks := make([]encoding.Block, 0, r.Volume())
	var (
		last  space.Region
		chunk []encoding.Block
	)
	var err error
	r.Each(func(p space.Vector) bool {
		ch, _ := w.grid.Snap(p)
		if chunk == nil || ch != last {
			last, chunk = ch, w.chunks[ch]
			if chunk == nil {
				err = fmt.Errorf("describe %s: chunk %s not resident", r, ch)
				return false
			}
		}
		idx, _ := ch.LinearIndex(p)
		blocks = append(blocks, chunk[idx])
		return true
	})
	if err != nil {
		return encoding.Cuboid{}, err
	}
	return encoding.NewCuboid(r, blocks)
}

func (w *World) unwatchLocked(ch space.Region) {
	w.watchers[ch]--
	if w.watchers[ch] <= 0 {
		delete(w.watchers, ch)
		w.maybeUnloadLocked(ch)
	}
}

func (w *World) maybeUnloadLocked(ch space.Region) {
	if w.store == nil || w.watchers[ch] > 0 {
		return
	}
	delete(w.chunks, ch)
}

func (w *World) sortedSessionsLocked() []*session {
	out := make([]*session, 0, len(w.sessions))
	for _, s := range w.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
