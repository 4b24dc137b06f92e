package chunkcache

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

// DefaultMaxOutstanding bounds requested-but-unanswered chunks when the
// config leaves it unset.
const DefaultMaxOutstanding = 2

var (
	// ErrBookkeeping means the internal state tables disagree with each
	// other. It is never expected in a correct build.
	ErrBookkeeping     = errors.New("chunk cache bookkeeping inconsistent")
	ErrMixedDimensions = errors.New("chunks with different dimensionality")
	ErrConfig          = errors.New("invalid chunk cache config")
)

type Config struct {
	Grid           space.Grid
	MaxOutstanding int
	Remote         RemoteAuthority
	// Optional.
	Consumer Consumer
	Decoder  encoding.Decoder
	Metrics  *Metrics
	Logger   *log.Logger
}

type entry struct {
	state    State
	obsolete bool
	blocks   []encoding.Block // row-major, only while Loaded
}

// Cache keeps the chunks covering the currently required regions resident,
// fetching them from a RemoteAuthority at most MaxOutstanding at a time,
// nearest to the reference point first.
type Cache struct {
	grid           space.Grid
	maxOutstanding int
	remote         RemoteAuthority
	consumer       Consumer
	dec            encoding.Decoder
	metrics        *Metrics
	log            *log.Logger

	mu           sync.RWMutex
	entries      map[space.Region]*entry
	haveRegions  bool
	lastRegions  []space.Region
	lastRequired map[space.Region]struct{}
	outstanding  int
	notRequested int
	ref          space.Vector

	queue    []event
	flushing bool
}

func New(cfg Config) (*Cache, error) {
	if cfg.Grid.Dims() == 0 {
		return nil, fmt.Errorf("%w: grid not set", ErrConfig)
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("%w: remote authority not set", ErrConfig)
	}
	if cfg.MaxOutstanding < 0 {
		return nil, fmt.Errorf("%w: max outstanding %d", ErrConfig, cfg.MaxOutstanding)
	}
	if cfg.MaxOutstanding == 0 {
		cfg.MaxOutstanding = DefaultMaxOutstanding
	}
	if cfg.Consumer == nil {
		cfg.Consumer = NopConsumer{}
	}
	if cfg.Decoder == nil {
		cfg.Decoder = encoding.RawDecoder
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Cache{
		grid:           cfg.Grid,
		maxOutstanding: cfg.MaxOutstanding,
		remote:         cfg.Remote,
		consumer:       cfg.Consumer,
		dec:            cfg.Decoder,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		entries:        map[space.Region]*entry{},
		lastRequired:   map[space.Region]struct{}{},
		ref:            cfg.Grid.Origin(),
	}, nil
}

func (c *Cache) Grid() space.Grid { return c.grid }

// UpdateRequiredRegions replaces the set of regions that must be resident.
// Chunks newly covered become pending; chunks no longer covered are evicted,
// or marked obsolete while their request is still in flight. Calling it twice
// with the same set is a no-op.
func (c *Cache) UpdateRequiredRegions(regions []space.Region) error {
	norm := normalizeRegions(regions)

	// Decomposition does not touch cache state.
	current := make(map[space.Region]struct{})
	for _, r := range norm {
		chunks, err := r.Decompose(c.grid)
		if err != nil {
			return fmt.Errorf("required region %s: %w", r, err)
		}
		for _, ch := range chunks {
			current[ch] = struct{}{}
		}
	}

	c.mu.Lock()
	if c.haveRegions && equalRegions(norm, c.lastRegions) {
		c.mu.Unlock()
		return nil
	}

	var newly []space.Region
	for ch := range current {
		if _, was := c.lastRequired[ch]; was {
			continue
		}
		if e := c.entries[ch]; e != nil && e.state == PendingNotYetRequested {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s newly required but already pending", ErrBookkeeping, ch)
		}
		newly = append(newly, ch)
	}

	gone := map[space.Region]struct{}{}
	for ch := range c.lastRequired {
		if _, still := current[ch]; !still {
			gone[ch] = struct{}{}
		}
	}
	for ch, e := range c.entries {
		if _, still := current[ch]; e.obsolete && !still {
			gone[ch] = struct{}{}
		}
	}
	obsolete := make([]space.Region, 0, len(gone))
	for ch := range gone {
		obsolete = append(obsolete, ch)
	}
	sortRegions(newly)
	sortRegions(obsolete)

	var ob outbox
	for _, ch := range newly {
		e := c.entries[ch]
		if e == nil {
			c.entries[ch] = &entry{state: PendingNotYetRequested}
			c.notRequested++
			ob.pending = append(ob.pending, ch)
			continue
		}
		// Requested or loaded chunks that come back into view keep their
		// slot and stop being obsolete.
		e.obsolete = false
	}
	for _, ch := range obsolete {
		e := c.entries[ch]
		if e == nil {
			continue
		}
		switch e.state {
		case PendingNotYetRequested:
			delete(c.entries, ch)
			c.notRequested--
		case PendingAlreadyRequested:
			e.obsolete = true
		case Loaded:
			delete(c.entries, ch)
			ob.release = append(ob.release, ch)
		}
	}

	c.lastRequired = current
	c.lastRegions = norm
	c.haveRegions = true

	var err error
	if c.notRequested > 0 {
		err = c.scheduleLocked(&ob)
	}
	c.observeLocked(&ob)
	start := c.enqueueLocked(&ob)
	c.mu.Unlock()
	if start {
		c.flush()
	}
	return err
}

// WriteBack applies a cuboid delivered by the authority. A cuboid that is
// exactly one requested chunk loads it; cells outside resident chunks are
// discarded. A chunk that went obsolete while in flight is released as soon
// as its data arrives. Every resident chunk that received cells is reported
// through OnChunkWritten.
func (c *Cache) WriteBack(cub encoding.Cuboid) error {
	if cub.Region.Dims() != c.grid.Dims() {
		return fmt.Errorf("write back %s: %w", cub.Region, space.ErrDimensionMismatch)
	}
	type cell struct {
		p space.Vector
		b encoding.Block
	}
	if err := cub.Validate(); err != nil {
		return fmt.Errorf("write back %s: %w", cub.Region, err)
	}
	cells := make([]cell, 0, len(cub.Lengths))
	if err := cub.Each(c.dec, func(p space.Vector, b encoding.Block) {
		cells = append(cells, cell{p: p, b: b})
	}); err != nil {
		return fmt.Errorf("write back %s: %w", cub.Region, err)
	}

	c.mu.Lock()
	var ob outbox
	var err error

	id := cub.Region
	var target *entry
	if c.grid.IsChunk(id) {
		target = c.entries[id]
	}
	if target != nil && target.state == PendingAlreadyRequested {
		target.state = Loaded
		target.blocks = make([]encoding.Block, c.grid.ChunkVolume())
		c.outstanding--
		err = c.scheduleLocked(&ob)
	}

	var (
		lastChunk space.Region
		last      *entry
		haveLast  bool
		written   int
		discarded int
		touched   []space.Region
	)
	for _, x := range cells {
		ch, serr := c.grid.Snap(x.p)
		if serr != nil {
			discarded++
			continue
		}
		if !haveLast || ch != lastChunk {
			lastChunk, haveLast = ch, true
			last = c.entries[ch]
			if last != nil && last.state != Loaded {
				last = nil
			}
			if last != nil && !containsRegion(touched, ch) {
				touched = append(touched, ch)
			}
		}
		if last == nil {
			discarded++
			continue
		}
		idx, ierr := ch.LinearIndex(x.p)
		if ierr != nil {
			discarded++
			continue
		}
		last.blocks[idx] = x.b
		written++
	}
	if discarded > 0 {
		c.log.Printf("write back %s: discarded %d cells outside resident chunks", id, discarded)
	}

	evicted := target != nil && target.state == Loaded && target.obsolete
	if evicted {
		delete(c.entries, id)
		ob.release = append(ob.release, id)
	}
	sortRegions(touched)
	for _, ch := range touched {
		if evicted && ch == id {
			continue
		}
		ob.written = append(ob.written, ch)
	}

	c.metrics.writeBack(written, discarded)
	c.observeLocked(&ob)
	start := c.enqueueLocked(&ob)
	c.mu.Unlock()
	if start {
		c.flush()
	}
	return err
}

// ReadAt returns the block at p. ok is false when the owning chunk is not
// resident.
func (c *Cache) ReadAt(p space.Vector) (b encoding.Block, ok bool, err error) {
	ch, err := c.grid.Snap(p)
	if err != nil {
		return encoding.Block{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[ch]
	if e == nil || e.state != Loaded {
		return encoding.Block{}, false, nil
	}
	idx, err := ch.LinearIndex(p)
	if err != nil {
		return encoding.Block{}, false, err
	}
	return e.blocks[idx], true, nil
}

// ReadRegion calls fn for every resident cell of area, skipping cells inside
// exclude when it is non-nil. fn runs after the lock is released.
func (c *Cache) ReadRegion(area space.Region, exclude *space.Region, fn func(p space.Vector, b encoding.Block)) error {
	if area.Dims() != c.grid.Dims() {
		return fmt.Errorf("read region %s: %w", area, space.ErrDimensionMismatch)
	}
	type cell struct {
		p space.Vector
		b encoding.Block
	}
	var out []cell
	c.mu.RLock()
	area.Each(func(p space.Vector) bool {
		if exclude != nil {
			if in, _ := exclude.Contains(p); in {
				return true
			}
		}
		ch, err := c.grid.Snap(p)
		if err != nil {
			return true
		}
		e := c.entries[ch]
		if e == nil || e.state != Loaded {
			return true
		}
		idx, err := ch.LinearIndex(p)
		if err != nil {
			return true
		}
		out = append(out, cell{p: p, b: e.blocks[idx]})
		return true
	})
	c.mu.RUnlock()

	for _, x := range out {
		fn(x.p, x.b)
	}
	return nil
}

// OnReferencePointChanged moves the point the scheduler ranks pending chunks
// by. It only records the point: no chunk changes state and nothing is
// requested until the next UpdateRequiredRegions or WriteBack frees a slot.
func (c *Cache) OnReferencePointChanged(p space.Vector) error {
	if p.Dims() != c.grid.Dims() {
		return fmt.Errorf("reference point %s: %w", p, space.ErrDimensionMismatch)
	}
	c.mu.Lock()
	c.ref = p
	c.mu.Unlock()
	return nil
}

// State reports the lifecycle state of a chunk identity.
func (c *Cache) State(chunk space.Region) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e := c.entries[chunk]; e != nil {
		return e.state
	}
	return NotTracked
}

// IsObsolete reports whether a tracked chunk is waiting to be dropped.
func (c *Cache) IsObsolete(chunk space.Region) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[chunk]
	return e != nil && e.obsolete
}

// IsTracked reports whether the chunk owning p is tracked in any state.
func (c *Cache) IsTracked(p space.Vector) bool {
	ch, err := c.grid.Snap(p)
	if err != nil {
		return false
	}
	return c.State(ch) != NotTracked
}

type Stats struct {
	Required    int
	Pending     int
	Outstanding int
	Loaded      int
	Obsolete    int
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{Required: len(c.lastRequired), Outstanding: c.outstanding}
	for _, e := range c.entries {
		switch e.state {
		case PendingNotYetRequested:
			s.Pending++
		case Loaded:
			s.Loaded++
		}
		if e.obsolete {
			s.Obsolete++
		}
	}
	return s
}

func (c *Cache) observeLocked(ob *outbox) {
	if c.metrics == nil {
		return
	}
	c.metrics.requests.Add(float64(len(ob.requests)))
	c.metrics.evictions.Add(float64(len(ob.release)))
	if len(ob.release) > 0 {
		c.metrics.releases.Inc()
	}
	loaded := 0
	for _, e := range c.entries {
		if e.state == Loaded {
			loaded++
		}
	}
	c.metrics.pending.Set(float64(c.notRequested))
	c.metrics.outstanding.Set(float64(c.outstanding))
	c.metrics.resident.Set(float64(loaded))
}

func normalizeRegions(in []space.Region) []space.Region {
	out := append([]space.Region(nil), in...)
	sortRegions(out)
	n := 0
	for i, r := range out {
		if i > 0 && r == out[n-1] {
			continue
		}
		out[n] = r
		n++
	}
	return out[:n]
}

func equalRegions(a, b []space.Region) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsRegion(rs []space.Region, r space.Region) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

func sortRegions(rs []space.Region) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Compare(rs[j]) < 0 })
}
