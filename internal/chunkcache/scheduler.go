package chunkcache

import (
	"fmt"
	"sort"

	"chunkstream.ai/internal/space"
)

type candidate struct {
	chunk space.Region
	e     *entry
	dist  float64
}

// scheduleLocked requests the pending chunks nearest the reference point
// until MaxOutstanding requests are in flight. Ties go to the smaller chunk
// identity. c.mu must be held.
func (c *Cache) scheduleLocked(ob *outbox) error {
	free := c.maxOutstanding - c.outstanding
	if free <= 0 || c.notRequested == 0 {
		return nil
	}

	cands := make([]candidate, 0, c.notRequested)
	for ch, e := range c.entries {
		if e.state != PendingNotYetRequested {
			continue
		}
		d, err := ch.CentroidDistance(c.ref)
		if err != nil {
			return fmt.Errorf("rank %s: %w", ch, err)
		}
		cands = append(cands, candidate{chunk: ch, e: e, dist: d})
	}
	if len(cands) != c.notRequested {
		return fmt.Errorf("%w: %d pending entries, counter says %d", ErrBookkeeping, len(cands), c.notRequested)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].chunk.Compare(cands[j].chunk) < 0
	})
	if len(cands) > free {
		cands = cands[:free]
	}

	dims := cands[0].chunk.Dims()
	for _, x := range cands[1:] {
		if x.chunk.Dims() != dims {
			return fmt.Errorf("%w: %d and %d", ErrMixedDimensions, dims, x.chunk.Dims())
		}
	}
	for _, x := range cands {
		x.e.state = PendingAlreadyRequested
		c.notRequested--
		c.outstanding++
		ob.requests = append(ob.requests, x.chunk)
	}
	return nil
}
