package chunkcache

import (
	"fmt"

	"chunkstream.ai/internal/space"
)

// CheckInvariants cross-checks the state tables. It is meant for tests and
// debug builds and returns the first violation found.
func (c *Cache) CheckInvariants() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requested, notRequested := 0, 0
	for ch, e := range c.entries {
		if !c.grid.IsChunk(ch) {
			return fmt.Errorf("%w: %s is not a grid chunk", ErrBookkeeping, ch)
		}
		_, required := c.lastRequired[ch]
		switch e.state {
		case PendingNotYetRequested:
			notRequested++
			if !required {
				return fmt.Errorf("%w: %s pending but not required", ErrBookkeeping, ch)
			}
			if e.obsolete {
				return fmt.Errorf("%w: %s pending and obsolete", ErrBookkeeping, ch)
			}
		case PendingAlreadyRequested:
			requested++
			if required == e.obsolete {
				return fmt.Errorf("%w: %s requested, required=%v obsolete=%v", ErrBookkeeping, ch, required, e.obsolete)
			}
		case Loaded:
			if !required || e.obsolete {
				return fmt.Errorf("%w: %s loaded but not required", ErrBookkeeping, ch)
			}
			if int64(len(e.blocks)) != c.grid.ChunkVolume() {
				return fmt.Errorf("%w: %s holds %d blocks", ErrBookkeeping, ch, len(e.blocks))
			}
		default:
			return fmt.Errorf("%w: %s in state %s", ErrBookkeeping, ch, e.state)
		}
		if e.state != Loaded && e.blocks != nil {
			return fmt.Errorf("%w: %s holds blocks while %s", ErrBookkeeping, ch, e.state)
		}
	}
	if requested != c.outstanding {
		return fmt.Errorf("%w: %d requested entries, counter says %d", ErrBookkeeping, requested, c.outstanding)
	}
	if notRequested != c.notRequested {
		return fmt.Errorf("%w: %d pending entries, counter says %d", ErrBookkeeping, notRequested, c.notRequested)
	}
	if c.outstanding > c.maxOutstanding {
		return fmt.Errorf("%w: %d outstanding over limit %d", ErrBookkeeping, c.outstanding, c.maxOutstanding)
	}
	if c.outstanding < c.maxOutstanding && c.notRequested > 0 {
		return fmt.Errorf("%w: %d free slots with %d chunks waiting", ErrBookkeeping, c.maxOutstanding-c.outstanding, c.notRequested)
	}
	for ch := range c.lastRequired {
		if c.entries[ch] == nil {
			return fmt.Errorf("%w: required %s untracked", ErrBookkeeping, ch)
		}
	}
	return nil
}

// Required returns the chunk identities currently covered by the required
// regions, in Region.Compare order.
func (c *Cache) Required() []space.Region {
	c.mu.RLock()
	out := make([]space.Region, 0, len(c.lastRequired))
	for ch := range c.lastRequired {
		out = append(out, ch)
	}
	c.mu.RUnlock()
	sortRegions(out)
	return out
}
