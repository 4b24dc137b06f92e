// Package viewport turns a moving point of view into the set of regions a
// chunk cache must keep resident.
package viewport

import (
	"errors"
	"fmt"
	"sync"

	"chunkstream.ai/internal/space"
)

var ErrSize = errors.New("viewport size must be positive on every axis")

// Target is the part of chunkcache.Cache the tracker drives.
type Target interface {
	UpdateRequiredRegions(regions []space.Region) error
	OnReferencePointChanged(p space.Vector) error
}

type Config struct {
	Size    space.Vector
	Padding space.Vector
	// Fixed regions stay required wherever the viewport goes, e.g. the
	// player and inventory blocks.
	Fixed []space.Region
}

type Tracker struct {
	target Target
	size   space.Vector
	pad    space.Vector
	fixed  []space.Region

	mu       sync.Mutex
	center   space.Vector
	view     space.Region
	required []space.Region
}

func New(target Target, cfg Config) (*Tracker, error) {
	n := cfg.Size.Dims()
	if cfg.Padding.Dims() != n {
		return nil, fmt.Errorf("padding: %w", space.ErrDimensionMismatch)
	}
	for i := 0; i < n; i++ {
		if cfg.Size.At(i) < 1 {
			return nil, fmt.Errorf("%w: axis %d is %d", ErrSize, i, cfg.Size.At(i))
		}
		if cfg.Padding.At(i) < 0 {
			return nil, fmt.Errorf("padding axis %d is negative", i)
		}
	}
	for _, r := range cfg.Fixed {
		if r.Dims() != n {
			return nil, fmt.Errorf("fixed region %s: %w", r, space.ErrDimensionMismatch)
		}
	}
	return &Tracker{
		target: target,
		size:   cfg.Size,
		pad:    cfg.Padding,
		fixed:  append([]space.Region(nil), cfg.Fixed...),
	}, nil
}

// Window is the viewport of the configured size centred on center. For even
// sizes the extra cell goes on the upper side.
func (t *Tracker) Window(center space.Vector) (space.Region, error) {
	if center.Dims() != t.size.Dims() {
		return space.Region{}, fmt.Errorf("center %s: %w", center, space.ErrDimensionMismatch)
	}
	lo := make([]int64, center.Dims())
	hi := make([]int64, center.Dims())
	for i := range lo {
		lo[i] = center.At(i) - (t.size.At(i)-1)/2
		hi[i] = lo[i] + t.size.At(i) - 1
	}
	return space.NewRegion(space.V(lo...), space.V(hi...))
}

// RequiredFor is the reachable area around center plus the fixed regions.
func (t *Tracker) RequiredFor(center space.Vector) ([]space.Region, error) {
	view, err := t.Window(center)
	if err != nil {
		return nil, err
	}
	reach, err := view.Grow(t.pad)
	if err != nil {
		return nil, err
	}
	return append([]space.Region{reach}, t.fixed...), nil
}

// MoveTo recentres the viewport. The reference point moves first so the
// chunks the new area needs are ranked from the new position.
func (t *Tracker) MoveTo(center space.Vector) error {
	regions, err := t.RequiredFor(center)
	if err != nil {
		return err
	}
	view, _ := t.Window(center)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.target.OnReferencePointChanged(center); err != nil {
		return fmt.Errorf("move to %s: %w", center, err)
	}
	if err := t.target.UpdateRequiredRegions(regions); err != nil {
		return fmt.Errorf("move to %s: %w", center, err)
	}
	t.center, t.view, t.required = center, view, regions
	return nil
}

func (t *Tracker) Center() space.Vector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.center
}

func (t *Tracker) View() space.Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

func (t *Tracker) Required() []space.Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]space.Region(nil), t.required...)
}
