package vidplane

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thesyncim/vidplane/drm"
)

// PlaneProperty is a cached property id with the value read at discovery.
type PlaneProperty struct {
	ID    uint32
	Value uint64
}

// Plane is a kernel display plane usable on the display's CRTC.
//
// The owning PlanePool guards InUse, Hidden, Hide and Dirty. Every other
// field is fixed at discovery.
type Plane struct {
	ID     uint32
	CrtcID uint32
	Index  int // enumeration index in the kernel plane list

	SupportsVideo     bool
	SupportsGraphics  bool
	IsPrimary         bool
	FrameRateMatching bool
	ZOrder            uint64

	Formats    []drm.Fourcc
	Properties map[string]PlaneProperty

	InUse  bool
	Hidden bool
	Hide   bool
	Dirty  bool

	pool *PlanePool
}

// Property looks up a cached property by name.
func (p *Plane) Property(name string) (PlaneProperty, bool) {
	prop, ok := p.Properties[name]
	return prop, ok
}

func (p *Plane) String() string {
	kind := "overlay"
	if p.IsPrimary {
		kind = "primary"
	}
	return fmt.Sprintf("plane %d (%s, z=%#x, video=%t, graphics=%t)",
		p.ID, kind, p.ZOrder, p.SupportsVideo, p.SupportsGraphics)
}

// PoolConfig configures a PlanePool.
type PoolConfig struct {
	DriverZpos bool // z-orders came from the driver's zpos property
	Logger     zerolog.Logger
	Metrics    *Metrics
}

// PlanePool hands out the planes of one CRTC.
//
// Every plane is either in available, kept sorted by ascending ZOrder, or
// in inUse, kept in allocation order. usedCount always equals len(inUse).
type PlanePool struct {
	mu         sync.Mutex
	available  []*Plane
	inUse      []*Plane
	primary    *Plane
	usedCount  int
	totalCount int

	driverZpos bool
	log        zerolog.Logger
	metrics    *Metrics
}

// NewPlanePool builds a pool from discovered planes. The primary plane, if
// any, is the first plane with IsPrimary set.
func NewPlanePool(planes []*Plane, cfg PoolConfig) *PlanePool {
	pool := &PlanePool{
		available:  make([]*Plane, 0, len(planes)),
		totalCount: len(planes),
		driverZpos: cfg.DriverZpos,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}
	for _, p := range planes {
		p.pool = pool
		p.InUse, p.Hidden, p.Hide, p.Dirty = false, false, false, false
		if p.IsPrimary && pool.primary == nil {
			pool.primary = p
		}
		pool.available = append(pool.available, p)
	}
	slices.SortStableFunc(pool.available, func(a, b *Plane) int {
		switch {
		case a.ZOrder < b.ZOrder:
			return -1
		case a.ZOrder > b.ZOrder:
			return 1
		}
		return 0
	})
	return pool
}

// Allocate lends a plane. With wantGraphics the topmost available plane is
// taken. Otherwise the lowest available plane whose FrameRateMatching flag
// equals wantFrameRateMatching is taken.
func (pp *PlanePool) Allocate(wantGraphics, wantFrameRateMatching bool) (*Plane, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	kind := "video"
	if wantGraphics {
		kind = "graphics"
	}

	if pp.usedCount == pp.totalCount || len(pp.available) == 0 {
		pp.metrics.planeAllocation(kind, ErrPoolExhausted)
		return nil, ErrPoolExhausted
	}

	idx := -1
	if wantGraphics {
		idx = len(pp.available) - 1
	} else {
		for i, p := range pp.available {
			if p.FrameRateMatching == wantFrameRateMatching {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		pp.metrics.planeAllocation(kind, ErrNoMatchingPlane)
		return nil, ErrNoMatchingPlane
	}

	p := pp.available[idx]
	pp.available = slices.Delete(pp.available, idx, idx+1)
	pp.lend(p)
	pp.metrics.planeAllocation(kind, nil)
	pp.log.Debug().Uint32("plane", p.ID).Str("kind", kind).Uint64("zorder", p.ZOrder).Msg("plane allocated")
	return p, nil
}

// AllocatePrimary lends the primary plane. It fails without touching the
// pool when there is no primary plane or it is already lent.
func (pp *PlanePool) AllocatePrimary() (*Plane, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.primary == nil {
		pp.log.Error().Msg("no primary plane to allocate")
		pp.metrics.planeAllocation("primary", ErrNoPrimaryPlane)
		return nil, ErrNoPrimaryPlane
	}
	if pp.primary.InUse {
		pp.log.Error().Uint32("plane", pp.primary.ID).Msg("primary plane already in use")
		pp.metrics.planeAllocation("primary", ErrPlaneInUse)
		return nil, ErrPlaneInUse
	}

	idx := slices.Index(pp.available, pp.primary)
	if idx < 0 {
		pp.metrics.planeAllocation("primary", ErrPlaneInUse)
		return nil, ErrPlaneInUse
	}
	pp.available = slices.Delete(pp.available, idx, idx+1)
	pp.lend(pp.primary)
	pp.metrics.planeAllocation("primary", nil)
	return pp.primary, nil
}

func (pp *PlanePool) lend(p *Plane) {
	p.Dirty = false
	p.Hidden = false
	p.InUse = true
	pp.inUse = append(pp.inUse, p)
	pp.usedCount++
}

// Free returns a lent plane to the pool. It is placed before the first
// available plane with a greater ZOrder. Freeing a plane that is not lent
// from this pool returns ErrPlaneNotInUse and changes nothing.
func (pp *PlanePool) Free(p *Plane) error {
	if p == nil {
		return ErrPlaneNotInUse
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()

	idx := slices.Index(pp.inUse, p)
	if p.pool != pp || !p.InUse || idx < 0 {
		pp.log.Error().Uint32("plane", p.ID).Int("used", pp.usedCount).Msg("free of plane not in use")
		return fmt.Errorf("free plane %d: %w", p.ID, ErrPlaneNotInUse)
	}

	pp.usedCount--
	pp.inUse = slices.Delete(pp.inUse, idx, idx+1)
	p.Hide = false
	p.Hidden = false
	p.InUse = false

	at := len(pp.available)
	for i, q := range pp.available {
		if q.ZOrder > p.ZOrder {
			at = i
			break
		}
	}
	pp.available = slices.Insert(pp.available, at, p)
	pp.log.Debug().Uint32("plane", p.ID).Int("position", at).Msg("plane freed")
	return nil
}

// Available returns a snapshot of the free planes in z-order.
func (pp *PlanePool) Available() []*Plane {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return slices.Clone(pp.available)
}

// InUse returns a snapshot of the lent planes in allocation order.
func (pp *PlanePool) InUse() []*Plane {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return slices.Clone(pp.inUse)
}

// UsedCount returns the number of lent planes.
func (pp *PlanePool) UsedCount() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.usedCount
}

// TotalCount returns the number of planes the pool manages.
func (pp *PlanePool) TotalCount() int {
	return pp.totalCount
}

// Primary returns the primary plane, or nil.
func (pp *PlanePool) Primary() *Plane {
	return pp.primary
}

// DriverZpos reports whether ZOrder values are the driver's zpos values,
// in which case commits must program zpos explicitly.
func (pp *PlanePool) DriverZpos() bool {
	return pp.driverZpos
}
