package vidplane

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/thesyncim/vidplane/drm"
)

// PlaneSource is the slice of the KMS API that plane discovery reads.
// *drm.Card implements it.
type PlaneSource interface {
	PlaneResources() ([]uint32, error)
	Plane(id uint32) (*drm.Plane, error)
	ObjectProperties(objectID, objectType uint32) ([]drm.PropertyValue, error)
	Property(id uint32) (*drm.Property, error)
}

// CatalogOptions tunes plane classification.
type CatalogOptions struct {
	// GraphicsPrefersPrimary keeps the primary plane on top of every
	// overlay that can also show video. When false and the CRTC has no
	// graphics-only overlay, the highest graphics-capable overlay is lifted
	// above the primary so graphics allocations land on it.
	GraphicsPrefersPrimary bool

	Logger  zerolog.Logger
	Metrics *Metrics
}

// Synthetic z-order bands, used when the driver has no mutable zpos.
const (
	zBandVideo        = 0x000
	zBandPrimary      = 0x100
	zBandGraphicsOnly = 0x200
	zBandLifted       = 0x300
)

// DiscoverPlanes enumerates the planes usable on the CRTC at crtcIndex,
// classifies them and returns them as a PlanePool. Cursor planes are
// skipped.
func DiscoverPlanes(src PlaneSource, crtcIndex int, opts CatalogOptions) (*PlanePool, error) {
	if crtcIndex < 0 || crtcIndex > 31 {
		return nil, fmt.Errorf("discover planes: crtc index %d out of range", crtcIndex)
	}
	ids, err := src.PlaneResources()
	if err != nil {
		return nil, fmt.Errorf("discover planes: %w", err)
	}

	log := opts.Logger
	var planes []*Plane
	allZposMutable := true
	var frameRatePlane *Plane

	for index, id := range ids {
		kp, err := src.Plane(id)
		if err != nil {
			return nil, fmt.Errorf("discover planes: %w", err)
		}
		if kp.PossibleCrtcs&(1<<uint(crtcIndex)) == 0 {
			continue
		}

		props, zposMutable, err := readProperties(src, id, drm.ObjectPlane)
		if err != nil {
			return nil, fmt.Errorf("discover planes: plane %d: %w", id, err)
		}

		planeType := drm.PlaneTypeOverlay
		if t, ok := props["type"]; ok {
			planeType = t.Value
		}
		if planeType == drm.PlaneTypeCursor {
			log.Debug().Uint32("plane", id).Msg("skipping cursor plane")
			continue
		}

		p := &Plane{
			ID:               id,
			CrtcID:           kp.CrtcID,
			Index:            index,
			IsPrimary:        planeType == drm.PlaneTypePrimary,
			SupportsVideo:    hasFormat(kp.Formats, drm.Fourcc.IsPlanarYUV),
			SupportsGraphics: hasFormat(kp.Formats, drm.Fourcc.IsPackedARGB),
			Formats:          kp.Formats,
			Properties:       props,
		}
		if !zposMutable {
			allZposMutable = false
		}
		if frameRatePlane == nil && !p.IsPrimary && p.SupportsVideo {
			p.FrameRateMatching = true
			frameRatePlane = p
		}
		planes = append(planes, p)
	}

	driverZpos := allZposMutable && len(planes) > 0
	if driverZpos {
		for _, p := range planes {
			p.ZOrder = p.Properties["zpos"].Value
		}
	} else {
		assignSyntheticZOrder(planes, opts.GraphicsPrefersPrimary)
	}

	for _, p := range planes {
		log.Debug().
			Uint32("plane", p.ID).
			Int("index", p.Index).
			Bool("primary", p.IsPrimary).
			Bool("video", p.SupportsVideo).
			Bool("graphics", p.SupportsGraphics).
			Bool("frame_rate_matching", p.FrameRateMatching).
			Uint64("zorder", p.ZOrder).
			Msg("plane")
	}
	log.Info().Int("planes", len(planes)).Int("crtc_index", crtcIndex).Bool("driver_zpos", driverZpos).Msg("plane catalog ready")

	return NewPlanePool(planes, PoolConfig{
		DriverZpos: driverZpos,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	}), nil
}

func assignSyntheticZOrder(planes []*Plane, graphicsPrefersPrimary bool) {
	haveGraphicsOnly := false
	for _, p := range planes {
		base := uint64(p.Index)
		switch {
		case p.IsPrimary:
			p.ZOrder = base + zBandPrimary
		case p.SupportsGraphics && !p.SupportsVideo:
			p.ZOrder = base + zBandGraphicsOnly
			haveGraphicsOnly = true
		default:
			p.ZOrder = base + zBandVideo
		}
	}
	if graphicsPrefersPrimary || haveGraphicsOnly {
		return
	}

	var lift *Plane
	for _, p := range planes {
		if p.IsPrimary || p.FrameRateMatching || !p.SupportsGraphics {
			continue
		}
		if lift == nil || p.Index > lift.Index {
			lift = p
		}
	}
	if lift != nil {
		lift.ZOrder = uint64(lift.Index) + zBandLifted
	}
}

// readProperties caches an object's properties by name. The second result
// reports whether the object has a writable zpos property.
func readProperties(src PlaneSource, objectID, objectType uint32) (map[string]PlaneProperty, bool, error) {
	values, err := src.ObjectProperties(objectID, objectType)
	if err != nil {
		return nil, false, err
	}
	props := make(map[string]PlaneProperty, len(values))
	zposMutable := false
	for _, v := range values {
		prop, err := src.Property(v.ID)
		if err != nil {
			return nil, false, err
		}
		props[prop.Name] = PlaneProperty{ID: prop.ID, Value: v.Value}
		if prop.Name == "zpos" && !prop.Immutable() {
			zposMutable = true
		}
	}
	return props, zposMutable, nil
}

func hasFormat(formats []drm.Fourcc, match func(drm.Fourcc) bool) bool {
	for _, f := range formats {
		if match(f) {
			return true
		}
	}
	return false
}
