package vidplane

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/vidplane/drm"
)

// KMS is the mode-setting API a Display drives. *drm.Card implements it.
type KMS interface {
	PlaneSource

	Resources() (*drm.Resources, error)
	Connector(id uint32) (*drm.Connector, error)
	Encoder(id uint32) (*drm.Encoder, error)
	SetClientCap(capability, value uint64) error

	AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error)
	RmFB(fbID uint32) error
	SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, mode *drm.ModeInfo) error
	PageFlip(crtcID, fbID, flags uint32, userData uint64) error
	HandleEvents(ctx context.Context, fn func(drm.Event)) error
	Atomic(req *drm.AtomicRequest, flags uint32, userData uint64) error
	CreatePropertyBlob(data []byte) (uint32, error)
	DestroyPropertyBlob(id uint32) error

	Close() error
}

// DisplayConfig configures a Display.
type DisplayConfig struct {
	CardPath string // default drm.DefaultCardPath

	// DisableAtomic forces the legacy SetCrtc/PageFlip path even when the
	// driver accepts the atomic client capability.
	DisableAtomic bool

	GraphicsPrefersPrimary bool

	// EmitFPS logs the present rate every FPSWindow.
	EmitFPS   bool
	FPSWindow time.Duration // default 5s

	Logger  zerolog.Logger
	Metrics *Metrics
}

// Display is the process-wide scanout context: one connector driven by one
// CRTC, the planes usable on it, and the GBM device windows render into.
// Only one Display may be open at a time.
type Display struct {
	kms KMS
	gbm *gbmDevice

	connector *drm.Connector
	encoder   *drm.Encoder
	crtcID    uint32
	crtcIndex int
	atomic    bool
	universal bool

	connProps map[string]PlaneProperty
	crtcProps map[string]PlaneProperty
	planes    *PlanePool

	presentMu sync.Mutex
	fps       *fpsMeter
	windowSeq atomic.Uint64

	log     zerolog.Logger
	metrics *Metrics

	closeOnce sync.Once
}

var displayOpen atomic.Bool

// NewDisplay performs display bring-up on an already opened KMS device:
// picks the first connected connector with modes, its encoder and CRTC,
// enables universal planes and, unless disabled, atomic mode-setting, and
// discovers the planes of the CRTC. It fails with ErrDisplayInUse while
// another Display is open. On success the Display owns kms.
func NewDisplay(kms KMS, cfg DisplayConfig) (*Display, error) {
	if !displayOpen.CompareAndSwap(false, true) {
		return nil, ErrDisplayInUse
	}
	d, err := newDisplay(kms, cfg)
	if err != nil {
		displayOpen.Store(false)
		return nil, err
	}
	return d, nil
}

func newDisplay(kms KMS, cfg DisplayConfig) (*Display, error) {
	log := cfg.Logger
	d := &Display{
		kms:     kms,
		log:     log,
		metrics: cfg.Metrics,
	}
	if cfg.EmitFPS {
		window := cfg.FPSWindow
		if window <= 0 {
			window = 5 * time.Second
		}
		d.fps = newFPSMeter(window, log, cfg.Metrics)
	}

	res, err := kms.Resources()
	if err != nil {
		return nil, fmt.Errorf("display: %w", err)
	}
	if err := d.selectOutput(res); err != nil {
		return nil, err
	}

	if err := kms.SetClientCap(drm.ClientCapUniversalPlanes, 1); err != nil {
		log.Warn().Err(err).Msg("universal planes not supported")
	} else {
		d.universal = true
	}
	if d.universal && !cfg.DisableAtomic {
		if err := kms.SetClientCap(drm.ClientCapAtomic, 1); err != nil {
			log.Warn().Err(err).Msg("atomic mode-setting not supported, using legacy page flips")
		} else {
			d.atomic = true
		}
	}

	if d.atomic {
		if d.connProps, _, err = readProperties(kms, d.connector.ID, drm.ObjectConnector); err != nil {
			return nil, fmt.Errorf("display: connector properties: %w", err)
		}
		if d.crtcProps, _, err = readProperties(kms, d.crtcID, drm.ObjectCrtc); err != nil {
			return nil, fmt.Errorf("display: crtc properties: %w", err)
		}
	}

	if d.universal {
		d.planes, err = DiscoverPlanes(kms, d.crtcIndex, CatalogOptions{
			GraphicsPrefersPrimary: cfg.GraphicsPrefersPrimary,
			Logger:                 log,
			Metrics:                cfg.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("display: %w", err)
		}
	}

	log.Info().
		Uint32("connector", d.connector.ID).
		Uint32("encoder", d.encoder.ID).
		Uint32("crtc", d.crtcID).
		Int("crtc_index", d.crtcIndex).
		Bool("atomic", d.atomic).
		Int("modes", len(d.connector.Modes)).
		Msg("display ready")
	return d, nil
}

func (d *Display) selectOutput(res *drm.Resources) error {
	for _, id := range res.Connectors {
		conn, err := d.kms.Connector(id)
		if err != nil {
			d.log.Debug().Err(err).Uint32("connector", id).Msg("skipping connector")
			continue
		}
		if conn.Connection == drm.Connected && len(conn.Modes) > 0 {
			d.connector = conn
			break
		}
	}
	if d.connector == nil {
		return ErrNoConnector
	}

	encoderIDs := d.connector.Encoders
	if len(encoderIDs) == 0 {
		encoderIDs = res.Encoders
	}

	var encoders []*drm.Encoder
	for _, id := range encoderIDs {
		enc, err := d.kms.Encoder(id)
		if err != nil {
			continue
		}
		if enc.ID == d.connector.EncoderID && enc.CrtcID != 0 {
			d.encoder, d.crtcID = enc, enc.CrtcID
			break
		}
		encoders = append(encoders, enc)
	}
	if d.encoder == nil {
		for _, enc := range encoders {
			for j, crtc := range res.Crtcs {
				if enc.PossibleCrtcs&(1<<uint(j)) != 0 {
					d.encoder, d.crtcID = enc, crtc
					break
				}
			}
			if d.encoder != nil {
				break
			}
		}
	}
	if d.encoder == nil {
		return fmt.Errorf("display: connector %d: %w", d.connector.ID, ErrNoEncoder)
	}

	d.crtcIndex = res.CrtcIndex(d.crtcID)
	if d.crtcIndex < 0 {
		return fmt.Errorf("display: crtc %d not in resources: %w", d.crtcID, ErrNoEncoder)
	}
	return nil
}

// Planes returns the plane pool of the display CRTC. It is nil when the
// driver lacks universal plane support.
func (d *Display) Planes() *PlanePool { return d.planes }

// Atomic reports whether presents use atomic commits.
func (d *Display) Atomic() bool { return d.atomic }

// Modes returns the modes of the selected connector.
func (d *Display) Modes() []drm.ModeInfo { return d.connector.Modes }

// CrtcID returns the CRTC driving the display.
func (d *Display) CrtcID() uint32 { return d.crtcID }

// ConnectorID returns the selected connector.
func (d *Display) ConnectorID() uint32 { return d.connector.ID }

// Close releases the GBM device and the KMS device and allows a new
// Display to be opened. Windows must be closed first.
func (d *Display) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.gbm != nil {
			d.gbm.Destroy()
			d.gbm = nil
		}
		err = d.kms.Close()
		displayOpen.Store(false)
	})
	return err
}
