package vidplane

import (
	"errors"
	"fmt"

	"github.com/thesyncim/vidplane/drm"
)

// ScanoutBuffer is one locked color buffer of a ScanoutSurface.
type ScanoutBuffer struct {
	BO     uintptr // backend handle, e.g. a struct gbm_bo pointer
	Handle uint32  // GEM handle used for AddFB
	Stride uint32
}

// ScanoutSurface is the color-buffer queue a renderer draws into.
// LockFrontBuffer returns the buffer most recently finished by the
// renderer; it stays locked until ReleaseBuffer.
type ScanoutSurface interface {
	LockFrontBuffer() (ScanoutBuffer, error)
	ReleaseBuffer(ScanoutBuffer)
}

// WindowConfig configures a Window.
type WindowConfig struct {
	Width  int
	Height int

	// Surface overrides the GBM surface the window would otherwise create
	// on the display's GBM device.
	Surface ScanoutSurface
}

// Window is a full-screen scanout target: a surface, the mode it is shown
// with and, on atomic displays, the plane it is shown on.
type Window struct {
	display     *Display
	id          uint64
	surface     ScanoutSurface
	gbmSurface  *gbmSurface
	width       uint32
	height      uint32
	mode        drm.ModeInfo
	plane       *Plane
	modeBlob    uint32
	modeSet     bool
	handle      uint32
	fbID        uint32
	prev        ScanoutBuffer
	prevFB      uint32
	havePrev    bool
	flipPending int
}

// ChooseMode returns the first driver mode of exactly width x height, or
// the first mode when none matches.
func ChooseMode(modes []drm.ModeInfo, width, height int) (drm.ModeInfo, bool) {
	if len(modes) == 0 {
		return drm.ModeInfo{}, false
	}
	for _, m := range modes {
		if int(m.Hdisplay) == width && int(m.Vdisplay) == height && m.Type&drm.ModeTypeDriver != 0 {
			return m, true
		}
	}
	return modes[0], true
}

// CreateWindow picks a mode for the requested size, creates (or adopts)
// the scanout surface and, on atomic displays, allocates a graphics plane.
func (d *Display) CreateWindow(cfg WindowConfig) (*Window, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("create window: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	mode, ok := ChooseMode(d.connector.Modes, cfg.Width, cfg.Height)
	if !ok {
		return nil, ErrNoConnector
	}

	w := &Window{
		display: d,
		id:      d.windowSeq.Add(1),
		surface: cfg.Surface,
		width:   uint32(cfg.Width),
		height:  uint32(cfg.Height),
		mode:    mode,
	}
	if w.surface == nil {
		if d.gbm == nil {
			return nil, errors.New("create window: no GBM device and no surface supplied")
		}
		s, err := d.gbm.CreateSurface(w.width, w.height, drm.FormatARGB8888, gbmBoUseScanout|gbmBoUseRendering)
		if err != nil {
			return nil, fmt.Errorf("create window: %w", err)
		}
		w.gbmSurface = s
		w.surface = s
	}

	if d.atomic {
		p, err := d.planes.Allocate(true, false)
		if err != nil {
			w.destroySurface()
			return nil, fmt.Errorf("create window: %w", err)
		}
		w.plane = p
	}

	d.log.Info().
		Uint64("window", w.id).
		Str("mode", mode.String()).
		Uint32("width", w.width).
		Uint32("height", w.height).
		Msg("window created")
	return w, nil
}

// Mode returns the mode the window is shown with.
func (w *Window) Mode() drm.ModeInfo { return w.mode }

// Size returns the surface size.
func (w *Window) Size() (width, height int) { return int(w.width), int(w.height) }

// Plane returns the plane the window is committed to, or nil on legacy
// displays.
func (w *Window) Plane() *Plane { return w.plane }

// NativeWindow returns the GBM surface pointer to hand to
// eglCreateWindowSurface, or 0 for a caller-supplied surface.
func (w *Window) NativeWindow() uintptr {
	if w.gbmSurface == nil {
		return 0
	}
	return w.gbmSurface.ptr
}

// Close retires the last presented buffer and releases the window's plane,
// mode blob and surface.
func (w *Window) Close() error {
	d := w.display
	d.presentMu.Lock()
	defer d.presentMu.Unlock()

	var errs []error
	if w.havePrev {
		w.surface.ReleaseBuffer(w.prev)
		if err := d.kms.RmFB(w.prevFB); err != nil {
			errs = append(errs, err)
		}
		w.havePrev = false
		w.prevFB = 0
	}
	w.modeSet = false
	w.handle, w.fbID = 0, 0
	if w.modeBlob != 0 {
		if err := d.kms.DestroyPropertyBlob(w.modeBlob); err != nil {
			errs = append(errs, err)
		}
		w.modeBlob = 0
	}
	if w.plane != nil {
		if err := d.planes.Free(w.plane); err != nil {
			errs = append(errs, err)
		}
		w.plane = nil
	}
	w.destroySurface()
	return errors.Join(errs...)
}

func (w *Window) destroySurface() {
	if w.gbmSurface != nil {
		w.gbmSurface.Destroy()
		w.gbmSurface = nil
		w.surface = nil
	}
}
