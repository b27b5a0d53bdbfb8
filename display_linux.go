//go:build linux

package vidplane

import (
	"fmt"

	"github.com/thesyncim/vidplane/drm"
)

var _ KMS = (*drm.Card)(nil)

// OpenDisplay opens the DRM card, brings the display up and creates the
// GBM device that windows allocate their surfaces from.
func OpenDisplay(cfg DisplayConfig) (*Display, error) {
	path := cfg.CardPath
	if path == "" {
		path = drm.DefaultCardPath
	}
	card, err := drm.Open(path)
	if err != nil {
		return nil, err
	}
	d, err := NewDisplay(card, cfg)
	if err != nil {
		card.Close()
		return nil, err
	}
	gbm, err := newGBMDevice(card.Fd())
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open display %s: %w", path, err)
	}
	d.gbm = gbm
	return d, nil
}

// NativeDisplay returns the GBM device pointer to pass to
// eglGetPlatformDisplay, or 0 when the display has no GBM device.
func (d *Display) NativeDisplay() uintptr {
	if d.gbm == nil {
		return 0
	}
	return d.gbm.Ptr()
}
