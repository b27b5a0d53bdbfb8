package vidplane

import (
	"fmt"

	"github.com/thesyncim/vidplane/drm"
)

// inFenceNone is IN_FENCE_FD = -1 as the kernel's u64 property value.
const inFenceNone = ^uint64(0)

func (d *Display) commitAtomic(w *Window, fbID uint32, newHandle bool) error {
	if w.plane == nil {
		return fmt.Errorf("atomic commit: window has no plane")
	}
	req := drm.NewAtomicRequest()
	var flags uint32

	if !w.modeSet {
		if w.modeBlob == 0 {
			blob, err := d.kms.CreatePropertyBlob(w.mode.Bytes())
			if err != nil {
				return fmt.Errorf("create mode blob: %w", err)
			}
			w.modeBlob = blob
		}
		d.addProperty(req, d.connector.ID, d.connProps, "CRTC_ID", uint64(d.crtcID))
		d.addProperty(req, d.crtcID, d.crtcProps, "MODE_ID", uint64(w.modeBlob))
		d.addProperty(req, d.crtcID, d.crtcProps, "ACTIVE", 1)
		flags |= drm.AtomicAllowModeset
	}

	if newHandle || !w.modeSet {
		p := w.plane
		d.addProperty(req, p.ID, p.Properties, "FB_ID", uint64(fbID))
		d.addProperty(req, p.ID, p.Properties, "CRTC_ID", uint64(d.crtcID))
		d.addProperty(req, p.ID, p.Properties, "SRC_X", 0)
		d.addProperty(req, p.ID, p.Properties, "SRC_Y", 0)
		d.addProperty(req, p.ID, p.Properties, "SRC_W", uint64(w.width)<<16)
		d.addProperty(req, p.ID, p.Properties, "SRC_H", uint64(w.height)<<16)
		d.addProperty(req, p.ID, p.Properties, "CRTC_X", 0)
		d.addProperty(req, p.ID, p.Properties, "CRTC_Y", 0)
		d.addProperty(req, p.ID, p.Properties, "CRTC_W", uint64(w.mode.Hdisplay))
		d.addProperty(req, p.ID, p.Properties, "CRTC_H", uint64(w.mode.Vdisplay))
		d.addProperty(req, p.ID, p.Properties, "IN_FENCE_FD", inFenceNone)
		if d.planes.DriverZpos() {
			d.addProperty(req, p.ID, p.Properties, "zpos", p.ZOrder)
		}
	}

	if req.Len() == 0 {
		return nil
	}
	if err := d.kms.Atomic(req, flags, w.id); err != nil {
		return fmt.Errorf("atomic commit (modeset=%t): %w", flags&drm.AtomicAllowModeset != 0, err)
	}
	w.modeSet = true
	return nil
}

// addProperty resolves name against an object's cached property table. A
// property the driver does not expose is skipped.
func (d *Display) addProperty(req *drm.AtomicRequest, objectID uint32, props map[string]PlaneProperty, name string, value uint64) {
	prop, ok := props[name]
	if !ok {
		d.log.Debug().Uint32("object", objectID).Str("property", name).Msg("property not supported, skipped")
		return
	}
	req.Add(objectID, prop.ID, value)
}
