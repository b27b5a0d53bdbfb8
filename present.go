package vidplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/thesyncim/vidplane/drm"
)

// Present shows the buffer the renderer just finished on w.
//
// The front buffer of the window surface is locked and bound to a
// framebuffer when its handle is new. It is then committed with an atomic
// request or, on legacy displays, with SetCrtc for the first frame and a
// page flip afterwards. Once the commit succeeds the previously shown
// buffer is released and its framebuffer removed. A failed present leaves
// the window showing the previous buffer and usable for the next call.
//
// Present blocks on legacy displays until the flip completes or ctx is
// done. Calls are serialized per display.
func (d *Display) Present(ctx context.Context, w *Window) error {
	d.presentMu.Lock()
	defer d.presentMu.Unlock()

	err := d.present(ctx, w)
	d.metrics.present(err)
	if err == nil && d.fps != nil {
		d.fps.Tick(time.Now())
	}
	return err
}

func (d *Display) present(ctx context.Context, w *Window) error {
	if w.surface == nil {
		return errors.New("present: window is closed")
	}
	buf, err := w.surface.LockFrontBuffer()
	if err != nil {
		return fmt.Errorf("present: lock front buffer: %w", err)
	}

	newHandle := w.fbID == 0 || buf.Handle != w.handle
	fbID := w.fbID
	if newHandle {
		fbID, err = d.kms.AddFB(uint32(w.mode.Hdisplay), uint32(w.mode.Vdisplay), 32, 32, buf.Stride, buf.Handle)
		if err != nil {
			d.logPresentError("add framebuffer", err)
			w.surface.ReleaseBuffer(buf)
			return fmt.Errorf("present: add framebuffer: %w", err)
		}
	}

	if d.atomic {
		err = d.commitAtomic(w, fbID, newHandle)
	} else {
		err = d.commitLegacy(ctx, w, fbID)
	}
	if err != nil {
		d.logPresentError("commit", err)
		w.surface.ReleaseBuffer(buf)
		if newHandle {
			_ = d.kms.RmFB(fbID)
		}
		return fmt.Errorf("present: %w", err)
	}
	w.handle, w.fbID = buf.Handle, fbID

	if w.havePrev {
		// A re-locked buffer is on screen again and stays locked as prev.
		if w.prev.BO != buf.BO {
			w.surface.ReleaseBuffer(w.prev)
		}
		if w.prevFB != fbID {
			if err := d.kms.RmFB(w.prevFB); err != nil {
				d.log.Warn().Err(err).Uint32("fb", w.prevFB).Msg("remove retired framebuffer")
			}
		}
	}
	w.prev, w.prevFB, w.havePrev = buf, fbID, true
	return nil
}

func (d *Display) commitLegacy(ctx context.Context, w *Window, fbID uint32) error {
	if !w.modeSet {
		if err := d.kms.SetCrtc(d.crtcID, fbID, 0, 0, []uint32{d.connector.ID}, &w.mode); err != nil {
			return fmt.Errorf("set crtc: %w", err)
		}
		w.modeSet = true
		return nil
	}

	if err := d.kms.PageFlip(d.crtcID, fbID, drm.PageFlipEvent, w.id); err != nil {
		return fmt.Errorf("page flip: %w", err)
	}
	w.flipPending++
	for w.flipPending > 0 {
		err := d.kms.HandleEvents(ctx, func(ev drm.Event) {
			if ev.Type == drm.EventFlipComplete && ev.UserData == w.id && w.flipPending > 0 {
				w.flipPending--
			}
		})
		if err != nil {
			return fmt.Errorf("wait for flip: %w", err)
		}
	}
	return nil
}

func (d *Display) logPresentError(op string, err error) {
	ev := d.log.Error().Err(err).Str("op", op).Uint32("crtc", d.crtcID)
	var errno unix.Errno
	if errors.As(err, &errno) {
		ev = ev.Int("errno", int(errno))
	}
	ev.Msg("present failed")
}
