//go:build darwin || linux

package vidplane

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/thesyncim/vidplane/drm"
)

var (
	gbmOnce    sync.Once
	gbmHandle  uintptr
	gbmInitErr error
)

// libgbm function pointers
var (
	gbmCreateDevice           func(fd int32) uintptr
	gbmDeviceDestroy          func(dev uintptr)
	gbmSurfaceCreate          func(dev uintptr, width, height, format, flags uint32) uintptr
	gbmSurfaceDestroy         func(surface uintptr)
	gbmSurfaceLockFrontBuffer func(surface uintptr) uintptr
	gbmSurfaceReleaseBuffer   func(surface, bo uintptr)
	gbmBoGetHandle            func(bo uintptr) uint64
	gbmBoGetStride            func(bo uintptr) uint32
)

// gbm_bo_flags
const (
	gbmBoUseScanout   uint32 = 1 << 0
	gbmBoUseCursor    uint32 = 1 << 1
	gbmBoUseRendering uint32 = 1 << 2
)

func loadGBM() error {
	gbmOnce.Do(func() {
		gbmHandle, gbmInitErr = dlopenFirst("libgbm", libSearchPaths("VIDPLANE_GBM_LIB", "libgbm.so.1", "libgbm.so"))
		if gbmInitErr != nil {
			return
		}
		purego.RegisterLibFunc(&gbmCreateDevice, gbmHandle, "gbm_create_device")
		purego.RegisterLibFunc(&gbmDeviceDestroy, gbmHandle, "gbm_device_destroy")
		purego.RegisterLibFunc(&gbmSurfaceCreate, gbmHandle, "gbm_surface_create")
		purego.RegisterLibFunc(&gbmSurfaceDestroy, gbmHandle, "gbm_surface_destroy")
		purego.RegisterLibFunc(&gbmSurfaceLockFrontBuffer, gbmHandle, "gbm_surface_lock_front_buffer")
		purego.RegisterLibFunc(&gbmSurfaceReleaseBuffer, gbmHandle, "gbm_surface_release_buffer")
		purego.RegisterLibFunc(&gbmBoGetHandle, gbmHandle, "gbm_bo_get_handle")
		purego.RegisterLibFunc(&gbmBoGetStride, gbmHandle, "gbm_bo_get_stride")
	})
	return gbmInitErr
}

// gbmDevice is a struct gbm_device bound to a DRM card fd.
type gbmDevice struct {
	ptr uintptr
}

func newGBMDevice(fd int) (*gbmDevice, error) {
	if err := loadGBM(); err != nil {
		return nil, err
	}
	ptr := gbmCreateDevice(int32(fd))
	if ptr == 0 {
		return nil, fmt.Errorf("gbm_create_device(fd %d) failed", fd)
	}
	return &gbmDevice{ptr: ptr}, nil
}

// Ptr returns the native display handle for EGL.
func (d *gbmDevice) Ptr() uintptr { return d.ptr }

func (d *gbmDevice) Destroy() {
	if d.ptr != 0 {
		gbmDeviceDestroy(d.ptr)
		d.ptr = 0
	}
}

// CreateSurface creates a surface of scanout-capable buffers.
func (d *gbmDevice) CreateSurface(width, height uint32, format drm.Fourcc, flags uint32) (*gbmSurface, error) {
	ptr := gbmSurfaceCreate(d.ptr, width, height, uint32(format), flags)
	if ptr == 0 {
		return nil, fmt.Errorf("gbm_surface_create(%dx%d %s) failed", width, height, format)
	}
	return &gbmSurface{ptr: ptr}, nil
}

// gbmSurface implements ScanoutSurface on a struct gbm_surface.
type gbmSurface struct {
	ptr uintptr
}

var errNoFrontBuffer = errors.New("gbm: no front buffer (was eglSwapBuffers called?)")

func (s *gbmSurface) LockFrontBuffer() (ScanoutBuffer, error) {
	bo := gbmSurfaceLockFrontBuffer(s.ptr)
	if bo == 0 {
		return ScanoutBuffer{}, errNoFrontBuffer
	}
	return ScanoutBuffer{
		BO:     bo,
		Handle: uint32(gbmBoGetHandle(bo)),
		Stride: gbmBoGetStride(bo),
	}, nil
}

func (s *gbmSurface) ReleaseBuffer(b ScanoutBuffer) {
	if b.BO != 0 {
		gbmSurfaceReleaseBuffer(s.ptr, b.BO)
	}
}

func (s *gbmSurface) Destroy() {
	if s.ptr != 0 {
		gbmSurfaceDestroy(s.ptr)
		s.ptr = 0
	}
}
