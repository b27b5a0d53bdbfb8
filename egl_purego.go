//go:build darwin || linux

package vidplane

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
	"github.com/rs/zerolog"
)

var (
	eglOnce    sync.Once
	eglHandle  uintptr
	eglInitErr error
)

// libEGL function pointers
var (
	eglGetProcAddress func(name string) uintptr
	eglQueryString    func(dpy uintptr, name int32) uintptr
	eglGetError       func() int32
	eglGetDisplay     func(native uintptr) uintptr
	eglInitialize     func(dpy uintptr, major, minor *int32) uint32
	eglTerminate      func(dpy uintptr) uint32

	// EGL_KHR_image_base, resolved through eglGetProcAddress
	eglCreateImageKHR  func(dpy, ctx uintptr, target int32, buffer uintptr, attribs *int32) uintptr
	eglDestroyImageKHR func(dpy, image uintptr) uint32
)

const eglExtensions = 0x3055

var _ FrameImporter = (*EGLImporter)(nil)

func loadEGL() error {
	eglOnce.Do(func() {
		eglHandle, eglInitErr = dlopenFirst("libEGL", libSearchPaths("VIDPLANE_EGL_LIB", "libEGL.so.1", "libEGL.so"))
		if eglInitErr != nil {
			return
		}
		purego.RegisterLibFunc(&eglGetProcAddress, eglHandle, "eglGetProcAddress")
		purego.RegisterLibFunc(&eglQueryString, eglHandle, "eglQueryString")
		purego.RegisterLibFunc(&eglGetError, eglHandle, "eglGetError")
		purego.RegisterLibFunc(&eglGetDisplay, eglHandle, "eglGetDisplay")
		purego.RegisterLibFunc(&eglInitialize, eglHandle, "eglInitialize")
		purego.RegisterLibFunc(&eglTerminate, eglHandle, "eglTerminate")

		create := eglGetProcAddress("eglCreateImageKHR")
		destroy := eglGetProcAddress("eglDestroyImageKHR")
		if create == 0 || destroy == 0 {
			eglInitErr = errors.New("libEGL: EGL_KHR_image_base entry points not found")
			return
		}
		purego.RegisterFunc(&eglCreateImageKHR, create)
		purego.RegisterFunc(&eglDestroyImageKHR, destroy)
	})
	return eglInitErr
}

// EGLImporter imports decoded frames as EGLImages with
// EGL_EXT_image_dma_buf_import. Images are created without a context, so
// any goroutine may import.
type EGLImporter struct {
	display uintptr
	log     zerolog.Logger
}

// NewEGLImporter binds an importer to an initialized EGLDisplay.
func NewEGLImporter(eglDisplay uintptr, log zerolog.Logger) (*EGLImporter, error) {
	if eglDisplay == 0 {
		return nil, errors.New("egl importer: no display")
	}
	if err := loadEGL(); err != nil {
		return nil, err
	}
	exts := goStringFromPtr(eglQueryString(eglDisplay, eglExtensions))
	if !hasExtension(exts, "EGL_EXT_image_dma_buf_import") {
		return nil, errors.New("egl importer: EGL_EXT_image_dma_buf_import not supported")
	}
	return &EGLImporter{display: eglDisplay, log: log}, nil
}

// ImportFrame creates the images for f. On failure it returns the images
// created so far together with the error.
func (e *EGLImporter) ImportFrame(f FrameDescriptor) ([]Image, error) {
	specs, err := imageSpecs(f)
	if err != nil {
		return nil, err
	}
	images := make([]Image, 0, len(specs))
	for _, spec := range specs {
		img := eglCreateImageKHR(e.display, 0, eglLinuxDMABuf, 0, &spec.Attribs[0])
		runtime.KeepAlive(spec.Attribs)
		if img == 0 {
			code := eglGetError()
			e.log.Error().
				Int("fd", f.LumaFD).
				Uint64("frame", f.Sequence).
				Str("format", spec.Format.String()).
				Str("egl_error", fmt.Sprintf("0x%X", code)).
				Msg("eglCreateImageKHR failed")
			return images, fmt.Errorf("eglCreateImageKHR %s fd %d: egl error 0x%X", spec.Format, f.LumaFD, code)
		}
		images = append(images, Image{Handle: img, Width: spec.Width, Height: spec.Height, Format: spec.Format})
	}
	return images, nil
}

// ReleaseImages destroys images returned by ImportFrame.
func (e *EGLImporter) ReleaseImages(images []Image) {
	for _, img := range images {
		if img.Handle == 0 {
			continue
		}
		if eglDestroyImageKHR(e.display, img.Handle) == 0 {
			e.log.Warn().Str("egl_error", fmt.Sprintf("0x%X", eglGetError())).Msg("eglDestroyImageKHR failed")
		}
	}
}

// EGLDisplay is an initialized EGLDisplay on a native (GBM) display.
type EGLDisplay struct {
	ptr          uintptr
	major, minor int32
}

// OpenEGLDisplay initializes EGL on native, typically Display.NativeDisplay.
func OpenEGLDisplay(native uintptr) (*EGLDisplay, error) {
	if err := loadEGL(); err != nil {
		return nil, err
	}
	dpy := eglGetDisplay(native)
	if dpy == 0 {
		return nil, errors.New("eglGetDisplay: no display")
	}
	d := &EGLDisplay{ptr: dpy}
	if eglInitialize(dpy, &d.major, &d.minor) == 0 {
		return nil, fmt.Errorf("eglInitialize: egl error 0x%X", eglGetError())
	}
	return d, nil
}

// Ptr returns the EGLDisplay handle.
func (d *EGLDisplay) Ptr() uintptr { return d.ptr }

// Version returns the EGL version reported by eglInitialize.
func (d *EGLDisplay) Version() (major, minor int) { return int(d.major), int(d.minor) }

// Close terminates the display.
func (d *EGLDisplay) Close() error {
	if eglTerminate(d.ptr) == 0 {
		return fmt.Errorf("eglTerminate: egl error 0x%X", eglGetError())
	}
	return nil
}
