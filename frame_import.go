package vidplane

import (
	"fmt"
	"strings"
	"sync"

	"github.com/thesyncim/vidplane/drm"
)

// ImportLayout selects how a decoded NV12 frame is turned into GPU images.
type ImportLayout int

const (
	// ImportExternal imports the frame as one two-plane YUV image sampled
	// through an external texture.
	ImportExternal ImportLayout = iota
	// ImportSplitPlanes imports luma as an R8 image and interleaved chroma
	// as a half-size GR88 image, for renderers that convert to RGB in a
	// shader.
	ImportSplitPlanes
)

func (l ImportLayout) String() string {
	switch l {
	case ImportExternal:
		return "external"
	case ImportSplitPlanes:
		return "split"
	default:
		return "unknown"
	}
}

// ImageCount returns the number of images one frame imports to.
func (l ImportLayout) ImageCount() int {
	switch l {
	case ImportExternal:
		return 1
	case ImportSplitPlanes:
		return 2
	default:
		return 0
	}
}

// FrameDescriptor identifies a decoded NV12 frame in DMA-BUF memory.
//
// Single-planar decoders export one fd holding luma followed by chroma at
// offset Width*Height; then ChromaFD equals LumaFD. Multi-planar decoders
// export one fd per plane and chroma starts at offset 0 of ChromaFD.
type FrameDescriptor struct {
	LumaFD   int
	ChromaFD int
	Width    int
	Height   int
	Layout   ImportLayout
	Sequence uint64 // decoder frame number, for logs
}

// Image is one imported GPU image. Handle is backend specific (an
// EGLImageKHR for EGLImporter).
type Image struct {
	Handle uintptr
	Width  int
	Height int
	Format drm.Fourcc
}

// FrameImporter turns decoded frames into images the renderer samples.
type FrameImporter interface {
	ImportFrame(FrameDescriptor) ([]Image, error)
	ReleaseImages([]Image)
}

// EGL_EXT_image_dma_buf_import attribute names and values.
const (
	eglNone              int32 = 0x3038
	eglHeight            int32 = 0x3056
	eglWidth             int32 = 0x3057
	eglLinuxDMABuf       int32 = 0x3270
	eglLinuxDRMFourcc    int32 = 0x3271
	eglDMABufPlane0FD    int32 = 0x3272
	eglDMABufPlane0Off   int32 = 0x3273
	eglDMABufPlane0Pitch int32 = 0x3274
	eglDMABufPlane1FD    int32 = 0x3275
	eglDMABufPlane1Off   int32 = 0x3276
	eglDMABufPlane1Pitch int32 = 0x3277
	eglYUVColorSpaceHint int32 = 0x327B
	eglSampleRangeHint   int32 = 0x327C
	eglITURec709         int32 = 0x3280
	eglYUVFullRange      int32 = 0x3282
)

// imageSpec is one image to create: its shape and the EGL_NONE-terminated
// attribute list for eglCreateImageKHR.
type imageSpec struct {
	Width   int
	Height  int
	Format  drm.Fourcc
	Attribs []int32
}

// imageSpecs builds the attribute lists for importing f.
func imageSpecs(f FrameDescriptor) ([]imageSpec, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("import frame: invalid size %dx%d", f.Width, f.Height)
	}
	if f.LumaFD < 0 || f.ChromaFD < 0 {
		return nil, fmt.Errorf("import frame: invalid fds %d/%d", f.LumaFD, f.ChromaFD)
	}
	w, h := int32(f.Width), int32(f.Height)
	// A single buffer carries chroma right after the luma plane; a
	// separate chroma buffer starts with it.
	chromaOffset := int32(0)
	if f.ChromaFD == f.LumaFD {
		chromaOffset = w * h
	}

	switch f.Layout {
	case ImportExternal:
		return []imageSpec{{
			Width: f.Width, Height: f.Height, Format: drm.FormatNV12,
			Attribs: []int32{
				eglWidth, w,
				eglHeight, h,
				eglLinuxDRMFourcc, int32(drm.FormatNV12),
				eglDMABufPlane0FD, int32(f.LumaFD),
				eglDMABufPlane0Off, 0,
				eglDMABufPlane0Pitch, w,
				eglDMABufPlane1FD, int32(f.ChromaFD),
				eglDMABufPlane1Off, chromaOffset,
				eglDMABufPlane1Pitch, w,
				eglYUVColorSpaceHint, eglITURec709,
				eglSampleRangeHint, eglYUVFullRange,
				eglNone,
			},
		}}, nil

	case ImportSplitPlanes:
		return []imageSpec{
			{
				Width: f.Width, Height: f.Height, Format: drm.FormatR8,
				Attribs: []int32{
					eglWidth, w,
					eglHeight, h,
					eglLinuxDRMFourcc, int32(drm.FormatR8),
					eglDMABufPlane0FD, int32(f.LumaFD),
					eglDMABufPlane0Off, 0,
					eglDMABufPlane0Pitch, w,
					eglNone,
				},
			},
			{
				Width: f.Width / 2, Height: f.Height / 2, Format: drm.FormatGR88,
				Attribs: []int32{
					eglWidth, w / 2,
					eglHeight, h / 2,
					eglLinuxDRMFourcc, int32(drm.FormatGR88),
					eglDMABufPlane0FD, int32(f.ChromaFD),
					eglDMABufPlane0Off, chromaOffset,
					eglDMABufPlane0Pitch, w,
					eglNone,
				},
			},
		}, nil
	}
	return nil, fmt.Errorf("import frame: unknown layout %d", f.Layout)
}

// Rect is a destination rectangle in window coordinates.
type Rect struct {
	X, Y, W, H int
}

// Surface is the render-side view of one decoder: where it is drawn and
// the images of its current frame. The session replaces the images when a
// new frame arrives; the render loop reads them under the same lock.
type Surface struct {
	mu     sync.Mutex
	rect   Rect
	images []Image
	frames int
	dirty  bool
}

// NewSurface returns an empty surface drawn at rect.
func NewSurface(rect Rect) *Surface {
	return &Surface{rect: rect}
}

// SurfaceView is what a renderer sees of a Surface during one draw.
type SurfaceView struct {
	Rect   Rect
	Images []Image
	Frames int  // frames imported so far
	Dirty  bool // a new frame arrived since the last draw
}

// Draw calls fn with the current view and clears the dirty flag. The
// images stay valid until fn returns.
func (s *Surface) Draw(fn func(SurfaceView)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(SurfaceView{Rect: s.rect, Images: s.images, Frames: s.frames, Dirty: s.dirty})
	s.dirty = false
}

// Rect returns the destination rectangle.
func (s *Surface) Rect() Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rect
}

// replace releases the current images through imp and imports f in their
// place. A failed import leaves the surface without images until the next
// frame.
func (s *Surface) replace(imp FrameImporter, f FrameDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.images) > 0 {
		imp.ReleaseImages(s.images)
		s.images = nil
	}
	images, err := imp.ImportFrame(f)
	s.images = images
	s.frames++
	s.dirty = true
	return err
}

// release drops the current images.
func (s *Surface) release(imp FrameImporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.images) > 0 {
		imp.ReleaseImages(s.images)
		s.images = nil
	}
}

// hasExtension reports whether name appears in a space-separated
// extension string.
func hasExtension(list, name string) bool {
	for _, ext := range strings.Fields(list) {
		if ext == name {
			return true
		}
	}
	return false
}
