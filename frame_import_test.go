package vidplane

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/vidplane/drm"
)

// fakeImporter hands out sequential image handles and tracks which are
// alive.
type fakeImporter struct {
	mu       sync.Mutex
	next     uintptr
	live     map[uintptr]bool
	imported []FrameDescriptor
	fail     bool
}

func newFakeImporter() *fakeImporter {
	return &fakeImporter{live: make(map[uintptr]bool)}
}

func (f *fakeImporter) ImportFrame(d FrameDescriptor) ([]Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported = append(f.imported, d)
	if f.fail {
		return nil, errors.New("import failed")
	}
	specs, err := imageSpecs(d)
	if err != nil {
		return nil, err
	}
	images := make([]Image, len(specs))
	for i, s := range specs {
		f.next++
		f.live[f.next] = true
		images[i] = Image{Handle: f.next, Width: s.Width, Height: s.Height, Format: s.Format}
	}
	return images, nil
}

func (f *fakeImporter) ReleaseImages(images []Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range images {
		delete(f.live, img.Handle)
	}
}

func (f *fakeImporter) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeImporter) importedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.imported)
}

// attrib returns the value following key in an EGL attribute list.
func attrib(t *testing.T, attribs []int32, key int32) int32 {
	t.Helper()
	for i := 0; i+1 < len(attribs); i += 2 {
		if attribs[i] == key {
			return attribs[i+1]
		}
	}
	t.Fatalf("attribute 0x%X not set", key)
	return 0
}

func TestImageSpecsExternal(t *testing.T) {
	tests := []struct {
		name         string
		luma, chroma int
		wantOffset   int32
	}{
		{"single fd", 9, 9, 1920 * 1080},
		{"fd per plane", 9, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := imageSpecs(FrameDescriptor{LumaFD: tt.luma, ChromaFD: tt.chroma, Width: 1920, Height: 1080})
			require.NoError(t, err)
			require.Len(t, specs, 1)
			a := specs[0].Attribs
			assert.Equal(t, eglNone, a[len(a)-1])
			assert.Equal(t, int32(drm.FormatNV12), attrib(t, a, eglLinuxDRMFourcc))
			assert.Equal(t, int32(tt.luma), attrib(t, a, eglDMABufPlane0FD))
			assert.Equal(t, int32(tt.chroma), attrib(t, a, eglDMABufPlane1FD))
			assert.Equal(t, tt.wantOffset, attrib(t, a, eglDMABufPlane1Off))
			assert.Equal(t, int32(1920), attrib(t, a, eglDMABufPlane1Pitch))
			assert.Equal(t, eglITURec709, attrib(t, a, eglYUVColorSpaceHint))
			assert.Equal(t, eglYUVFullRange, attrib(t, a, eglSampleRangeHint))
		})
	}
}

func TestImageSpecsSplitPlanes(t *testing.T) {
	tests := []struct {
		name         string
		luma, chroma int
		wantOffset   int32
	}{
		{"single fd", 4, 4, 640 * 360},
		{"fd per plane", 4, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := imageSpecs(FrameDescriptor{LumaFD: tt.luma, ChromaFD: tt.chroma, Width: 640, Height: 360, Layout: ImportSplitPlanes})
			require.NoError(t, err)
			require.Len(t, specs, ImportSplitPlanes.ImageCount())

			luma, chroma := specs[0], specs[1]
			assert.Equal(t, drm.FormatR8, luma.Format)
			assert.Equal(t, int32(640), attrib(t, luma.Attribs, eglWidth))
			assert.Equal(t, int32(tt.luma), attrib(t, luma.Attribs, eglDMABufPlane0FD))
			assert.Equal(t, int32(0), attrib(t, luma.Attribs, eglDMABufPlane0Off))

			assert.Equal(t, drm.FormatGR88, chroma.Format)
			assert.Equal(t, 320, chroma.Width)
			assert.Equal(t, 180, chroma.Height)
			assert.Equal(t, int32(tt.chroma), attrib(t, chroma.Attribs, eglDMABufPlane0FD))
			assert.Equal(t, tt.wantOffset, attrib(t, chroma.Attribs, eglDMABufPlane0Off))
			assert.Equal(t, int32(640), attrib(t, chroma.Attribs, eglDMABufPlane0Pitch))
		})
	}
}

func TestImageSpecsInvalid(t *testing.T) {
	_, err := imageSpecs(FrameDescriptor{LumaFD: 3, ChromaFD: 3})
	assert.Error(t, err)
	_, err = imageSpecs(FrameDescriptor{LumaFD: -1, ChromaFD: 3, Width: 2, Height: 2})
	assert.Error(t, err)
	_, err = imageSpecs(FrameDescriptor{LumaFD: 3, ChromaFD: 3, Width: 2, Height: 2, Layout: ImportLayout(7)})
	assert.Error(t, err)
}

func TestSurfaceReplaceReleasesPreviousImages(t *testing.T) {
	imp := newFakeImporter()
	s := NewSurface(Rect{X: 10, Y: 20, W: 640, H: 360})
	frame := FrameDescriptor{LumaFD: 3, ChromaFD: 3, Width: 64, Height: 64, Layout: ImportSplitPlanes}

	for range 3 {
		require.NoError(t, s.replace(imp, frame))
		assert.Equal(t, 2, imp.liveCount())
	}

	var views []SurfaceView
	s.Draw(func(v SurfaceView) { views = append(views, v) })
	s.Draw(func(v SurfaceView) { views = append(views, v) })
	require.Len(t, views, 2)
	assert.True(t, views[0].Dirty)
	assert.False(t, views[1].Dirty)
	assert.Equal(t, 3, views[0].Frames)
	assert.Len(t, views[0].Images, 2)
	assert.Equal(t, Rect{X: 10, Y: 20, W: 640, H: 360}, s.Rect())

	s.release(imp)
	assert.Zero(t, imp.liveCount())
	s.Draw(func(v SurfaceView) { assert.Empty(t, v.Images) })
}

func TestSurfaceFailedImport(t *testing.T) {
	imp := newFakeImporter()
	s := NewSurface(Rect{W: 64, H: 64})
	frame := FrameDescriptor{LumaFD: 3, ChromaFD: 3, Width: 64, Height: 64}
	require.NoError(t, s.replace(imp, frame))

	imp.fail = true
	assert.Error(t, s.replace(imp, frame))
	assert.Zero(t, imp.liveCount())
	s.Draw(func(v SurfaceView) {
		assert.Empty(t, v.Images)
		assert.True(t, v.Dirty)
	})
}

func TestHasExtension(t *testing.T) {
	list := "EGL_KHR_image_base EGL_EXT_image_dma_buf_import_modifiers EGL_EXT_image_dma_buf_import"
	assert.True(t, hasExtension(list, "EGL_EXT_image_dma_buf_import"))
	assert.False(t, hasExtension("EGL_EXT_image_dma_buf_import_modifiers", "EGL_EXT_image_dma_buf_import"))
}
