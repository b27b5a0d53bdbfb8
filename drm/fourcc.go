package drm

// Fourcc is a DRM pixel format code (include/uapi/drm/drm_fourcc.h).
type Fourcc uint32

// MakeFourcc packs four characters into a format code.
func MakeFourcc(a, b, c, d byte) Fourcc {
	return Fourcc(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	FormatR8       = MakeFourcc('R', '8', ' ', ' ')
	FormatGR88     = MakeFourcc('G', 'R', '8', '8')
	FormatXRGB8888 = MakeFourcc('X', 'R', '2', '4')
	FormatARGB8888 = MakeFourcc('A', 'R', '2', '4')
	FormatABGR8888 = MakeFourcc('A', 'B', '2', '4')
	FormatRGBA8888 = MakeFourcc('R', 'A', '2', '4')
	FormatBGRA8888 = MakeFourcc('B', 'A', '2', '4')
	FormatNV12     = MakeFourcc('N', 'V', '1', '2')
	FormatNV21     = MakeFourcc('N', 'V', '2', '1')
	FormatNV16     = MakeFourcc('N', 'V', '1', '6')
	FormatNV61     = MakeFourcc('N', 'V', '6', '1')
	FormatYUV420   = MakeFourcc('Y', 'U', '1', '2')
	FormatYVU420   = MakeFourcc('Y', 'V', '1', '2')
	FormatP010     = MakeFourcc('P', '0', '1', '0')
)

func (f Fourcc) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	return string(b)
}

// IsPlanarYUV reports whether f is one of the multi-plane YUV layouts a
// video decoder produces.
func (f Fourcc) IsPlanarYUV() bool {
	switch f {
	case FormatNV12, FormatNV21, FormatNV16, FormatNV61, FormatYUV420, FormatYVU420, FormatP010:
		return true
	}
	return false
}

// IsPackedARGB reports whether f is a 32-bit packed format with alpha.
func (f Fourcc) IsPackedARGB() bool {
	switch f {
	case FormatARGB8888, FormatABGR8888, FormatRGBA8888, FormatBGRA8888:
		return true
	}
	return false
}
