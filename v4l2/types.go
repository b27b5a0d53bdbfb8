// Package v4l2 binds the parts of the Video4Linux2 ioctl interface that a
// memory-to-memory decoder client needs: capability and format queries,
// MMAP buffer queues, DMA-BUF export, controls and selections.
//
// Struct layouts follow include/uapi/linux/videodev2.h for little-endian
// Linux targets.
package v4l2

import (
	"bytes"
	"unsafe"
)

// Capability flags (struct v4l2_capability).
const (
	CapVideoCapture       uint32 = 0x00000001
	CapVideoOutput        uint32 = 0x00000002
	CapVideoCaptureMPlane uint32 = 0x00001000
	CapVideoOutputMPlane  uint32 = 0x00002000
	CapVideoM2MMPlane     uint32 = 0x00004000
	CapVideoM2M           uint32 = 0x00008000
	CapStreaming          uint32 = 0x04000000
	CapDeviceCaps         uint32 = 0x80000000
)

// Buffer types.
const (
	BufTypeVideoCapture       uint32 = 1
	BufTypeVideoOutput        uint32 = 2
	BufTypeVideoCaptureMPlane uint32 = 9
	BufTypeVideoOutputMPlane  uint32 = 10
)

// Memory types.
const (
	MemoryMMAP    uint32 = 1
	MemoryUserPtr uint32 = 2
	MemoryDMABuf  uint32 = 4
)

// Field orders.
const (
	FieldAny  uint32 = 0
	FieldNone uint32 = 1
)

// Buffer flags.
const (
	BufFlagMapped   uint32 = 0x00000001
	BufFlagQueued   uint32 = 0x00000002
	BufFlagDone     uint32 = 0x00000004
	BufFlagKeyframe uint32 = 0x00000008
	BufFlagError    uint32 = 0x00000040
	BufFlagLast     uint32 = 0x00100000
)

// Format description flags.
const (
	FmtFlagCompressed uint32 = 0x0001
)

// Control ids.
const (
	cidBase                 uint32 = 0x00980900
	CIDMinBuffersForCapture uint32 = cidBase + 39
	CIDMinBuffersForOutput  uint32 = cidBase + 40
)

// Selection targets.
const (
	SelTgtCrop           uint32 = 0x0000
	SelTgtCropDefault    uint32 = 0x0001
	SelTgtCompose        uint32 = 0x0100
	SelTgtComposeDefault uint32 = 0x0101
)

// MaxPlanes is the largest plane count this package hands to the driver.
const MaxPlanes = 3

// FourCC builds a V4L2 pixel format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats.
var (
	PixFmtH264  = FourCC('H', '2', '6', '4')
	PixFmtHEVC  = FourCC('H', 'E', 'V', 'C')
	PixFmtVP8   = FourCC('V', 'P', '8', '0')
	PixFmtVP9   = FourCC('V', 'P', '9', '0')
	PixFmtNV12  = FourCC('N', 'V', '1', '2')
	PixFmtNV12M = FourCC('N', 'M', '1', '2')
)

// FourCCString renders a pixel format code as its four characters.
func FourCCString(f uint32) string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	return string(b)
}

// IsMultiPlanar reports whether t is one of the *_MPLANE buffer types.
func IsMultiPlanar(t uint32) bool {
	return t == BufTypeVideoCaptureMPlane || t == BufTypeVideoOutputMPlane
}

// Capability mirrors struct v4l2_capability.
type Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

// EffectiveCaps returns the per-node capabilities when the driver reports
// them, otherwise the physical device capabilities.
func (c *Capability) EffectiveCaps() uint32 {
	if c.Capabilities&CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

// DriverName returns the driver name.
func (c *Capability) DriverName() string { return cString(c.Driver[:]) }

// CardName returns the device name.
func (c *Capability) CardName() string { return cString(c.Card[:]) }

// BusName returns the bus location.
func (c *Capability) BusName() string { return cString(c.BusInfo[:]) }

// FmtDesc mirrors struct v4l2_fmtdesc.
type FmtDesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]byte
	PixelFormat uint32
	MbusCode    uint32
	Reserved    [3]uint32
}

// Name returns the driver's description of the format.
func (f *FmtDesc) Name() string { return cString(f.Description[:]) }

// Compressed reports whether the format is a bitstream format.
func (f *FmtDesc) Compressed() bool { return f.Flags&FmtFlagCompressed != 0 }

// PixFormat mirrors struct v4l2_pix_format.
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// PlanePixFormat mirrors struct v4l2_plane_pix_format.
type PlanePixFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
	Reserved     [6]uint16
}

// PixFormatMPlane mirrors struct v4l2_pix_format_mplane.
type PixFormatMPlane struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	Colorspace   uint32
	PlaneFmt     [8]PlanePixFormat
	NumPlanes    uint8
	Flags        uint8
	YcbcrEnc     uint8
	Quantization uint8
	XferFunc     uint8
	Reserved     [7]uint8
}

type formatUnion struct {
	_   [0]uintptr
	raw [200]byte
}

// Format mirrors struct v4l2_format. Use Pix or PixMP to reach the union
// member matching Type.
type Format struct {
	Type uint32
	fmt  formatUnion
}

// Pix returns the single-planar view of the format union.
func (f *Format) Pix() *PixFormat {
	return (*PixFormat)(unsafe.Pointer(&f.fmt.raw[0]))
}

// PixMP returns the multi-planar view of the format union.
func (f *Format) PixMP() *PixFormatMPlane {
	return (*PixFormatMPlane)(unsafe.Pointer(&f.fmt.raw[0]))
}

// RequestBuffers mirrors struct v4l2_requestbuffers.
type RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

// Timeval mirrors the kernel's struct timeval (C long fields).
type Timeval struct {
	Sec  int
	Usec int
}

// Timecode mirrors struct v4l2_timecode.
type Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

// Plane mirrors struct v4l2_plane.
type Plane struct {
	BytesUsed  uint32
	Length     uint32
	m          uintptr
	DataOffset uint32
	Reserved   [11]uint32
}

// MemOffset returns the mmap offset of an MMAP plane.
func (p *Plane) MemOffset() uint32 { return uint32(p.m) }

// SetMemOffset sets the mmap offset union member.
func (p *Plane) SetMemOffset(off uint32) { p.m = uintptr(off) }

// Buffer mirrors struct v4l2_buffer.
type Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Timestamp Timeval
	Timecode  Timecode
	Sequence  uint32
	Memory    uint32
	m         unsafe.Pointer // union: offset, userptr, planes or fd
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

// Offset returns the mmap offset of a single-planar MMAP buffer.
func (b *Buffer) Offset() uint32 { return *(*uint32)(unsafe.Pointer(&b.m)) }

// SetOffset sets the single-planar mmap offset.
func (b *Buffer) SetOffset(off uint32) {
	b.m = nil
	*(*uint32)(unsafe.Pointer(&b.m)) = off
}

// SetPlanes points a multi-planar buffer at planes and sets Length to the
// plane count. The buffer keeps planes reachable.
func (b *Buffer) SetPlanes(planes []Plane) {
	if len(planes) == 0 {
		b.m = nil
		b.Length = 0
		return
	}
	b.m = unsafe.Pointer(&planes[0])
	b.Length = uint32(len(planes))
}

// Planes returns the plane array of a multi-planar buffer.
func (b *Buffer) Planes() []Plane {
	if b.m == nil || b.Length == 0 {
		return nil
	}
	return unsafe.Slice((*Plane)(b.m), b.Length)
}

// ExportBuffer mirrors struct v4l2_exportbuffer.
type ExportBuffer struct {
	Type     uint32
	Index    uint32
	Plane    uint32
	Flags    uint32
	Fd       int32
	Reserved [11]uint32
}

// Control mirrors struct v4l2_control.
type Control struct {
	ID    uint32
	Value int32
}

// Rect mirrors struct v4l2_rect.
type Rect struct {
	Left   int32
	Top    int32
	Width  uint32
	Height uint32
}

// Selection mirrors struct v4l2_selection.
type Selection struct {
	Type     uint32
	Target   uint32
	Flags    uint32
	R        Rect
	Reserved [9]uint32
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
