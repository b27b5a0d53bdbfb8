// Package drm is a small binding to the Linux DRM/KMS ioctl interface: just
// enough mode-setting, plane, property and atomic support to put a scanout
// buffer on a CRTC.
package drm

import (
	"bytes"
	"fmt"
	"unsafe"
)

// Object types used by OBJ_GETPROPERTIES.
const (
	ObjectCrtc      uint32 = 0xcccccccc
	ObjectConnector uint32 = 0xc0c0c0c0
	ObjectEncoder   uint32 = 0xe0e0e0e0
	ObjectMode      uint32 = 0xdededede
	ObjectProperty  uint32 = 0xb0b0b0b0
	ObjectFB        uint32 = 0xfbfbfbfb
	ObjectBlob      uint32 = 0xbbbbbbbb
	ObjectPlane     uint32 = 0xeeeeeeee
)

// Client capabilities.
const (
	ClientCapStereo3D         uint64 = 1
	ClientCapUniversalPlanes  uint64 = 2
	ClientCapAtomic           uint64 = 3
	ClientCapAspectRatio      uint64 = 4
	ClientCapWritebackConnect uint64 = 5
)

// Driver capabilities for GetCap.
const (
	CapDumbBuffer         uint64 = 0x1
	CapVblankHighCrtc     uint64 = 0x2
	CapDumbPreferredDepth uint64 = 0x3
	CapPrime              uint64 = 0x5
	CapTimestampMonotonic uint64 = 0x6
	CapAsyncPageFlip      uint64 = 0x7
	CapCursorWidth        uint64 = 0x8
	CapCursorHeight       uint64 = 0x9
)

// Page flip and atomic commit flags.
const (
	PageFlipEvent      uint32 = 0x01
	PageFlipAsync      uint32 = 0x02
	AtomicTestOnly     uint32 = 0x0100
	AtomicNonblock     uint32 = 0x0200
	AtomicAllowModeset uint32 = 0x0400
)

// Property flags.
const (
	PropPending   uint32 = 1 << 0
	PropRange     uint32 = 1 << 1
	PropImmutable uint32 = 1 << 2
	PropEnum      uint32 = 1 << 3
	PropBlob      uint32 = 1 << 4
	PropBitmask   uint32 = 1 << 5
)

// Mode type flags.
const (
	ModeTypeBuiltin   uint32 = 1 << 0
	ModeTypePreferred uint32 = 1 << 3
	ModeTypeDefault   uint32 = 1 << 4
	ModeTypeUserdef   uint32 = 1 << 5
	ModeTypeDriver    uint32 = 1 << 6
)

// Values of the plane "type" enum property.
const (
	PlaneTypeOverlay uint64 = 0
	PlaneTypePrimary uint64 = 1
	PlaneTypeCursor  uint64 = 2
)

// Connection is the connector status reported by the kernel.
type Connection uint32

const (
	Connected         Connection = 1
	Disconnected      Connection = 2
	UnknownConnection Connection = 3
)

func (c Connection) String() string {
	switch c {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ModeInfo mirrors struct drm_mode_modeinfo.
type ModeInfo struct {
	Clock      uint32
	Hdisplay   uint16
	HsyncStart uint16
	HsyncEnd   uint16
	Htotal     uint16
	Hskew      uint16
	Vdisplay   uint16
	VsyncStart uint16
	VsyncEnd   uint16
	Vtotal     uint16
	Vscan      uint16
	Vrefresh   uint32
	Flags      uint32
	Type       uint32
	Name       [32]byte
}

// ModeName returns the NUL-terminated mode name.
func (m *ModeInfo) ModeName() string {
	return cString(m.Name[:])
}

func (m *ModeInfo) String() string {
	return fmt.Sprintf("%dx%d@%d", m.Hdisplay, m.Vdisplay, m.Vrefresh)
}

// Bytes returns the raw kernel representation of the mode, as needed for a
// MODE_ID property blob.
func (m *ModeInfo) Bytes() []byte {
	b := make([]byte, unsafe.Sizeof(*m))
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(m)), len(b)))
	return b
}

// Resources is the result of GETRESOURCES.
type Resources struct {
	FBs        []uint32
	Crtcs      []uint32
	Connectors []uint32
	Encoders   []uint32
	MinWidth   uint32
	MaxWidth   uint32
	MinHeight  uint32
	MaxHeight  uint32
}

// CrtcIndex returns the position of crtcID in the CRTC list, or -1.
func (r *Resources) CrtcIndex(crtcID uint32) int {
	for i, id := range r.Crtcs {
		if id == crtcID {
			return i
		}
	}
	return -1
}

// Connector is the result of GETCONNECTOR.
type Connector struct {
	ID         uint32
	EncoderID  uint32
	Type       uint32
	TypeID     uint32
	Connection Connection
	MMWidth    uint32
	MMHeight   uint32
	Subpixel   uint32
	Modes      []ModeInfo
	Encoders   []uint32
	Props      []uint32
	PropValues []uint64
}

// Encoder is the result of GETENCODER.
type Encoder struct {
	ID             uint32
	Type           uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

// Crtc is the result of GETCRTC.
type Crtc struct {
	ID        uint32
	FBID      uint32
	X, Y      uint32
	GammaSize uint32
	ModeValid bool
	Mode      ModeInfo
}

// Plane is the result of GETPLANE.
type Plane struct {
	ID            uint32
	CrtcID        uint32
	FBID          uint32
	PossibleCrtcs uint32
	GammaSize     uint32
	Formats       []Fourcc
}

// PropertyValue is one (property id, value) pair of an object.
type PropertyValue struct {
	ID    uint32
	Value uint64
}

// PropertyEnum is one named value of an enum or bitmask property.
type PropertyEnum struct {
	Value uint64
	Name  string
}

// Property is the result of GETPROPERTY.
type Property struct {
	ID     uint32
	Name   string
	Flags  uint32
	Values []uint64
	Enums  []PropertyEnum
}

// Immutable reports whether the property is read-only.
func (p *Property) Immutable() bool { return p.Flags&PropImmutable != 0 }

// Kernel structs. Layouts follow include/uapi/drm/drm_mode.h.

type modeCardRes struct {
	fbIDPtr         uint64
	crtcIDPtr       uint64
	connectorIDPtr  uint64
	encoderIDPtr    uint64
	countFbs        uint32
	countCrtcs      uint32
	countConnectors uint32
	countEncoders   uint32
	minWidth        uint32
	maxWidth        uint32
	minHeight       uint32
	maxHeight       uint32
}

type modeGetConnector struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	pad             uint32
}

type modeGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

type modeCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x                uint32
	y                uint32
	gammaSize        uint32
	modeValid        uint32
	mode             ModeInfo
}

type modeGetPlaneRes struct {
	planeIDPtr  uint64
	countPlanes uint32
}

type modeGetPlane struct {
	planeID          uint32
	crtcID           uint32
	fbID             uint32
	possibleCrtcs    uint32
	gammaSize        uint32
	countFormatTypes uint32
	formatTypePtr    uint64
}

type modeObjGetProperties struct {
	propsPtr      uint64
	propValuesPtr uint64
	countProps    uint32
	objID         uint32
	objType       uint32
}

type modeGetProperty struct {
	valuesPtr      uint64
	enumBlobPtr    uint64
	propID         uint32
	flags          uint32
	name           [32]byte
	countValues    uint32
	countEnumBlobs uint32
}

type modePropertyEnum struct {
	value uint64
	name  [32]byte
}

type modeCreateBlob struct {
	data   uint64
	length uint32
	blobID uint32
}

type modeDestroyBlob struct {
	blobID uint32
}

type modeFBCmd struct {
	fbID   uint32
	width  uint32
	height uint32
	pitch  uint32
	bpp    uint32
	depth  uint32
	handle uint32
}

type modeCrtcPageFlip struct {
	crtcID   uint32
	fbID     uint32
	flags    uint32
	reserved uint32
	userData uint64
}

type modeAtomic struct {
	flags         uint32
	countObjs     uint32
	objsPtr       uint64
	countPropsPtr uint64
	propsPtr      uint64
	propValuesPtr uint64
	reserved      uint64
	userData      uint64
}

type getCap struct {
	capability uint64
	value      uint64
}

type setClientCap struct {
	capability uint64
	value      uint64
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
