package vidplane

import "errors"

// Decoder negotiation errors.
var (
	ErrNotM2M              = errors.New("vidplane: device is not a memory-to-memory video device")
	ErrNoStreaming         = errors.New("vidplane: device does not support streaming I/O")
	ErrNoExport            = errors.New("vidplane: device cannot export buffers as DMA-BUF")
	ErrInsufficientBuffers = errors.New("vidplane: driver granted fewer buffers than required")
	ErrNoCompressedFormat  = errors.New("vidplane: device accepts no compressed input format")
	ErrNoDecoder           = errors.New("vidplane: no usable video decoder found")
)

// Plane allocation errors.
var (
	ErrPoolExhausted   = errors.New("vidplane: every plane is in use")
	ErrNoMatchingPlane = errors.New("vidplane: no free plane matches the request")
	ErrNoPrimaryPlane  = errors.New("vidplane: no primary plane")
	ErrPlaneInUse      = errors.New("vidplane: plane is already in use")
	ErrPlaneNotInUse   = errors.New("vidplane: plane is not in use")
)

// Display errors.
var (
	ErrDisplayInUse = errors.New("vidplane: display already open")
	ErrNoConnector  = errors.New("vidplane: no connected connector with modes")
	ErrNoEncoder    = errors.New("vidplane: no encoder/crtc for connector")
)

// Stream errors.
var (
	ErrEmptyStream         = errors.New("vidplane: stream has no access units")
	ErrBadDescriptor       = errors.New("vidplane: incomplete stream descriptor")
	ErrUnknownStreamFormat = errors.New("vidplane: unrecognized stream format")
)
