//go:build linux

package drm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultCardPath is the first DRM card node.
const DefaultCardPath = "/dev/dri/card0"

// Card is an open DRM device node.
type Card struct {
	fd   int
	path string
}

// Open opens a DRM card node read-write.
func Open(path string) (*Card, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("drm: open %s: %w", path, err)
	}
	return &Card{fd: fd, path: path}, nil
}

// Fd returns the underlying file descriptor.
func (c *Card) Fd() int { return c.fd }

// Path returns the device path the card was opened from.
func (c *Card) Path() string { return c.path }

// Close closes the device node.
func (c *Card) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// ioctl retries on EINTR/EAGAIN the way libdrm's drmIoctl does.
func (c *Card) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

// GetCap queries a driver capability.
func (c *Card) GetCap(capability uint64) (uint64, error) {
	arg := &getCap{capability: capability}
	if err := c.ioctl(ioctlGetCap, unsafe.Pointer(arg)); err != nil {
		return 0, fmt.Errorf("drm: get cap %d: %w", capability, err)
	}
	return arg.value, nil
}

// SetClientCap enables a client capability such as universal planes.
func (c *Card) SetClientCap(capability, value uint64) error {
	arg := &setClientCap{capability: capability, value: value}
	if err := c.ioctl(ioctlSetClientCap, unsafe.Pointer(arg)); err != nil {
		return fmt.Errorf("drm: set client cap %d: %w", capability, err)
	}
	return nil
}

// Resources returns the card's CRTCs, connectors, encoders and framebuffers.
func (c *Card) Resources() (*Resources, error) {
	for {
		var probe modeCardRes
		if err := c.ioctl(ioctlModeGetResources, unsafe.Pointer(&probe)); err != nil {
			return nil, fmt.Errorf("drm: get resources: %w", err)
		}

		res := &Resources{
			FBs:        make([]uint32, probe.countFbs),
			Crtcs:      make([]uint32, probe.countCrtcs),
			Connectors: make([]uint32, probe.countConnectors),
			Encoders:   make([]uint32, probe.countEncoders),
		}
		arg := modeCardRes{
			fbIDPtr:         slicePtr(res.FBs),
			crtcIDPtr:       slicePtr(res.Crtcs),
			connectorIDPtr:  slicePtr(res.Connectors),
			encoderIDPtr:    slicePtr(res.Encoders),
			countFbs:        probe.countFbs,
			countCrtcs:      probe.countCrtcs,
			countConnectors: probe.countConnectors,
			countEncoders:   probe.countEncoders,
		}
		if err := c.ioctl(ioctlModeGetResources, unsafe.Pointer(&arg)); err != nil {
			return nil, fmt.Errorf("drm: get resources: %w", err)
		}
		runtime.KeepAlive(res)

		// Hotplug between the two calls; try again.
		if arg.countFbs > probe.countFbs || arg.countCrtcs > probe.countCrtcs ||
			arg.countConnectors > probe.countConnectors || arg.countEncoders > probe.countEncoders {
			continue
		}
		res.FBs = res.FBs[:arg.countFbs]
		res.Crtcs = res.Crtcs[:arg.countCrtcs]
		res.Connectors = res.Connectors[:arg.countConnectors]
		res.Encoders = res.Encoders[:arg.countEncoders]
		res.MinWidth, res.MaxWidth = arg.minWidth, arg.maxWidth
		res.MinHeight, res.MaxHeight = arg.minHeight, arg.maxHeight
		return res, nil
	}
}

// Connector returns a connector with its modes and properties.
func (c *Card) Connector(id uint32) (*Connector, error) {
	for {
		probe := modeGetConnector{connectorID: id}
		if err := c.ioctl(ioctlModeGetConnector, unsafe.Pointer(&probe)); err != nil {
			return nil, fmt.Errorf("drm: get connector %d: %w", id, err)
		}

		conn := &Connector{
			Modes:      make([]ModeInfo, probe.countModes),
			Encoders:   make([]uint32, probe.countEncoders),
			Props:      make([]uint32, probe.countProps),
			PropValues: make([]uint64, probe.countProps),
		}
		arg := modeGetConnector{
			connectorID:   id,
			encodersPtr:   slicePtr(conn.Encoders),
			modesPtr:      slicePtr(conn.Modes),
			propsPtr:      slicePtr(conn.Props),
			propValuesPtr: slicePtr(conn.PropValues),
			countModes:    probe.countModes,
			countEncoders: probe.countEncoders,
			countProps:    probe.countProps,
		}
		if err := c.ioctl(ioctlModeGetConnector, unsafe.Pointer(&arg)); err != nil {
			return nil, fmt.Errorf("drm: get connector %d: %w", id, err)
		}
		runtime.KeepAlive(conn)

		if arg.countModes > probe.countModes || arg.countEncoders > probe.countEncoders || arg.countProps > probe.countProps {
			continue
		}
		conn.ID = arg.connectorID
		conn.EncoderID = arg.encoderID
		conn.Type = arg.connectorType
		conn.TypeID = arg.connectorTypeID
		conn.Connection = Connection(arg.connection)
		conn.MMWidth, conn.MMHeight = arg.mmWidth, arg.mmHeight
		conn.Subpixel = arg.subpixel
		conn.Modes = conn.Modes[:arg.countModes]
		conn.Encoders = conn.Encoders[:arg.countEncoders]
		conn.Props = conn.Props[:arg.countProps]
		conn.PropValues = conn.PropValues[:arg.countProps]
		return conn, nil
	}
}

// Encoder returns an encoder.
func (c *Card) Encoder(id uint32) (*Encoder, error) {
	arg := &modeGetEncoder{encoderID: id}
	if err := c.ioctl(ioctlModeGetEncoder, unsafe.Pointer(arg)); err != nil {
		return nil, fmt.Errorf("drm: get encoder %d: %w", id, err)
	}
	return &Encoder{
		ID:             arg.encoderID,
		Type:           arg.encoderType,
		CrtcID:         arg.crtcID,
		PossibleCrtcs:  arg.possibleCrtcs,
		PossibleClones: arg.possibleClones,
	}, nil
}

// Crtc returns a CRTC and its current mode.
func (c *Card) Crtc(id uint32) (*Crtc, error) {
	arg := &modeCrtc{crtcID: id}
	if err := c.ioctl(ioctlModeGetCrtc, unsafe.Pointer(arg)); err != nil {
		return nil, fmt.Errorf("drm: get crtc %d: %w", id, err)
	}
	return &Crtc{
		ID:        arg.crtcID,
		FBID:      arg.fbID,
		X:         arg.x,
		Y:         arg.y,
		GammaSize: arg.gammaSize,
		ModeValid: arg.modeValid != 0,
		Mode:      arg.mode,
	}, nil
}

// SetCrtc performs a legacy mode set, scanning out fbID on the connectors.
func (c *Card) SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, mode *ModeInfo) error {
	arg := &modeCrtc{
		setConnectorsPtr: slicePtr(connectors),
		countConnectors:  uint32(len(connectors)),
		crtcID:           crtcID,
		fbID:             fbID,
		x:                x,
		y:                y,
	}
	if mode != nil {
		arg.mode = *mode
		arg.modeValid = 1
	}
	err := c.ioctl(ioctlModeSetCrtc, unsafe.Pointer(arg))
	runtime.KeepAlive(connectors)
	if err != nil {
		return fmt.Errorf("drm: set crtc %d: %w", crtcID, err)
	}
	return nil
}

// PlaneResources returns the ids of every plane. Universal planes must be
// enabled for primary and cursor planes to be listed.
func (c *Card) PlaneResources() ([]uint32, error) {
	for {
		var probe modeGetPlaneRes
		if err := c.ioctl(ioctlModeGetPlaneRes, unsafe.Pointer(&probe)); err != nil {
			return nil, fmt.Errorf("drm: get plane resources: %w", err)
		}
		ids := make([]uint32, probe.countPlanes)
		arg := modeGetPlaneRes{planeIDPtr: slicePtr(ids), countPlanes: probe.countPlanes}
		if err := c.ioctl(ioctlModeGetPlaneRes, unsafe.Pointer(&arg)); err != nil {
			return nil, fmt.Errorf("drm: get plane resources: %w", err)
		}
		runtime.KeepAlive(ids)
		if arg.countPlanes > probe.countPlanes {
			continue
		}
		return ids[:arg.countPlanes], nil
	}
}

// Plane returns a plane and its supported formats.
func (c *Card) Plane(id uint32) (*Plane, error) {
	probe := modeGetPlane{planeID: id}
	if err := c.ioctl(ioctlModeGetPlane, unsafe.Pointer(&probe)); err != nil {
		return nil, fmt.Errorf("drm: get plane %d: %w", id, err)
	}
	formats := make([]Fourcc, probe.countFormatTypes)
	arg := modeGetPlane{
		planeID:          id,
		countFormatTypes: probe.countFormatTypes,
		formatTypePtr:    slicePtr(formats),
	}
	if err := c.ioctl(ioctlModeGetPlane, unsafe.Pointer(&arg)); err != nil {
		return nil, fmt.Errorf("drm: get plane %d: %w", id, err)
	}
	runtime.KeepAlive(formats)
	if arg.countFormatTypes < uint32(len(formats)) {
		formats = formats[:arg.countFormatTypes]
	}
	return &Plane{
		ID:            arg.planeID,
		CrtcID:        arg.crtcID,
		FBID:          arg.fbID,
		PossibleCrtcs: arg.possibleCrtcs,
		GammaSize:     arg.gammaSize,
		Formats:       formats,
	}, nil
}

// ObjectProperties returns the (id, value) pairs of a mode object.
func (c *Card) ObjectProperties(objectID, objectType uint32) ([]PropertyValue, error) {
	for {
		probe := modeObjGetProperties{objID: objectID, objType: objectType}
		if err := c.ioctl(ioctlModeObjGetProperties, unsafe.Pointer(&probe)); err != nil {
			return nil, fmt.Errorf("drm: get properties of object %d: %w", objectID, err)
		}
		ids := make([]uint32, probe.countProps)
		values := make([]uint64, probe.countProps)
		arg := modeObjGetProperties{
			propsPtr:      slicePtr(ids),
			propValuesPtr: slicePtr(values),
			countProps:    probe.countProps,
			objID:         objectID,
			objType:       objectType,
		}
		if err := c.ioctl(ioctlModeObjGetProperties, unsafe.Pointer(&arg)); err != nil {
			return nil, fmt.Errorf("drm: get properties of object %d: %w", objectID, err)
		}
		runtime.KeepAlive(ids)
		runtime.KeepAlive(values)
		if arg.countProps > probe.countProps {
			continue
		}
		out := make([]PropertyValue, arg.countProps)
		for i := range out {
			out[i] = PropertyValue{ID: ids[i], Value: values[i]}
		}
		return out, nil
	}
}

// Property returns a property's name, flags and, for enum and bitmask
// properties, its named values.
func (c *Card) Property(id uint32) (*Property, error) {
	probe := modeGetProperty{propID: id}
	if err := c.ioctl(ioctlModeGetProperty, unsafe.Pointer(&probe)); err != nil {
		return nil, fmt.Errorf("drm: get property %d: %w", id, err)
	}
	prop := &Property{
		ID:    id,
		Name:  cString(probe.name[:]),
		Flags: probe.flags,
	}
	if probe.countValues == 0 && (probe.flags&(PropEnum|PropBitmask) == 0 || probe.countEnumBlobs == 0) {
		return prop, nil
	}

	values := make([]uint64, probe.countValues)
	arg := modeGetProperty{
		propID:      id,
		valuesPtr:   slicePtr(values),
		countValues: probe.countValues,
	}
	var enums []modePropertyEnum
	if probe.flags&(PropEnum|PropBitmask) != 0 && probe.countEnumBlobs > 0 {
		enums = make([]modePropertyEnum, probe.countEnumBlobs)
		arg.enumBlobPtr = slicePtr(enums)
		arg.countEnumBlobs = probe.countEnumBlobs
	}
	if err := c.ioctl(ioctlModeGetProperty, unsafe.Pointer(&arg)); err != nil {
		return nil, fmt.Errorf("drm: get property %d: %w", id, err)
	}
	runtime.KeepAlive(values)
	runtime.KeepAlive(enums)

	prop.Values = values[:min(arg.countValues, probe.countValues)]
	for _, e := range enums[:min(uint32(len(enums)), arg.countEnumBlobs)] {
		prop.Enums = append(prop.Enums, PropertyEnum{Value: e.value, Name: cString(e.name[:])})
	}
	return prop, nil
}

// CreatePropertyBlob uploads data as a property blob and returns its id.
func (c *Card) CreatePropertyBlob(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, errors.New("drm: empty property blob")
	}
	arg := &modeCreateBlob{data: slicePtr(data), length: uint32(len(data))}
	err := c.ioctl(ioctlModeCreatePropBlob, unsafe.Pointer(arg))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, fmt.Errorf("drm: create property blob: %w", err)
	}
	return arg.blobID, nil
}

// DestroyPropertyBlob releases a blob created by CreatePropertyBlob.
func (c *Card) DestroyPropertyBlob(id uint32) error {
	arg := &modeDestroyBlob{blobID: id}
	if err := c.ioctl(ioctlModeDestroyPropBlob, unsafe.Pointer(arg)); err != nil {
		return fmt.Errorf("drm: destroy property blob %d: %w", id, err)
	}
	return nil
}

// AddFB wraps a GEM handle in a framebuffer object.
func (c *Card) AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	arg := &modeFBCmd{
		width:  width,
		height: height,
		pitch:  pitch,
		bpp:    uint32(bpp),
		depth:  uint32(depth),
		handle: handle,
	}
	if err := c.ioctl(ioctlModeAddFB, unsafe.Pointer(arg)); err != nil {
		return 0, fmt.Errorf("drm: add fb %dx%d handle %d: %w", width, height, handle, err)
	}
	return arg.fbID, nil
}

// RmFB destroys a framebuffer object.
func (c *Card) RmFB(fbID uint32) error {
	id := fbID
	if err := c.ioctl(ioctlModeRmFB, unsafe.Pointer(&id)); err != nil {
		return fmt.Errorf("drm: rm fb %d: %w", fbID, err)
	}
	return nil
}

// PageFlip schedules fbID for scanout on the next vblank.
func (c *Card) PageFlip(crtcID, fbID, flags uint32, userData uint64) error {
	arg := &modeCrtcPageFlip{crtcID: crtcID, fbID: fbID, flags: flags, userData: userData}
	if err := c.ioctl(ioctlModePageFlip, unsafe.Pointer(arg)); err != nil {
		return fmt.Errorf("drm: page flip crtc %d fb %d: %w", crtcID, fbID, err)
	}
	return nil
}

// Atomic submits req as one atomic transaction.
func (c *Card) Atomic(req *AtomicRequest, flags uint32, userData uint64) error {
	objs, counts, props, values := req.pack()
	arg := &modeAtomic{
		flags:         flags,
		countObjs:     uint32(len(objs)),
		objsPtr:       slicePtr(objs),
		countPropsPtr: slicePtr(counts),
		propsPtr:      slicePtr(props),
		propValuesPtr: slicePtr(values),
		userData:      userData,
	}
	err := c.ioctl(ioctlModeAtomic, unsafe.Pointer(arg))
	runtime.KeepAlive(objs)
	runtime.KeepAlive(counts)
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	if err != nil {
		return fmt.Errorf("drm: atomic commit (%d objects, %d properties): %w", len(objs), len(props), err)
	}
	return nil
}

// HandleEvents waits until the card fd is readable, or ctx is done, then
// reads and dispatches every pending event to fn.
func (c *Card) HandleEvents(ctx context.Context, fn func(Event)) error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := 100
		if deadline, ok := ctx.Deadline(); ok {
			if ms := int(time.Until(deadline) / time.Millisecond); ms < timeout {
				timeout = max(ms, 0)
			}
		}
		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("drm: poll: %w", err)
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			break
		}
	}

	buf := make([]byte, 1024)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return fmt.Errorf("drm: read events: %w", err)
	}
	events, err := ParseEvents(buf[:n])
	for _, ev := range events {
		fn(ev)
	}
	return err
}
