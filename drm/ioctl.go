package drm

import "unsafe"

// ioctl request encoding from include/uapi/asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	drmIoctlBase = 'd'
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, drmIoctlBase, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, drmIoctlBase, nr, size) }

var (
	ioctlGetCap       = iowr(0x0C, unsafe.Sizeof(getCap{}))
	ioctlSetClientCap = iow(0x0D, unsafe.Sizeof(setClientCap{}))

	ioctlModeGetResources     = iowr(0xA0, unsafe.Sizeof(modeCardRes{}))
	ioctlModeGetCrtc          = iowr(0xA1, unsafe.Sizeof(modeCrtc{}))
	ioctlModeSetCrtc          = iowr(0xA2, unsafe.Sizeof(modeCrtc{}))
	ioctlModeGetEncoder       = iowr(0xA6, unsafe.Sizeof(modeGetEncoder{}))
	ioctlModeGetConnector     = iowr(0xA7, unsafe.Sizeof(modeGetConnector{}))
	ioctlModeGetProperty      = iowr(0xAA, unsafe.Sizeof(modeGetProperty{}))
	ioctlModeAddFB            = iowr(0xAE, unsafe.Sizeof(modeFBCmd{}))
	ioctlModeRmFB             = iowr(0xAF, unsafe.Sizeof(uint32(0)))
	ioctlModePageFlip         = iowr(0xB0, unsafe.Sizeof(modeCrtcPageFlip{}))
	ioctlModeGetPlaneRes      = iowr(0xB5, unsafe.Sizeof(modeGetPlaneRes{}))
	ioctlModeGetPlane         = iowr(0xB6, unsafe.Sizeof(modeGetPlane{}))
	ioctlModeObjGetProperties = iowr(0xB9, unsafe.Sizeof(modeObjGetProperties{}))
	ioctlModeAtomic           = iowr(0xBC, unsafe.Sizeof(modeAtomic{}))
	ioctlModeCreatePropBlob   = iowr(0xBD, unsafe.Sizeof(modeCreateBlob{}))
	ioctlModeDestroyPropBlob  = iowr(0xBE, unsafe.Sizeof(modeDestroyBlob{}))
)

func slicePtr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}
