package v4l2

import "unsafe"

const (
	iocWrite = 1
	iocRead  = 2

	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	v4l2IoctlBase = 'V'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | v4l2IoctlBase<<iocTypeShift | nr | size<<iocSizeShift
}

func ior(nr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

var (
	vidiocQueryCap     = ior(0, unsafe.Sizeof(Capability{}))
	vidiocEnumFmt      = iowr(2, unsafe.Sizeof(FmtDesc{}))
	vidiocGetFmt       = iowr(4, unsafe.Sizeof(Format{}))
	vidiocSetFmt       = iowr(5, unsafe.Sizeof(Format{}))
	vidiocReqBufs      = iowr(8, unsafe.Sizeof(RequestBuffers{}))
	vidiocQueryBuf     = iowr(9, unsafe.Sizeof(Buffer{}))
	vidiocQBuf         = iowr(15, unsafe.Sizeof(Buffer{}))
	vidiocExpBuf       = iowr(16, unsafe.Sizeof(ExportBuffer{}))
	vidiocDQBuf        = iowr(17, unsafe.Sizeof(Buffer{}))
	vidiocStreamOn     = iow(18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff    = iow(19, unsafe.Sizeof(int32(0)))
	vidiocGetCtrl      = iowr(27, unsafe.Sizeof(Control{}))
	vidiocGetSelection = iowr(94, unsafe.Sizeof(Selection{}))
)
