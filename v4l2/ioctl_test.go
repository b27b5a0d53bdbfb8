//go:build amd64 || arm64

package v4l2

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestIoctlNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"QUERYCAP", vidiocQueryCap, 0x80685600},
		{"ENUM_FMT", vidiocEnumFmt, 0xc0405602},
		{"G_FMT", vidiocGetFmt, 0xc0d05604},
		{"S_FMT", vidiocSetFmt, 0xc0d05605},
		{"REQBUFS", vidiocReqBufs, 0xc0145608},
		{"QUERYBUF", vidiocQueryBuf, 0xc0585609},
		{"QBUF", vidiocQBuf, 0xc058560f},
		{"EXPBUF", vidiocExpBuf, 0xc0405610},
		{"DQBUF", vidiocDQBuf, 0xc0585611},
		{"STREAMON", vidiocStreamOn, 0x40045612},
		{"STREAMOFF", vidiocStreamOff, 0x40045613},
		{"G_CTRL", vidiocGetCtrl, 0xc008561b},
		{"G_SELECTION", vidiocGetSelection, 0xc040565e},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equalf(t, tt.want, tt.got, "%#x", tt.got)
		})
	}
}

func TestStructLayout(t *testing.T) {
	assert.Equal(t, uintptr(104), unsafe.Sizeof(Capability{}))
	assert.Equal(t, uintptr(208), unsafe.Sizeof(Format{}))
	assert.Equal(t, uintptr(192), unsafe.Sizeof(PixFormatMPlane{}))
	assert.Equal(t, uintptr(48), unsafe.Sizeof(PixFormat{}))
	assert.Equal(t, uintptr(88), unsafe.Sizeof(Buffer{}))
	assert.Equal(t, uintptr(64), unsafe.Sizeof(Plane{}))

	var b Buffer
	assert.Equal(t, uintptr(64), unsafe.Offsetof(b.m))
	assert.Equal(t, uintptr(72), unsafe.Offsetof(b.Length))
	assert.Equal(t, uintptr(80), unsafe.Offsetof(b.RequestFD))

	var f Format
	assert.Equal(t, uintptr(8), unsafe.Offsetof(f.fmt))
}
