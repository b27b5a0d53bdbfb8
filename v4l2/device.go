//go:build linux

package v4l2

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is an open V4L2 video node.
type Device struct {
	fd   int
	path string
}

// Open opens a video node read-write and non-blocking. DequeueBuffer
// returns EAGAIN when nothing is ready; pair it with Poll.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("v4l2: open %s: %w", path, err)
	}
	return &Device{fd: fd, path: path}, nil
}

// Fd returns the underlying file descriptor.
func (d *Device) Fd() int { return d.fd }

// Path returns the node path.
func (d *Device) Path() string { return d.path }

// Close closes the node.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// QueryCapability issues VIDIOC_QUERYCAP.
func (d *Device) QueryCapability() (Capability, error) {
	var c Capability
	if err := d.ioctl(vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return c, fmt.Errorf("v4l2: querycap: %w", err)
	}
	return c, nil
}

// EnumFormat returns the index'th format of a buffer type. It fails with
// EINVAL past the last format.
func (d *Device) EnumFormat(bufType, index uint32) (FmtDesc, error) {
	desc := FmtDesc{Index: index, Type: bufType}
	if err := d.ioctl(vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
		return desc, fmt.Errorf("v4l2: enum fmt %d: %w", index, err)
	}
	return desc, nil
}

// GetFormat issues VIDIOC_G_FMT for f.Type.
func (d *Device) GetFormat(f *Format) error {
	if err := d.ioctl(vidiocGetFmt, unsafe.Pointer(f)); err != nil {
		return fmt.Errorf("v4l2: g_fmt: %w", err)
	}
	return nil
}

// SetFormat issues VIDIOC_S_FMT. The driver may adjust f.
func (d *Device) SetFormat(f *Format) error {
	if err := d.ioctl(vidiocSetFmt, unsafe.Pointer(f)); err != nil {
		return fmt.Errorf("v4l2: s_fmt: %w", err)
	}
	return nil
}

// GetControl reads a control value.
func (d *Device) GetControl(id uint32) (int32, error) {
	c := Control{ID: id}
	if err := d.ioctl(vidiocGetCtrl, unsafe.Pointer(&c)); err != nil {
		return 0, fmt.Errorf("v4l2: g_ctrl %#x: %w", id, err)
	}
	return c.Value, nil
}

// RequestBuffers issues VIDIOC_REQBUFS. Count zero frees the queue.
func (d *Device) RequestBuffers(req *RequestBuffers) error {
	if err := d.ioctl(vidiocReqBufs, unsafe.Pointer(req)); err != nil {
		return fmt.Errorf("v4l2: reqbufs %d: %w", req.Count, err)
	}
	return nil
}

// QueryBuffer issues VIDIOC_QUERYBUF.
func (d *Device) QueryBuffer(b *Buffer) error {
	if err := d.ioctl(vidiocQueryBuf, unsafe.Pointer(b)); err != nil {
		return fmt.Errorf("v4l2: querybuf %d: %w", b.Index, err)
	}
	return nil
}

// QueueBuffer issues VIDIOC_QBUF.
func (d *Device) QueueBuffer(b *Buffer) error {
	if err := d.ioctl(vidiocQBuf, unsafe.Pointer(b)); err != nil {
		return fmt.Errorf("v4l2: qbuf %d: %w", b.Index, err)
	}
	return nil
}

// DequeueBuffer issues VIDIOC_DQBUF. The raw errno is returned unwrapped
// so callers can compare against EAGAIN cheaply.
func (d *Device) DequeueBuffer(b *Buffer) error {
	return d.ioctl(vidiocDQBuf, unsafe.Pointer(b))
}

// ExportBuffer issues VIDIOC_EXPBUF and returns the new DMA-BUF fd.
func (d *Device) ExportBuffer(e *ExportBuffer) (int, error) {
	if err := d.ioctl(vidiocExpBuf, unsafe.Pointer(e)); err != nil {
		return -1, fmt.Errorf("v4l2: expbuf %d/%d: %w", e.Index, e.Plane, err)
	}
	return int(e.Fd), nil
}

// StreamOn starts streaming on a buffer type.
func (d *Device) StreamOn(bufType uint32) error {
	t := int32(bufType)
	if err := d.ioctl(vidiocStreamOn, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("v4l2: streamon %d: %w", bufType, err)
	}
	return nil
}

// StreamOff stops streaming and returns all buffers of the type to
// userspace.
func (d *Device) StreamOff(bufType uint32) error {
	t := int32(bufType)
	if err := d.ioctl(vidiocStreamOff, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("v4l2: streamoff %d: %w", bufType, err)
	}
	return nil
}

// GetSelection issues VIDIOC_G_SELECTION.
func (d *Device) GetSelection(s *Selection) error {
	if err := d.ioctl(vidiocGetSelection, unsafe.Pointer(s)); err != nil {
		return fmt.Errorf("v4l2: g_selection: %w", err)
	}
	return nil
}

// Mmap maps length bytes of a buffer at the offset reported by QUERYBUF.
func (d *Device) Mmap(offset uint32, length int) ([]byte, error) {
	b, err := unix.Mmap(d.fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("v4l2: mmap %d@%#x: %w", length, offset, err)
	}
	return b, nil
}

// Munmap releases a mapping returned by Mmap.
func (d *Device) Munmap(b []byte) error {
	return unix.Munmap(b)
}

// Poll waits up to timeout for events (unix.POLLIN, unix.POLLOUT, ...) and
// returns the events that fired. A zero result means the wait timed out.
func (d *Device) Poll(events int16, timeout time.Duration) (int16, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: events}}
	for {
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("v4l2: poll: %w", err)
		}
		if n == 0 {
			return 0, nil
		}
		return fds[0].Revents, nil
	}
}

// CloseBufferFD closes an fd returned by ExportBuffer.
func (d *Device) CloseBufferFD(fd int) error {
	return unix.Close(fd)
}
