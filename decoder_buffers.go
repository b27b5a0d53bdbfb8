package vidplane

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/thesyncim/vidplane/v4l2"
)

// bufferSlot is one driver buffer and the userspace resources bound to it:
// the mapping of an input buffer, or the exported DMA-BUF fds of an output
// buffer. buf.m points into planes for multi-planar buffers, so slots are
// never copied.
type bufferSlot struct {
	buf        v4l2.Buffer
	planes     [v4l2.MaxPlanes]v4l2.Plane
	planeCount int
	mem        []byte
	fds        [v4l2.MaxPlanes]int
	capacity   int
}

func newBufferSlot(bufType, index uint32) *bufferSlot {
	s := &bufferSlot{fds: [v4l2.MaxPlanes]int{-1, -1, -1}}
	s.buf.Type = bufType
	s.buf.Index = index
	s.buf.Memory = v4l2.MemoryMMAP
	return s
}

// fd is the plane-0 export, which identifies an output buffer.
func (s *bufferSlot) fd() int { return s.fds[0] }

// free reports whether the driver no longer holds an input buffer.
func (s *bufferSlot) free() bool {
	return s.buf.Flags&v4l2.BufFlagQueued == 0 || s.buf.Flags&v4l2.BufFlagDone != 0
}

// adopt takes over a buffer returned by DQBUF, keeping buf.m pointed at
// the slot's own plane array.
func (s *bufferSlot) adopt(b *v4l2.Buffer, multiPlanar bool) {
	var planes []v4l2.Plane
	if multiPlanar {
		planes = b.Planes()
		copy(s.planes[:], planes)
	}
	s.buf = *b
	if multiPlanar {
		s.buf.SetPlanes(s.planes[:len(planes)])
	}
}

func (d *Decoder) requestBuffers(bufType uint32, count int) (int, error) {
	req := v4l2.RequestBuffers{Count: uint32(count), Type: bufType, Memory: v4l2.MemoryMMAP}
	if err := d.dev.RequestBuffers(&req); err != nil {
		return 0, err
	}
	return int(req.Count), nil
}

// minBuffers reads a MIN_BUFFERS control. Zero means the driver did not
// report one.
func (d *Decoder) minBuffers(id uint32) int {
	v, err := d.dev.GetControl(id)
	if err != nil || v < 0 {
		return 0
	}
	return int(v)
}

func (d *Decoder) setupInputBuffers() (err error) {
	defer func() {
		if err != nil {
			d.tearDownInputBuffers()
		}
	}()

	needed := defaultInputBuffers
	d.minBuffersIn = d.minBuffers(v4l2.CIDMinBuffersForOutput)
	if d.minBuffersIn != 0 {
		needed = d.minBuffersIn
	} else {
		d.minBuffersIn = minInputBuffers
	}

	granted, err := d.requestBuffers(d.inType, needed)
	if err != nil {
		return fmt.Errorf("request %d input buffers: %w", needed, err)
	}
	d.numBuffersIn = granted
	if granted < d.minBuffersIn {
		return fmt.Errorf("input: granted %d, need %d: %w", granted, d.minBuffersIn, ErrInsufficientBuffers)
	}

	d.in = make([]*bufferSlot, granted)
	for i := range d.in {
		s := newBufferSlot(d.inType, uint32(i))
		d.in[i] = s
		if d.multiPlanar {
			s.buf.SetPlanes(s.planes[:])
		}
		if err := d.dev.QueryBuffer(&s.buf); err != nil {
			return err
		}

		var offset uint32
		var length int
		if d.multiPlanar {
			if s.buf.Length != 1 {
				return fmt.Errorf("input buffer %d: compressed input has %d planes, want 1", i, s.buf.Length)
			}
			s.buf.SetPlanes(s.planes[:1])
			offset, length = s.planes[0].MemOffset(), int(s.planes[0].Length)
		} else {
			offset, length = s.buf.Offset(), int(s.buf.Length)
		}

		s.mem, err = d.dev.Mmap(offset, length)
		if err != nil {
			return err
		}
		s.capacity = length
		d.log.Trace().Int("index", i).Int("length", length).Uint32("offset", offset).Msg("input buffer")
	}
	return nil
}

func (d *Decoder) tearDownInputBuffers() {
	if d.in != nil {
		if err := d.dev.StreamOff(d.inType); err != nil {
			d.log.Debug().Err(err).Msg("stream off input")
		}
		for _, s := range d.in {
			if s != nil && s.mem != nil {
				if err := d.dev.Munmap(s.mem); err != nil {
					d.log.Warn().Err(err).Uint32("index", s.buf.Index).Msg("unmap input buffer")
				}
				s.mem = nil
			}
		}
		d.in = nil
	}
	if d.numBuffersIn > 0 {
		if _, err := d.requestBuffers(d.inType, 0); err != nil {
			d.log.Error().Err(err).Msg("release input buffers")
		}
		d.numBuffersIn = 0
	}
}

func (d *Decoder) setupOutputBuffers() (err error) {
	defer func() {
		if err != nil {
			d.tearDownOutputBuffers()
		}
	}()

	needed := defaultOutputBuffers
	d.minBuffersOut = d.minBuffers(v4l2.CIDMinBuffersForCapture)
	if d.minBuffersOut != 0 {
		needed = d.minBuffersOut + outputBufferMargin
	} else {
		d.minBuffersOut = minOutputBuffers
	}

	granted, err := d.requestBuffers(d.outType, needed)
	if err != nil {
		return fmt.Errorf("decoder %d: request %d output buffers: %w", d.index, needed, err)
	}
	d.numBuffersOut = granted
	if granted < d.minBuffersOut {
		return fmt.Errorf("decoder %d: output: granted %d, need %d: %w", d.index, granted, d.minBuffersOut, ErrInsufficientBuffers)
	}

	d.out = make([]*bufferSlot, granted)
	for i := range d.out {
		d.out[i] = newBufferSlot(d.outType, uint32(i))
	}
	for i, s := range d.out {
		if d.multiPlanar {
			s.buf.SetPlanes(s.planes[:d.fmtOut.PixMP().NumPlanes])
		}
		if err := d.dev.QueryBuffer(&s.buf); err != nil {
			return fmt.Errorf("decoder %d: %w", d.index, err)
		}

		if d.multiPlanar {
			s.planeCount = int(s.buf.Length)
			d.outPlanes = s.planeCount
			for j := 0; j < s.planeCount; j++ {
				if s.fds[j], err = d.exportBuffer(i, j); err != nil {
					return err
				}
				s.capacity += int(s.planes[j].Length)
			}
		} else {
			if s.fds[0], err = d.exportBuffer(i, 0); err != nil {
				return err
			}
			s.capacity = int(s.buf.Length)
		}
		d.log.Trace().Int("index", i).Int("fd", s.fd()).Int("capacity", s.capacity).Msg("output buffer")
	}
	return nil
}

func (d *Decoder) exportBuffer(index, plane int) (int, error) {
	eb := v4l2.ExportBuffer{
		Type:  d.outType,
		Index: uint32(index),
		Plane: uint32(plane),
		Flags: unix.O_CLOEXEC,
	}
	fd, err := d.dev.ExportBuffer(&eb)
	if err != nil {
		return -1, fmt.Errorf("decoder %d: %w", d.index, err)
	}
	return fd, nil
}

func (d *Decoder) tearDownOutputBuffers() {
	if d.out != nil {
		if err := d.dev.StreamOff(d.outType); err != nil {
			d.log.Debug().Err(err).Msg("stream off output")
		}
		for _, s := range d.out {
			for j, fd := range s.fds {
				if fd >= 0 {
					if err := d.dev.CloseBufferFD(fd); err != nil {
						d.log.Warn().Err(err).Int("fd", fd).Msg("close output buffer")
					}
					s.fds[j] = -1
				}
			}
			s.planeCount = 0
		}
		d.out = nil
		d.outPlanes = 0
	}
	if d.numBuffersOut > 0 {
		if _, err := d.requestBuffers(d.outType, 0); err != nil {
			d.log.Error().Err(err).Msg("release output buffers")
		}
		d.numBuffersOut = 0
	}
}

// errDequeueTimeout is returned when no buffer completed within the poll
// timeout.
var errDequeueTimeout = errors.New("dequeue timeout")

// dequeue waits up to timeout for a completed buffer of bufType. For
// multi-planar buffers the driver fills scratch, which must outlive the
// returned descriptor.
func (d *Decoder) dequeue(bufType uint32, scratch []v4l2.Plane, events int16, timeout time.Duration) (v4l2.Buffer, error) {
	for {
		b := v4l2.Buffer{Type: bufType, Memory: v4l2.MemoryMMAP}
		if d.multiPlanar {
			clear(scratch)
			b.SetPlanes(scratch)
		}
		err := d.dev.DequeueBuffer(&b)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, unix.EAGAIN) {
			return b, fmt.Errorf("v4l2: dqbuf type %d: %w", bufType, err)
		}
		revents, err := d.dev.Poll(events, timeout)
		if err != nil {
			return b, err
		}
		if revents&unix.POLLERR != 0 {
			return b, fmt.Errorf("v4l2: poll type %d: %w", bufType, unix.EIO)
		}
		if revents&events == 0 {
			return b, errDequeueTimeout
		}
	}
}

// acquireInput returns an input slot the driver is not holding, waiting up
// to timeout for one to complete.
func (d *Decoder) acquireInput(timeout time.Duration) (*bufferSlot, error) {
	for _, s := range d.in {
		if s.free() {
			return s, nil
		}
	}
	b, err := d.dequeue(d.inType, d.inScratch[:1], unix.POLLOUT, timeout)
	if err != nil {
		return nil, err
	}
	if int(b.Index) >= len(d.in) {
		return nil, fmt.Errorf("v4l2: dequeued input index %d out of range", b.Index)
	}
	s := d.in[b.Index]
	s.adopt(&b, d.multiPlanar)
	return s, nil
}

// queueInput copies one access unit into s and queues it.
func (d *Decoder) queueInput(s *bufferSlot, unit []byte) error {
	if len(unit) > len(s.mem) {
		return fmt.Errorf("access unit of %d bytes exceeds input buffer of %d", len(unit), len(s.mem))
	}
	n := copy(s.mem, unit)
	s.buf.BytesUsed = uint32(n)
	if d.multiPlanar {
		s.planes[0].BytesUsed = uint32(n)
	}
	s.buf.Timestamp = v4l2.Timeval{}
	if err := d.dev.QueueBuffer(&s.buf); err != nil {
		return err
	}
	d.m.inputQueued(d.index)
	return nil
}

// queueOutput hands an output slot back to the driver.
func (d *Decoder) queueOutput(s *bufferSlot) error {
	if d.multiPlanar {
		for j := 0; j < s.planeCount; j++ {
			s.planes[j].BytesUsed = s.planes[j].Length
		}
	}
	return d.dev.QueueBuffer(&s.buf)
}

// startOutput queues every output buffer, starts capture streaming and
// reads the decoded picture size.
func (d *Decoder) startOutput() error {
	for _, s := range d.out {
		if err := d.queueOutput(s); err != nil {
			return fmt.Errorf("decoder %d: queue output: %w", d.index, err)
		}
	}
	if err := d.dev.StreamOn(d.outType); err != nil {
		return fmt.Errorf("decoder %d: %w", d.index, err)
	}
	return d.readVideoSize()
}

// dequeueOutput waits up to timeout for a decoded frame.
func (d *Decoder) dequeueOutput(timeout time.Duration) (*bufferSlot, error) {
	b, err := d.dequeue(d.outType, d.outScratch[:d.outPlanes], unix.POLLIN, timeout)
	if err != nil {
		return nil, err
	}
	if int(b.Index) >= len(d.out) {
		return nil, fmt.Errorf("v4l2: dequeued output index %d out of range", b.Index)
	}
	s := d.out[b.Index]
	s.adopt(&b, d.multiPlanar)
	return s, nil
}

// outputSlot returns the output slot with index i, or nil.
func (d *Decoder) outputSlot(i int) *bufferSlot {
	if i < 0 || i >= len(d.out) {
		return nil
	}
	return d.out[i]
}

// frameDescriptor describes output slot s for import.
func (d *Decoder) frameDescriptor(s *bufferSlot, layout ImportLayout, seq uint64) FrameDescriptor {
	chroma := s.fds[0]
	if d.multiPlanar && s.planeCount > 1 {
		chroma = s.fds[1]
	}
	return FrameDescriptor{
		LumaFD:   s.fds[0],
		ChromaFD: chroma,
		Width:    d.width,
		Height:   d.height,
		Layout:   layout,
		Sequence: seq,
	}
}
