package vidplane

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/thesyncim/vidplane/v4l2"
)

// VideoDevice is the V4L2 ioctl surface a Decoder drives. *v4l2.Device
// implements it.
type VideoDevice interface {
	QueryCapability() (v4l2.Capability, error)
	EnumFormat(bufType, index uint32) (v4l2.FmtDesc, error)
	GetFormat(f *v4l2.Format) error
	SetFormat(f *v4l2.Format) error
	GetControl(id uint32) (int32, error)

	RequestBuffers(req *v4l2.RequestBuffers) error
	QueryBuffer(b *v4l2.Buffer) error
	QueueBuffer(b *v4l2.Buffer) error
	DequeueBuffer(b *v4l2.Buffer) error
	ExportBuffer(e *v4l2.ExportBuffer) (int, error)
	StreamOn(bufType uint32) error
	StreamOff(bufType uint32) error
	GetSelection(s *v4l2.Selection) error

	Mmap(offset uint32, length int) ([]byte, error)
	Munmap(b []byte) error
	Poll(events int16, timeout time.Duration) (int16, error)
	CloseBufferFD(fd int) error
	Close() error
}

// Buffer counts requested from the driver when it does not report a
// minimum, and the minimums accepted.
const (
	defaultInputBuffers  = 2
	defaultOutputBuffers = 6
	minInputBuffers      = 1
	minOutputBuffers     = 3
	outputBufferMargin   = 2

	inputBufferSize = 1 << 20
)

// DecoderConfig configures a Decoder.
type DecoderConfig struct {
	Index         int    // decoder number used in logs and metrics
	Width, Height int    // coded size of the stream
	Format        uint32 // compressed input pixel format; default v4l2.PixFmtH264

	Logger  zerolog.Logger
	Metrics *Metrics
}

// Decoder is a negotiated V4L2 memory-to-memory decoder: its formats and
// its input and output buffer pools.
type Decoder struct {
	dev   VideoDevice
	index int
	log   zerolog.Logger
	m     *Metrics

	caps        v4l2.Capability
	deviceCaps  uint32
	multiPlanar bool
	inType      uint32
	outType     uint32
	format      uint32

	inputFormats  []v4l2.FmtDesc
	outputFormats []v4l2.FmtDesc
	fmtIn         v4l2.Format
	fmtOut        v4l2.Format

	width, height int

	minBuffersIn  int
	minBuffersOut int
	numBuffersIn  int
	numBuffersOut int
	in            []*bufferSlot
	out           []*bufferSlot
	outPlanes     int

	// DQBUF plane arrays, one per queue so the feeder and the drain can
	// dequeue concurrently.
	inScratch  [v4l2.MaxPlanes]v4l2.Plane
	outScratch [v4l2.MaxPlanes]v4l2.Plane
}

// OpenDecoder verifies that dev is a streaming M2M decoder with DMA-BUF
// export, sets the compressed input format and allocates the input
// buffers. The Decoder owns dev; it is closed when OpenDecoder fails.
func OpenDecoder(dev VideoDevice, cfg DecoderConfig) (*Decoder, error) {
	d := &Decoder{
		dev:    dev,
		index:  cfg.Index,
		log:    cfg.Logger.With().Int("decoder", cfg.Index).Logger(),
		m:      cfg.Metrics,
		width:  cfg.Width,
		height: cfg.Height,
		format: cfg.Format,
	}
	if d.format == 0 {
		d.format = v4l2.PixFmtH264
	}
	if err := d.negotiate(); err != nil {
		d.tearDownInputBuffers()
		dev.Close()
		return nil, fmt.Errorf("decoder %d: %w", cfg.Index, err)
	}
	return d, nil
}

func (d *Decoder) negotiate() error {
	caps, err := d.dev.QueryCapability()
	if err != nil {
		return err
	}
	d.caps = caps
	d.deviceCaps = caps.EffectiveCaps()
	d.log.Debug().
		Str("driver", caps.DriverName()).
		Str("card", caps.CardName()).
		Str("bus", caps.BusName()).
		Str("caps", fmt.Sprintf("%#x", d.deviceCaps)).
		Msg("queried capabilities")

	if d.deviceCaps&(v4l2.CapVideoM2M|v4l2.CapVideoM2MMPlane) == 0 {
		return ErrNotM2M
	}
	if d.deviceCaps&v4l2.CapStreaming == 0 {
		return ErrNoStreaming
	}
	d.multiPlanar = d.deviceCaps&v4l2.CapVideoM2MMPlane != 0 && d.deviceCaps&v4l2.CapVideoM2M == 0
	if d.multiPlanar {
		d.inType, d.outType = v4l2.BufTypeVideoOutputMPlane, v4l2.BufTypeVideoCaptureMPlane
	} else {
		d.inType, d.outType = v4l2.BufTypeVideoOutput, v4l2.BufTypeVideoCapture
	}

	if err := probeExport(d.dev); err != nil {
		return err
	}

	if d.inputFormats, err = enumFormats(d.dev, d.inType); err != nil {
		return fmt.Errorf("input formats: %w", err)
	}
	if d.outputFormats, err = enumFormats(d.dev, d.outType); err != nil {
		return fmt.Errorf("output formats: %w", err)
	}
	for i := range d.inputFormats {
		f := &d.inputFormats[i]
		d.log.Debug().Int("index", i).Str("format", v4l2.FourCCString(f.PixelFormat)).
			Str("desc", f.Name()).Msg("input format")
	}

	if err := d.setInputFormat(); err != nil {
		return err
	}
	return d.setupInputBuffers()
}

// probeExport asks for an export of a buffer that cannot exist. Drivers
// without VIDIOC_EXPBUF fail with ENOTTY, everyone else with EINVAL.
func probeExport(dev VideoDevice) error {
	eb := v4l2.ExportBuffer{
		Type:  v4l2.BufTypeVideoCapture,
		Index: ^uint32(0),
		Plane: ^uint32(0),
		Flags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	fd, err := dev.ExportBuffer(&eb)
	if errors.Is(err, unix.ENOTTY) {
		return ErrNoExport
	}
	if err == nil && fd >= 0 {
		dev.CloseBufferFD(fd)
	}
	return nil
}

func enumFormats(dev VideoDevice, bufType uint32) ([]v4l2.FmtDesc, error) {
	var formats []v4l2.FmtDesc
	for i := uint32(0); ; i++ {
		f, err := dev.EnumFormat(bufType, i)
		if errors.Is(err, unix.EINVAL) {
			return formats, nil
		}
		if err != nil {
			return formats, err
		}
		formats = append(formats, f)
	}
}

func (d *Decoder) setInputFormat() error {
	d.fmtIn = v4l2.Format{Type: d.inType}
	if d.multiPlanar {
		p := d.fmtIn.PixMP()
		p.PixelFormat = d.format
		p.Width, p.Height = uint32(d.width), uint32(d.height)
		p.NumPlanes = 1
		p.PlaneFmt[0].SizeImage = inputBufferSize
		p.PlaneFmt[0].BytesPerLine = 0
		p.Field = v4l2.FieldNone
	} else {
		p := d.fmtIn.Pix()
		p.PixelFormat = d.format
		p.Width, p.Height = uint32(d.width), uint32(d.height)
		p.SizeImage = inputBufferSize
		p.Field = v4l2.FieldNone
	}
	if err := d.dev.SetFormat(&d.fmtIn); err != nil {
		return fmt.Errorf("set input format %s: %w", v4l2.FourCCString(d.format), err)
	}
	return nil
}

// setOutputFormat requests NV12 at the current video size, starting from
// the driver's current capture format.
func (d *Decoder) setOutputFormat() error {
	d.fmtOut = v4l2.Format{Type: d.outType}
	if err := d.dev.GetFormat(&d.fmtOut); err != nil {
		d.log.Warn().Err(err).Msg("get output format")
	}
	w, h := uint32(d.width), uint32(d.height)
	if d.multiPlanar {
		p := d.fmtOut.PixMP()
		p.PixelFormat = v4l2.PixFmtNV12
		p.Width, p.Height = w, h
		p.NumPlanes = 2
		p.PlaneFmt[0].SizeImage = w * h
		p.PlaneFmt[0].BytesPerLine = w
		p.PlaneFmt[1].SizeImage = w * h / 2
		p.PlaneFmt[1].BytesPerLine = w
		p.Field = v4l2.FieldNone
	} else {
		p := d.fmtOut.Pix()
		p.PixelFormat = v4l2.PixFmtNV12
		p.Width, p.Height = w, h
		p.SizeImage = w * h * 3 / 2
		p.Field = v4l2.FieldNone
	}
	if err := d.dev.SetFormat(&d.fmtOut); err != nil {
		return fmt.Errorf("decoder %d: set output format: %w", d.index, err)
	}
	return nil
}

// readVideoSize reads the compose rectangle of the decoded picture and
// makes it the video size.
func (d *Decoder) readVideoSize() error {
	sel := v4l2.Selection{Type: d.outType, Target: v4l2.SelTgtComposeDefault}
	err := d.dev.GetSelection(&sel)
	if err != nil {
		// Some multi-planar drivers only answer for the single-planar type.
		sel = v4l2.Selection{Type: v4l2.BufTypeVideoCapture, Target: v4l2.SelTgtComposeDefault}
		err = d.dev.GetSelection(&sel)
	}
	if err != nil {
		return fmt.Errorf("decoder %d: compose rect: %w", d.index, err)
	}
	d.width, d.height = int(sel.R.Width), int(sel.R.Height)
	d.log.Info().
		Int("width", d.width).
		Int("height", d.height).
		Int("buffers", d.numBuffersOut).
		Msg("decoded frame size")
	return nil
}

// MultiPlanar reports whether the decoder uses the multi-planar API.
func (d *Decoder) MultiPlanar() bool { return d.multiPlanar }

// Driver returns the driver name reported by VIDIOC_QUERYCAP.
func (d *Decoder) Driver() string { return d.caps.DriverName() }

// InputFormats returns the compressed formats the decoder accepts.
func (d *Decoder) InputFormats() []v4l2.FmtDesc { return d.inputFormats }

// OutputFormats returns the raw formats the decoder produces.
func (d *Decoder) OutputFormats() []v4l2.FmtDesc { return d.outputFormats }

// VideoSize returns the stream size, replaced by the decoded picture size
// once output streaming has started.
func (d *Decoder) VideoSize() (width, height int) { return d.width, d.height }

// BufferCounts returns the number of input and output buffers granted by
// the driver.
func (d *Decoder) BufferCounts() (in, out int) { return d.numBuffersIn, d.numBuffersOut }

// Close stops streaming, releases both buffer pools and closes the device.
func (d *Decoder) Close() error {
	d.tearDownInputBuffers()
	d.tearDownOutputBuffers()
	return d.dev.Close()
}
