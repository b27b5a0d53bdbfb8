package vidplane

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/thesyncim/vidplane/v4l2"
)

// Limits applied when loading a stream file.
const (
	MaxStreamBytes = 40_000_000
	MaxStreamUnits = 2000
)

// Defaults used when no descriptor is given.
const (
	DefaultFrameWidth  = 1920
	DefaultFrameHeight = 800
	DefaultFrameRate   = 24
)

// StreamDescriptor names a stream file and its coded size and frame rate.
type StreamDescriptor struct {
	File   string
	Width  int
	Height int
	Rate   int
}

// ParseStreamDescriptor reads "key: value" lines. The file, frame-size
// (WxH) and frame-rate keys are all required; other lines are ignored.
func ParseStreamDescriptor(r io.Reader) (StreamDescriptor, error) {
	var d StreamDescriptor
	found := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		switch strings.TrimSpace(key) {
		case "file":
			d.File = fields[0]
			found++
		case "frame-size":
			var w, h int
			if n, _ := fmt.Sscanf(fields[0], "%dx%d", &w, &h); n == 2 {
				d.Width, d.Height = w, h
				found++
			}
		case "frame-rate":
			var rate int
			if n, _ := fmt.Sscanf(fields[0], "%d", &rate); n == 1 && rate != 0 {
				d.Rate = rate
				found++
			}
		}
	}
	if err := sc.Err(); err != nil {
		return d, err
	}
	if found != 3 {
		return d, ErrBadDescriptor
	}
	return d, nil
}

// ReadStreamDescriptor parses the descriptor file at path. A relative file
// name is resolved against the descriptor's directory.
func ReadStreamDescriptor(path string) (StreamDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return StreamDescriptor{}, err
	}
	defer f.Close()

	d, err := ParseStreamDescriptor(f)
	if err != nil {
		return d, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(d.File) {
		if _, err := os.Stat(d.File); err != nil {
			d.File = filepath.Join(filepath.Dir(path), d.File)
		}
	}
	return d, nil
}

// FillDescriptors extends descs to n entries, each missing one copying its
// predecessor.
func FillDescriptors(descs []StreamDescriptor, n int) ([]StreamDescriptor, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("no stream descriptor: %w", ErrBadDescriptor)
	}
	out := make([]StreamDescriptor, n)
	for i := range out {
		if i < len(descs) {
			out[i] = descs[i]
		} else {
			out[i] = out[i-1]
		}
	}
	return out, nil
}

// Stream is a compressed video stream split into access units, ready to be
// fed to a decoder one unit per input buffer.
type Stream struct {
	Path        string
	Width       int
	Height      int
	Rate        int
	Format      StreamFormat
	PixelFormat uint32

	units [][]byte
	size  int
}

// NewStream wraps already split access units.
func NewStream(units [][]byte, width, height, rate int) *Stream {
	s := &Stream{
		Width:       width,
		Height:      height,
		Rate:        rate,
		Format:      StreamFormatAnnexB,
		PixelFormat: v4l2.PixFmtH264,
		units:       units,
	}
	for _, u := range units {
		s.size += len(u)
	}
	return s
}

// Len returns the number of access units.
func (s *Stream) Len() int { return len(s.units) }

// Size returns the total size of all access units in bytes.
func (s *Stream) Size() int { return s.size }

// Unit returns access unit i, wrapping around the end of the stream.
func (s *Stream) Unit(i int) []byte {
	if len(s.units) == 0 {
		return nil
	}
	return s.units[i%len(s.units)]
}

// WriteAnnexB writes every access unit back to back.
func (s *Stream) WriteAnnexB(w io.Writer) error {
	for _, u := range s.units {
		if _, err := w.Write(u); err != nil {
			return err
		}
	}
	return nil
}

// LoadStream reads and indexes the stream named by d. At most
// MaxStreamBytes are read and at most MaxStreamUnits units are kept.
func LoadStream(d StreamDescriptor, log zerolog.Logger) (*Stream, error) {
	f, err := os.Open(d.File)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxStreamBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.File, err)
	}
	if len(data) == MaxStreamBytes {
		log.Warn().Str("file", d.File).Int("bytes", MaxStreamBytes).Msg("stream truncated")
	}

	s, err := ParseStream(data, d.Width, d.Height, d.Rate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.File, err)
	}
	s.Path = d.File
	log.Info().
		Str("file", d.File).
		Stringer("format", s.Format).
		Int("units", s.Len()).
		Int("bytes", s.Size()).
		Msg("indexed input frames")
	return s, nil
}

// ParseStream detects the format of data and splits it into access units.
func ParseStream(data []byte, width, height, rate int) (*Stream, error) {
	format, pixfmt := DetectStreamFormat(data)

	var units [][]byte
	var err error
	switch format {
	case StreamFormatAnnexB:
		units = IndexAnnexB(data, MaxStreamUnits)
	case StreamFormatAVCC:
		units = IndexAnnexB(avccToAnnexB(data, 4), MaxStreamUnits)
	case StreamFormatIVF:
		units, err = indexIVF(data, MaxStreamUnits)
	case StreamFormatRTPDump:
		units, err = ReadRTPDump(bytes.NewReader(data), MaxStreamUnits)
	default:
		return nil, ErrUnknownStreamFormat
	}
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrEmptyStream
	}

	s := NewStream(units, width, height, rate)
	s.Format = format
	s.PixelFormat = pixfmt
	return s, nil
}

// IndexAnnexB splits an H.264 elementary stream into access units at
// 4-byte start codes. SPS and PPS NAL units stay attached to the unit that
// follows them, so the first unit carries the stream headers. The last
// unit runs to the end of data.
func IndexAnnexB(data []byte, maxUnits int) [][]byte {
	var units [][]byte
	first := true
	start := 0
	for i := 0; i+4 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 0 || data[i+3] != 1 {
			continue
		}
		if nal := data[i+4]; nal == 0x67 || nal == 0x68 {
			continue
		}
		if first {
			first = false
			continue
		}
		units = append(units, data[start:i])
		start = i
		if len(units) >= maxUnits {
			return units
		}
	}
	if !first && start < len(data) {
		units = append(units, data[start:])
	}
	return units
}

// avccToAnnexB rewrites length-prefixed NAL units with 4-byte start codes.
// A truncated trailing unit is dropped.
func avccToAnnexB(data []byte, lengthSize int) []byte {
	out := make([]byte, 0, len(data)+len(data)/64)
	for off := 0; off+lengthSize <= len(data); {
		var n int
		for j := 0; j < lengthSize; j++ {
			n = n<<8 | int(data[off+j])
		}
		off += lengthSize
		if n <= 0 || off+n > len(data) {
			break
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, data[off:off+n]...)
		off += n
	}
	return out
}

// indexIVF returns the frame payloads of an IVF file.
func indexIVF(data []byte, maxUnits int) ([][]byte, error) {
	if len(data) < ivfHeaderLen {
		return nil, fmt.Errorf("ivf: short header")
	}
	off := int(binary.LittleEndian.Uint16(data[6:8]))
	if off < ivfHeaderLen || off > len(data) {
		return nil, fmt.Errorf("ivf: bad header length %d", off)
	}
	var units [][]byte
	for off+ivfFrameHeadLen <= len(data) && len(units) < maxUnits {
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += ivfFrameHeadLen
		if off+n > len(data) {
			break
		}
		units = append(units, data[off:off+n])
		off += n
	}
	if len(units) > 0 {
		first := units[0]
		fourcc := string(data[8:12])
		if (fourcc == "VP80" && !isVP8Keyframe(first)) || (fourcc == "VP90" && !isVP9Frame(first)) {
			return nil, fmt.Errorf("ivf: first %s frame is not decodable on its own", fourcc)
		}
	}
	return units, nil
}
