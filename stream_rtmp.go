package vidplane

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// FLV video tag fields.
const (
	flvCodecAVC      = 7
	flvFrameKey      = 1
	avcSequenceHead  = 0
	avcNALU          = 1
	avcEndOfSequence = 2
)

var errPublisherActive = errors.New("rtmp: a publisher is already active")

// RTMPIngestConfig configures an RTMPIngest.
type RTMPIngestConfig struct {
	// MaxUnits ends the capture once this many access units are recorded.
	// Default MaxStreamUnits.
	MaxUnits int

	// Coded size and rate recorded in the captured Stream.
	Width, Height, Rate int

	Logger zerolog.Logger
}

// RTMPIngest accepts one RTMP publish of an H.264 stream and records its
// access units in Annex-B form, so a live encoder can be captured into a
// Stream for decoding.
type RTMPIngest struct {
	cfg RTMPIngestConfig
	log zerolog.Logger
	srv *rtmp.Server

	mu         sync.Mutex
	publishing bool
	units      [][]byte
	sps, pps   [][]byte
	lengthSize int
	skipped    int

	done     chan struct{}
	doneOnce sync.Once
}

// NewRTMPIngest returns an ingest server that is not yet listening.
func NewRTMPIngest(cfg RTMPIngestConfig) *RTMPIngest {
	if cfg.MaxUnits <= 0 {
		cfg.MaxUnits = MaxStreamUnits
	}
	in := &RTMPIngest{
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "rtmp-ingest").Logger(),
		done: make(chan struct{}),
	}
	in.srv = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			in.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection")
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpIngestHandler{in: in},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	return in
}

// Serve accepts connections on ln until Close.
func (in *RTMPIngest) Serve(ln net.Listener) error {
	in.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return in.srv.Serve(ln)
}

// Done is closed when the publisher disconnects or MaxUnits units have
// been recorded.
func (in *RTMPIngest) Done() <-chan struct{} { return in.done }

// Close stops the server.
func (in *RTMPIngest) Close() error {
	in.finish()
	return in.srv.Close()
}

// Stream returns the access units recorded so far.
func (in *RTMPIngest) Stream() (*Stream, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.units) == 0 {
		return nil, ErrEmptyStream
	}
	units := make([][]byte, len(in.units))
	copy(units, in.units)
	s := NewStream(units, in.cfg.Width, in.cfg.Height, in.cfg.Rate)
	s.Path = "rtmp"
	return s, nil
}

func (in *RTMPIngest) finish() {
	in.doneOnce.Do(func() { close(in.done) })
}

func (in *RTMPIngest) startPublish(name string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.publishing {
		return errPublisherActive
	}
	in.publishing = true
	in.log.Info().Str("name", name).Msg("publish")
	return nil
}

func (in *RTMPIngest) endPublish() {
	in.mu.Lock()
	was := in.publishing
	in.publishing = false
	n, skipped := len(in.units), in.skipped
	in.mu.Unlock()
	if was {
		in.log.Info().Int("units", n).Int("skipped", skipped).Msg("publisher closed")
		in.finish()
	}
}

// handleVideo records one FLV video tag.
func (in *RTMPIngest) handleVideo(tag []byte) error {
	if len(tag) < 5 {
		return nil
	}
	frameType := tag[0] >> 4
	if tag[0]&0x0F != flvCodecAVC {
		return fmt.Errorf("rtmp: video codec %d is not AVC", tag[0]&0x0F)
	}
	body := tag[5:]

	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.units) >= in.cfg.MaxUnits {
		return nil
	}

	switch tag[1] {
	case avcSequenceHead:
		cfg, err := parseAVCConfig(body)
		if err != nil {
			return err
		}
		in.sps, in.pps, in.lengthSize = cfg.sps, cfg.pps, cfg.lengthSize
		in.log.Debug().Int("sps", len(cfg.sps)).Int("pps", len(cfg.pps)).
			Int("length_size", cfg.lengthSize).Msg("sequence header")

	case avcNALU:
		key := frameType == flvFrameKey
		if in.lengthSize == 0 || (len(in.units) == 0 && !key) {
			// Nothing decodable before the headers and the first keyframe.
			in.skipped++
			return nil
		}
		var unit bytes.Buffer
		if key {
			for _, ps := range in.sps {
				unit.Write([]byte{0, 0, 0, 1})
				unit.Write(ps)
			}
			for _, ps := range in.pps {
				unit.Write([]byte{0, 0, 0, 1})
				unit.Write(ps)
			}
		}
		unit.Write(avccToAnnexB(body, in.lengthSize))
		if unit.Len() == 0 {
			return nil
		}
		in.units = append(in.units, unit.Bytes())
		if len(in.units) == in.cfg.MaxUnits {
			in.log.Info().Int("units", len(in.units)).Msg("capture full")
			in.finish()
		}

	case avcEndOfSequence:
		in.finish()
	}
	return nil
}

type avcConfig struct {
	lengthSize int
	sps, pps   [][]byte
}

// parseAVCConfig parses an AVCDecoderConfigurationRecord (ISO/IEC
// 14496-15 5.2.4.1).
func parseAVCConfig(data []byte) (avcConfig, error) {
	var c avcConfig
	if len(data) < 7 {
		return c, fmt.Errorf("avc config: %d bytes", len(data))
	}
	c.lengthSize = int(data[4]&0x03) + 1

	numSPS := int(data[5] & 0x1F)
	off := 6
	readSets := func(count int) ([][]byte, error) {
		var sets [][]byte
		for i := 0; i < count; i++ {
			if off+2 > len(data) {
				return nil, fmt.Errorf("avc config: truncated parameter set length")
			}
			n := int(data[off])<<8 | int(data[off+1])
			off += 2
			if off+n > len(data) {
				return nil, fmt.Errorf("avc config: truncated parameter set")
			}
			sets = append(sets, bytes.Clone(data[off:off+n]))
			off += n
		}
		return sets, nil
	}

	var err error
	if c.sps, err = readSets(numSPS); err != nil {
		return c, err
	}
	if off >= len(data) {
		return c, fmt.Errorf("avc config: missing PPS count")
	}
	numPPS := int(data[off])
	off++
	if c.pps, err = readSets(numPPS); err != nil {
		return c, err
	}
	if len(c.sps) == 0 || len(c.pps) == 0 {
		return c, fmt.Errorf("avc config: %d SPS, %d PPS", len(c.sps), len(c.pps))
	}
	return c, nil
}

type rtmpIngestHandler struct {
	rtmp.DefaultHandler
	in        *RTMPIngest
	publisher bool
}

func (h *rtmpIngestHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	if err := h.in.startPublish(cmd.PublishingName); err != nil {
		return err
	}
	h.publisher = true
	return nil
}

func (h *rtmpIngestHandler) OnVideo(_ uint32, payload io.Reader) error {
	if !h.publisher {
		return nil
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}
	if err := h.in.handleVideo(buf.Bytes()); err != nil {
		h.in.log.Warn().Err(err).Msg("video tag")
	}
	return nil
}

func (h *rtmpIngestHandler) OnClose() {
	if h.publisher {
		h.in.endPublish()
	}
}
