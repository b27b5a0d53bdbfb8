package vidplane

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pion/rtp"
)

// H.264 RTP payload types (RFC 6184).
const (
	nalTypeSTAPA = 24
	nalTypeFUA   = 28
)

// h264Assembler reassembles H.264 access units from RTP packets. Output
// units are Annex-B with 4-byte start codes, so they index and decode
// exactly like an elementary stream file.
type h264Assembler struct {
	unit        []byte // NAL units of the current access unit
	fua         []byte // FU-A fragment being assembled
	fragmenting bool
	timestamp   uint32
	started     bool
}

// push adds one packet and passes every access unit it completes to emit.
// A unit completes on the marker bit, or when a new timestamp shows that
// the previous unit ended without one.
func (a *h264Assembler) push(pkt *rtp.Packet, emit func([]byte)) error {
	if len(pkt.Payload) == 0 {
		return nil
	}

	if a.started && pkt.Timestamp != a.timestamp {
		if unit := a.flush(); unit != nil {
			emit(unit)
		}
	}
	a.timestamp = pkt.Timestamp
	a.started = true

	nalType := pkt.Payload[0] & 0x1F
	switch {
	case nalType >= 1 && nalType <= 23:
		a.appendNAL(pkt.Payload)
	case nalType == nalTypeSTAPA:
		a.stapA(pkt.Payload)
	case nalType == nalTypeFUA:
		if err := a.fuA(pkt.Payload); err != nil {
			return err
		}
	default:
		return fmt.Errorf("rtp: unsupported NAL type %d", nalType)
	}

	if pkt.Marker {
		if unit := a.flush(); unit != nil {
			emit(unit)
		}
	}
	return nil
}

// flush returns the pending access unit, if any, and resets the assembler.
func (a *h264Assembler) flush() []byte {
	a.fua = a.fua[:0]
	a.fragmenting = false
	if len(a.unit) == 0 {
		return nil
	}
	out := make([]byte, len(a.unit))
	copy(out, a.unit)
	a.unit = a.unit[:0]
	return out
}

func (a *h264Assembler) appendNAL(nal []byte) {
	a.unit = append(a.unit, 0, 0, 0, 1)
	a.unit = append(a.unit, nal...)
}

func (a *h264Assembler) stapA(payload []byte) {
	for off := 1; off+2 <= len(payload); {
		n := int(binary.BigEndian.Uint16(payload[off:]))
		off += 2
		if n == 0 || off+n > len(payload) {
			return
		}
		a.appendNAL(payload[off : off+n])
		off += n
	}
}

func (a *h264Assembler) fuA(payload []byte) error {
	if len(payload) < 2 {
		return errors.New("rtp: FU-A packet too short")
	}
	indicator, header := payload[0], payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	if start {
		a.fua = append(a.fua[:0], indicator&0xE0|header&0x1F)
		a.fragmenting = true
	}
	if !a.fragmenting {
		// Lost the start fragment; drop until the next one.
		return nil
	}
	a.fua = append(a.fua, payload[2:]...)
	if end {
		a.appendNAL(a.fua)
		a.fua = a.fua[:0]
		a.fragmenting = false
	}
	return nil
}

// ReadRTPDump reads an rtpdump capture ("#!rtpplay1.0 addr/port" text
// line, a 16-byte file header, then records of a 2-byte record length, a
// 2-byte packet length and a 4-byte offset in milliseconds) and returns
// the H.264 access units carried by its RTP packets. Records without an
// RTP packet (RTCP captures) are skipped.
func ReadRTPDump(r io.Reader, maxUnits int) ([][]byte, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("rtpdump: %w", err)
	}
	if len(line) < len(rtpDumpSignature) || line[:len(rtpDumpSignature)] != rtpDumpSignature {
		return nil, fmt.Errorf("rtpdump: bad signature: %w", ErrUnknownStreamFormat)
	}
	var fileHeader [16]byte
	if _, err := io.ReadFull(br, fileHeader[:]); err != nil {
		return nil, fmt.Errorf("rtpdump: file header: %w", err)
	}

	var (
		out [][]byte
		asm h264Assembler
		rec [8]byte
		pkt rtp.Packet
	)
	emit := func(unit []byte) { out = append(out, unit) }
	for len(out) < maxUnits {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out, fmt.Errorf("rtpdump: record header: %w", err)
		}
		recLen := int(binary.BigEndian.Uint16(rec[0:2]))
		pktLen := int(binary.BigEndian.Uint16(rec[2:4]))
		if recLen < len(rec) {
			return out, fmt.Errorf("rtpdump: bad record length %d", recLen)
		}
		body := make([]byte, recLen-len(rec))
		if _, err := io.ReadFull(br, body); err != nil {
			return out, fmt.Errorf("rtpdump: record body: %w", err)
		}
		if pktLen == 0 || pktLen > len(body) {
			continue
		}
		if err := pkt.Unmarshal(body[:pktLen]); err != nil {
			return out, fmt.Errorf("rtpdump: %w", err)
		}
		if err := asm.push(&pkt, emit); err != nil {
			return out, err
		}
	}
	if len(out) > maxUnits {
		out = out[:maxUnits]
	}
	if len(out) < maxUnits {
		if unit := asm.flush(); unit != nil {
			out = append(out, unit)
		}
	}
	return out, nil
}
