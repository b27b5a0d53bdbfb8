package vidplane

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rtpDumpWriter builds an rtpdump capture in memory.
type rtpDumpWriter struct {
	buf bytes.Buffer
	seq uint16
}

func newRTPDump() *rtpDumpWriter {
	w := &rtpDumpWriter{}
	w.buf.WriteString("#!rtpplay1.0 127.0.0.1/5004\n")
	w.buf.Write(make([]byte, 16))
	return w
}

func (w *rtpDumpWriter) packet(t *testing.T, ts uint32, marker bool, payload ...byte) {
	t.Helper()
	w.seq++
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: w.seq,
			Timestamp:      ts,
			SSRC:           0x1234,
			Marker:         marker,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	w.record(raw, len(raw))
}

func (w *rtpDumpWriter) record(body []byte, pktLen int) {
	var hdr [8]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(8+len(body)))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(pktLen))
	w.buf.Write(hdr[:])
	w.buf.Write(body)
}

func sampleRTPDump(t *testing.T) []byte {
	w := newRTPDump()
	// STAP-A with SPS and PPS.
	w.packet(t, 1000, false, 0x18, 0x00, 0x02, 0x67, 0xAA, 0x00, 0x02, 0x68, 0xBB)
	// IDR split into two FU-A fragments.
	w.packet(t, 1000, false, 0x7C, 0x85, 0x01, 0x02)
	w.packet(t, 1000, true, 0x7C, 0x45, 0x03, 0x04)
	// RTCP record, skipped.
	w.record([]byte{0x80, 0xC8, 0x00, 0x06}, 0)
	// P slice whose marker was lost, then one with a marker.
	w.packet(t, 4000, false, 0x41, 0xE1)
	w.packet(t, 7000, true, 0x41, 0xE2)
	return w.buf.Bytes()
}

func TestReadRTPDump(t *testing.T) {
	units, err := ReadRTPDump(bytes.NewReader(sampleRTPDump(t)), MaxStreamUnits)
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, annexB(nalSPS, nalPPS, []byte{0x65, 0x01, 0x02, 0x03, 0x04}), units[0])
	assert.Equal(t, annexB([]byte{0x41, 0xE1}), units[1], "timestamp change ends a unit")
	assert.Equal(t, annexB([]byte{0x41, 0xE2}), units[2])
}

func TestReadRTPDumpLimit(t *testing.T) {
	units, err := ReadRTPDump(bytes.NewReader(sampleRTPDump(t)), 1)
	require.NoError(t, err)
	assert.Len(t, units, 1)
}

func TestReadRTPDumpBadInput(t *testing.T) {
	_, err := ReadRTPDump(bytes.NewReader([]byte("#!rtpplay2.0 x\n")), MaxStreamUnits)
	assert.ErrorIs(t, err, ErrUnknownStreamFormat)

	w := newRTPDump()
	w.packet(t, 1, true, 0x1E, 0x00)
	_, err = ReadRTPDump(bytes.NewReader(w.buf.Bytes()), MaxStreamUnits)
	assert.Error(t, err, "reserved NAL type")
}

func TestParseStreamRTPDump(t *testing.T) {
	s, err := ParseStream(sampleRTPDump(t), 1280, 720, 30)
	require.NoError(t, err)
	assert.Equal(t, StreamFormatRTPDump, s.Format)
	assert.Equal(t, 3, s.Len())
}

func TestH264AssemblerDropsOrphanFragments(t *testing.T) {
	var a h264Assembler
	var units [][]byte
	emit := func(u []byte) { units = append(units, u) }

	// Middle and end fragments without a start.
	require.NoError(t, a.push(&rtp.Packet{Header: rtp.Header{Timestamp: 1}, Payload: []byte{0x7C, 0x05, 0x09}}, emit))
	require.NoError(t, a.push(&rtp.Packet{Header: rtp.Header{Timestamp: 1, Marker: true}, Payload: []byte{0x7C, 0x45, 0x0A}}, emit))
	assert.Empty(t, units)

	require.NoError(t, a.push(&rtp.Packet{Header: rtp.Header{Timestamp: 2, Marker: true}, Payload: []byte{0x41, 0x01}}, emit))
	require.Len(t, units, 1)
	assert.Equal(t, annexB([]byte{0x41, 0x01}), units[0])

	assert.Error(t, a.push(&rtp.Packet{Header: rtp.Header{Timestamp: 3}, Payload: []byte{0x1C}}, emit), "short FU-A")
}
