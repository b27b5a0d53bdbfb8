package vidplane

import (
	"bytes"
	"encoding/binary"

	"github.com/thesyncim/vidplane/v4l2"
)

// StreamFormat is the container or framing of a compressed stream file.
type StreamFormat int

const (
	StreamFormatUnknown StreamFormat = iota
	// StreamFormatAnnexB is an H.264 elementary stream with start codes.
	StreamFormatAnnexB
	// StreamFormatAVCC is H.264 with big-endian 4-byte NAL lengths.
	StreamFormatAVCC
	// StreamFormatIVF is a VP8 or VP9 stream in an IVF container.
	StreamFormatIVF
	// StreamFormatRTPDump is an rtpdump capture of an H.264 RTP session.
	StreamFormatRTPDump
)

func (f StreamFormat) String() string {
	switch f {
	case StreamFormatAnnexB:
		return "annexb"
	case StreamFormatAVCC:
		return "avcc"
	case StreamFormatIVF:
		return "ivf"
	case StreamFormatRTPDump:
		return "rtpdump"
	default:
		return "unknown"
	}
}

const (
	ivfSignature     = "DKIF"
	ivfHeaderLen     = 32
	ivfFrameHeadLen  = 12
	rtpDumpSignature = "#!rtpplay1.0 "
)

// DetectStreamFormat probes the first bytes of a stream file and returns
// its format and the V4L2 pixel format a decoder must accept for it.
//
// Detection order matters: IVF and rtpdump carry magic numbers, Annex-B
// is recognised by a start code followed by a valid H.264 NAL header, and
// AVCC is a length-prefix heuristic tried last.
func DetectStreamFormat(data []byte) (StreamFormat, uint32) {
	if len(data) < 4 {
		return StreamFormatUnknown, 0
	}

	if len(data) >= ivfHeaderLen && string(data[0:4]) == ivfSignature {
		switch string(data[8:12]) {
		case "VP80":
			return StreamFormatIVF, v4l2.PixFmtVP8
		case "VP90":
			return StreamFormatIVF, v4l2.PixFmtVP9
		}
		return StreamFormatUnknown, 0
	}

	if bytes.HasPrefix(data, []byte(rtpDumpSignature)) {
		return StreamFormatRTPDump, v4l2.PixFmtH264
	}

	if isAnnexBStartCode(data) && isH264NALType(getNALType(data)) {
		return StreamFormatAnnexB, v4l2.PixFmtH264
	}

	if isAVCCFormat(data) && isH264NALType(data[4]&0x1F) {
		return StreamFormatAVCC, v4l2.PixFmtH264
	}

	return StreamFormatUnknown, 0
}

// isAnnexBStartCode checks for H.264 Annex-B start codes.
// Per ITU-T H.264 Annex B, NAL units are prefixed with:
//   - 4-byte start code: 0x00000001 (used at stream start and after certain NALUs)
//   - 3-byte start code: 0x000001 (used between NALUs)
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return data[0] == 0 && data[1] == 0 && data[2] == 1
}

// getNALType extracts the NAL unit type following a leading start code.
// Per ITU-T H.264 Section 7.3.1, the NAL unit header is:
//   - forbidden_zero_bit (1 bit): must be 0
//   - nal_ref_idc (2 bits): reference priority
//   - nal_unit_type (5 bits): type identifier
func getNALType(data []byte) byte {
	if len(data) < 4 {
		return 0
	}
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset] & 0x1F
}

// isH264NALType checks if nalType is a valid H.264 NAL unit type.
// Per ITU-T H.264 Table 7-1:
//   - 1: Non-IDR slice, 2-4: Slice data partitions A/B/C
//   - 5: IDR slice, 6: SEI, 7: SPS, 8: PPS, 9: AUD, 10-12: End of seq/stream, Filler
//   - 19-21: Auxiliary and extension slices
func isH264NALType(nalType byte) bool {
	return (nalType >= 1 && nalType <= 12) || (nalType >= 19 && nalType <= 21)
}

// isAVCCFormat checks for AVCC (length-prefixed) framing.
// Per ISO/IEC 14496-15, each NAL unit carries a 4-byte big-endian length
// instead of a start code.
func isAVCCFormat(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	length := binary.BigEndian.Uint32(data)
	return length > 0 && int(length) < len(data) && length < 10*1024*1024
}

// isVP8Keyframe checks for the VP8 keyframe signature.
// Per RFC 6386 Section 9.1, a keyframe has bit 0 of the frame tag clear and
// the start code 0x9D 0x01 0x2A after the 3-byte tag.
func isVP8Keyframe(data []byte) bool {
	if len(data) < 10 {
		return false
	}
	if data[0]&0x01 != 0 {
		return false
	}
	return data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A
}

// isVP9Frame checks for the VP9 frame marker (0b10 in the top two bits of
// the uncompressed header).
func isVP9Frame(data []byte) bool {
	if len(data) < 3 {
		return false
	}
	return (data[0]>>6)&0x03 == 0x02
}
