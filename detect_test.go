package vidplane

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thesyncim/vidplane/v4l2"
)

func ivfHeader(fourcc string) []byte {
	h := make([]byte, ivfHeaderLen)
	copy(h, ivfSignature)
	h[6] = ivfHeaderLen
	copy(h[8:12], fourcc)
	return h
}

func TestDetectStreamFormat(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		wantFormat StreamFormat
		wantPixFmt uint32
	}{
		{
			name:       "annexb 4-byte start code with SPS",
			data:       []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1e},
			wantFormat: StreamFormatAnnexB,
			wantPixFmt: v4l2.PixFmtH264,
		},
		{
			name:       "annexb 4-byte start code with IDR",
			data:       []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00},
			wantFormat: StreamFormatAnnexB,
			wantPixFmt: v4l2.PixFmtH264,
		},
		{
			name:       "annexb 3-byte start code with slice",
			data:       []byte{0x00, 0x00, 0x01, 0x41, 0x00, 0x00, 0x00, 0x00},
			wantFormat: StreamFormatAnnexB,
			wantPixFmt: v4l2.PixFmtH264,
		},
		{
			name:       "avcc length prefix",
			data:       []byte{0x00, 0x00, 0x00, 0x05, 0x65, 0x88, 0x84, 0x00, 0x10, 0x00},
			wantFormat: StreamFormatAVCC,
			wantPixFmt: v4l2.PixFmtH264,
		},
		{
			name:       "ivf vp8",
			data:       ivfHeader("VP80"),
			wantFormat: StreamFormatIVF,
			wantPixFmt: v4l2.PixFmtVP8,
		},
		{
			name:       "ivf vp9",
			data:       ivfHeader("VP90"),
			wantFormat: StreamFormatIVF,
			wantPixFmt: v4l2.PixFmtVP9,
		},
		{
			name:       "ivf av1 is not decodable",
			data:       ivfHeader("AV01"),
			wantFormat: StreamFormatUnknown,
		},
		{
			name:       "rtpdump",
			data:       []byte("#!rtpplay1.0 127.0.0.1/5004\n"),
			wantFormat: StreamFormatRTPDump,
			wantPixFmt: v4l2.PixFmtH264,
		},
		{
			name:       "too short",
			data:       []byte{0x00, 0x00, 0x01},
			wantFormat: StreamFormatUnknown,
		},
		{
			name:       "garbage",
			data:       []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			wantFormat: StreamFormatUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, pixfmt := DetectStreamFormat(tt.data)
			assert.Equal(t, tt.wantFormat, format)
			assert.Equal(t, tt.wantPixFmt, pixfmt)
		})
	}
}

func TestStreamFormatString(t *testing.T) {
	assert.Equal(t, "annexb", StreamFormatAnnexB.String())
	assert.Equal(t, "rtpdump", StreamFormatRTPDump.String())
	assert.Equal(t, "unknown", StreamFormat(42).String())
}

func TestGetNALType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{"4-byte SPS", []byte{0x00, 0x00, 0x00, 0x01, 0x67}, 7},
		{"3-byte slice", []byte{0x00, 0x00, 0x01, 0x41}, 1},
		{"start code only", []byte{0x00, 0x00, 0x00, 0x01}, 0},
		{"too short", []byte{0x00, 0x01}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getNALType(tt.data))
		})
	}
}

func TestIsH264NALType(t *testing.T) {
	for _, n := range []byte{1, 5, 7, 8, 12, 19, 21} {
		assert.True(t, isH264NALType(n), "type %d", n)
	}
	for _, n := range []byte{0, 13, 18, 22, 31} {
		assert.False(t, isH264NALType(n), "type %d", n)
	}
}

func TestVPxFrameChecks(t *testing.T) {
	assert.True(t, isVP8Keyframe([]byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0x80, 0x02, 0xE0, 0x01}))
	assert.False(t, isVP8Keyframe([]byte{0x11, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0x80, 0x02, 0xE0, 0x01}), "inter frame")
	assert.False(t, isVP8Keyframe([]byte{0x10, 0x02, 0x00}))

	assert.True(t, isVP9Frame([]byte{0x82, 0x49, 0x83}))
	assert.False(t, isVP9Frame([]byte{0x42, 0x49, 0x83}))
}
