package vidplane

import (
	"testing"
)

// FuzzDetectStreamFormat checks that detection and indexing never panic.
// Run with: go test -fuzz=FuzzDetectStreamFormat -fuzztime=30s
func FuzzDetectStreamFormat(f *testing.F) {
	seeds := [][]byte{
		{0x00, 0x00, 0x00, 0x01, 0x67},
		{0x00, 0x00, 0x00, 0x01, 0x68},
		{0x00, 0x00, 0x00, 0x01, 0x65},
		{0x00, 0x00, 0x01, 0x61, 0x00},
		{0x00, 0x00, 0x00, 0x05, 0x67, 0x42, 0x00, 0x0A, 0x00},
		{'D', 'K', 'I', 'F', 0, 0, 32, 0, 'V', 'P', '8', '0', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		{'D', 'K', 'I', 'F', 0, 0, 32, 0, 'V', 'P', '9', '0', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0},
		[]byte("#!rtpplay1.0 127.0.0.1/5004\n"),
		{},
		{0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		format, pixfmt := DetectStreamFormat(data)
		if format < StreamFormatUnknown || format > StreamFormatRTPDump {
			t.Fatalf("invalid format %d", format)
		}
		if format == StreamFormatUnknown && pixfmt != 0 {
			t.Fatalf("unknown format with pixel format %#x", pixfmt)
		}

		s, err := ParseStream(data, 16, 16, 24)
		if err == nil && s.Len() == 0 {
			t.Fatal("ParseStream returned an empty stream without error")
		}
		if err == nil && s.Len() > MaxStreamUnits {
			t.Fatalf("%d units exceed the limit", s.Len())
		}
	})
}

// FuzzIndexAnnexB checks that units always tile a prefix of the input.
func FuzzIndexAnnexB(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 0x67, 1, 0, 0, 0, 1, 0x65, 2, 0, 0, 0, 1, 0x41, 3})
	f.Add([]byte{0, 0, 0, 1})
	f.Fuzz(func(t *testing.T, data []byte) {
		units := IndexAnnexB(data, 16)
		off := 0
		for _, u := range units {
			if len(u) == 0 {
				t.Fatal("empty unit")
			}
			if &u[0] != &data[off] {
				t.Fatalf("unit does not start at offset %d", off)
			}
			off += len(u)
		}
		if len(units) > 0 && len(units) < 16 && off != len(data) {
			t.Fatalf("units cover %d of %d bytes", off, len(data))
		}
	})
}
