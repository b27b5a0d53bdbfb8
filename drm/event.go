package drm

import (
	"encoding/binary"
	"fmt"
)

// Event types delivered on the card fd.
const (
	EventVblank       uint32 = 0x01
	EventFlipComplete uint32 = 0x02
	EventCrtcSequence uint32 = 0x03
)

const (
	eventHeaderSize = 8
	eventVblankSize = 32
)

// Event is a decoded struct drm_event_vblank (or the header of an event type
// this package does not interpret).
type Event struct {
	Type     uint32
	UserData uint64
	Sec      uint32
	Usec     uint32
	Sequence uint32
	CrtcID   uint32
}

// ParseEvents decodes every event in buf, as returned by one read(2) on the
// card fd.
func ParseEvents(buf []byte) ([]Event, error) {
	var events []Event
	for off := 0; off < len(buf); {
		if len(buf)-off < eventHeaderSize {
			return events, fmt.Errorf("drm: truncated event header at offset %d", off)
		}
		typ := binary.LittleEndian.Uint32(buf[off:])
		length := int(binary.LittleEndian.Uint32(buf[off+4:]))
		if length < eventHeaderSize || off+length > len(buf) {
			return events, fmt.Errorf("drm: bad event length %d at offset %d", length, off)
		}
		ev := Event{Type: typ}
		if (typ == EventVblank || typ == EventFlipComplete) && length >= eventVblankSize {
			b := buf[off:]
			ev.UserData = binary.LittleEndian.Uint64(b[8:])
			ev.Sec = binary.LittleEndian.Uint32(b[16:])
			ev.Usec = binary.LittleEndian.Uint32(b[20:])
			ev.Sequence = binary.LittleEndian.Uint32(b[24:])
			ev.CrtcID = binary.LittleEndian.Uint32(b[28:])
		}
		events = append(events, ev)
		off += length
	}
	return events, nil
}
