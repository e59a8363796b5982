package media

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pion/rtp"
)

// dtmfDigits indexes RFC 4733 event codes 0-15.
const dtmfDigits = "0123456789*#ABCD"

// MinDTMFDuration rejects events shorter than 40 ms at 8 kHz.
const MinDTMFDuration uint16 = 320

// DTMFEvent is an RFC 4733 telephone-event payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16
}

// Digit returns the event as a keypad character.
func (e DTMFEvent) Digit() (byte, bool) {
	if int(e.Event) >= len(dtmfDigits) {
		return 0, false
	}
	return dtmfDigits[e.Event], true
}

// DigitEvent maps a keypad character to its event code.
func DigitEvent(d byte) (uint8, bool) {
	i := strings.IndexByte(dtmfDigits, d)
	if i < 0 {
		i = strings.IndexByte(dtmfDigits, d-('a'-'A'))
	}
	if i < 0 {
		return 0, false
	}
	return uint8(i), true
}

// Marshal encodes the 4-byte payload.
func (e DTMFEvent) Marshal() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.End {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// ParseDTMFEvent decodes a telephone-event payload.
func ParseDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < 4 {
		return DTMFEvent{}, fmt.Errorf("DTMF payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

// DTMFDetector turns a telephone-event packet stream into digits. Senders
// repeat each event's packets and send the end packet three times; the RTP
// timestamp identifies one key press, so each press yields exactly one digit.
type DTMFDetector struct {
	payloadType uint8
	minDuration uint16

	active     bool
	event      uint8
	timestamp  uint32
	reported   bool
	reportedTS uint32
}

// NewDTMFDetector detects events carried with payloadType.
func NewDTMFDetector(payloadType uint8) *DTMFDetector {
	return &DTMFDetector{payloadType: payloadType, minDuration: MinDTMFDuration}
}

// Process consumes one packet and returns a digit when a key press ends.
func (d *DTMFDetector) Process(pkt *rtp.Packet) (byte, bool) {
	if pkt.PayloadType != d.payloadType {
		return 0, false
	}
	evt, err := ParseDTMFEvent(pkt.Payload)
	if err != nil {
		return 0, false
	}

	if !evt.End {
		if !d.active || evt.Event != d.event || pkt.Timestamp != d.timestamp {
			d.active = true
			d.event = evt.Event
			d.timestamp = pkt.Timestamp
		}
		return 0, false
	}

	// redundant end packets for a press already reported
	if d.reported && pkt.Timestamp == d.reportedTS {
		return 0, false
	}
	d.active = false
	if evt.Duration < d.minDuration {
		return 0, false
	}
	digit, ok := evt.Digit()
	if !ok {
		return 0, false
	}
	d.reported = true
	d.reportedTS = pkt.Timestamp
	return digit, true
}
