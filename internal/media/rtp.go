package media

import (
	"crypto/rand"
	"encoding/binary"
)

// randomUint32 seeds SSRCs and initial timestamps (RFC 3550 section 5.1).
func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5eed1e55
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomUint16() uint16 {
	return uint16(randomUint32() >> 16)
}

// SequenceTracker counts received and lost packets across 16-bit sequence
// number rollover.
type SequenceTracker struct {
	started  bool
	last     uint16
	cycles   uint32
	lost     uint64
	received uint64
}

// Update records seq and returns the extended sequence number and the gap
// since the previous packet.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	s.received++
	if !s.started {
		s.started = true
		s.last = seq
		return uint32(seq), 0
	}

	// forward distance interpreted as signed; negative means late or reordered
	if diff := int16(seq - s.last); diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}
	if s.last > 0xF000 && seq < 0x1000 {
		s.cycles++
	}
	s.last = seq
	return s.cycles<<16 | uint32(seq), lost
}

// Stats returns cumulative counters.
func (s *SequenceTracker) Stats() (received, lost uint64) {
	return s.received, s.lost
}
