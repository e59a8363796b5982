// Package media carries call audio over RTP: G.711 playback paced at the
// codec frame rate, RFC 4733 DTMF detection, recording to WAV, and the SDP
// offer/answer and port allocation around it.
package media

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/zaf/g711"
)

// Codec describes an RTP audio format.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	FrameDur    time.Duration
}

var (
	// CodecPCMU is G.711 µ-law, the format used for playback and recording
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond}

	// CodecPCMA is G.711 A-law; accepted in offers, never selected
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond}

	// CodecTelephoneEvent is RFC 4733 DTMF
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond}
)

// SamplesPerFrame is 160 for 8 kHz audio in 20 ms frames.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.FrameDur) / int(time.Second)
}

// BytesPerFrame equals SamplesPerFrame for the 8-bit G.711 codecs.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame()
}

// RTPMap returns the SDP rtpmap value, e.g. "0 PCMU/8000".
func (c Codec) RTPMap() string {
	return strconv.Itoa(int(c.PayloadType)) + " " + c.Name + "/" + strconv.Itoa(int(c.SampleRate))
}

// Tone returns a µ-law sine tone at 8 kHz, used for the record beep.
func Tone(freq float64, d time.Duration) []byte {
	n := int(d.Seconds() * 8000)
	pcm := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/8000))
		pcm = binary.LittleEndian.AppendUint16(pcm, uint16(v))
	}
	return g711.EncodeUlaw(pcm)
}
