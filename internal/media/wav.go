package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zaf/g711"
)

// WAV format tags
const (
	wavFormatPCM  = 1
	wavFormatALaw = 6
	wavFormatULaw = 7
)

// ErrNotWAV is returned for input without a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a RIFF/WAVE file")

// Audio is decoded WAV content.
type Audio struct {
	Format        uint16
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	Data          []byte
}

// DecodeWAV parses a WAV stream, skipping chunks other than fmt and data.
func DecodeWAV(r io.Reader) (*Audio, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	a := &Audio{}
	haveFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return nil, fmt.Errorf("data chunk not found: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d", size)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			a.Format = binary.LittleEndian.Uint16(body[0:2])
			a.Channels = binary.LittleEndian.Uint16(body[2:4])
			a.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			a.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, errors.New("data chunk before fmt chunk")
			}
			a.Data = make([]byte, size)
			n, err := io.ReadFull(r, a.Data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
			// streaming writers leave the size short or 0xFFFFFFFF
			a.Data = a.Data[:n]
			return a, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// ToULaw converts the audio to 8 kHz mono µ-law.
func (a *Audio) ToULaw() ([]byte, error) {
	switch a.Format {
	case wavFormatULaw:
		if a.SampleRate == 8000 && a.Channels == 1 {
			return a.Data, nil
		}
		return a.viaPCM(g711.DecodeUlaw(a.Data))
	case wavFormatALaw:
		return a.viaPCM(g711.DecodeAlaw(a.Data))
	case wavFormatPCM:
		if a.BitsPerSample != 16 {
			return nil, fmt.Errorf("unsupported PCM sample size: %d bits", a.BitsPerSample)
		}
		return a.viaPCM(a.Data)
	default:
		return nil, fmt.Errorf("unsupported WAV format tag %d", a.Format)
	}
}

func (a *Audio) viaPCM(pcm []byte) ([]byte, error) {
	mono, err := downmix(pcm, a.Channels)
	if err != nil {
		return nil, err
	}
	return g711.EncodeUlaw(resample(mono, a.SampleRate, 8000)), nil
}

// downmix averages interleaved 16-bit little-endian channels.
func downmix(pcm []byte, channels uint16) ([]byte, error) {
	switch channels {
	case 1:
		return pcm, nil
	case 2:
	default:
		return nil, fmt.Errorf("unsupported channel count: %d", channels)
	}
	out := make([]byte, len(pcm)/2)
	for i := 0; i+3 < len(pcm); i += 4 {
		l := int16(binary.LittleEndian.Uint16(pcm[i:]))
		r := int16(binary.LittleEndian.Uint16(pcm[i+2:]))
		binary.LittleEndian.PutUint16(out[i/2:], uint16((int32(l)+int32(r))/2))
	}
	return out, nil
}

// resample converts 16-bit mono PCM between rates by linear interpolation.
func resample(pcm []byte, from, to uint32) []byte {
	if from == to || from == 0 {
		return pcm
	}
	in := len(pcm) / 2
	ratio := float64(from) / float64(to)
	n := int(float64(in) / ratio)
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= in {
			break
		}
		frac := pos - float64(idx)
		s1 := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		s2 := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2+2:])))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(s1*(1-frac)+s2*frac)))
	}
	return out
}

// EncodeWAV writes 8 kHz mono 16-bit PCM as a WAV file.
func EncodeWAV(w io.Writer, pcm []byte) error {
	var hdr bytes.Buffer
	hdr.Grow(44)
	hdr.WriteString("RIFF")
	binary.Write(&hdr, binary.LittleEndian, uint32(36+len(pcm)))
	hdr.WriteString("WAVEfmt ")
	binary.Write(&hdr, binary.LittleEndian, uint32(16))
	binary.Write(&hdr, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(&hdr, binary.LittleEndian, uint16(1))    // channels
	binary.Write(&hdr, binary.LittleEndian, uint32(8000)) // sample rate
	binary.Write(&hdr, binary.LittleEndian, uint32(16000))
	binary.Write(&hdr, binary.LittleEndian, uint16(2)) // block align
	binary.Write(&hdr, binary.LittleEndian, uint16(16))
	hdr.WriteString("data")
	binary.Write(&hdr, binary.LittleEndian, uint32(len(pcm)))

	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
