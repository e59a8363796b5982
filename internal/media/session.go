package media

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("media session closed")

// silence is one µ-law byte of digital silence.
const silence = 0xFF

// voiceThreshold is the frame RMS above which audio counts as speech.
const voiceThreshold = 500

// Session is one call's RTP stream: µ-law out, µ-law and telephone-events
// in. The remote address is latched from the first inbound packet when the
// offer did not provide a usable one.
type Session struct {
	conn    net.PacketConn
	release func()
	codec   Codec
	log     *slog.Logger

	mu        sync.Mutex
	remote    net.Addr
	ssrc      uint32
	seq       uint16
	timestamp uint32
	marker    bool
	recording []byte
	capturing bool
	lastVoice time.Time
	tracker   SequenceTracker

	detector *DTMFDetector
	digits   chan byte

	playMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps conn. release, when set, runs once on Close to return
// the port to its pool.
func NewSession(conn net.PacketConn, release func(), remote net.Addr, dtmfPT uint8, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	// payload type 0 is PCMU and never carries telephone-events
	if dtmfPT == 0 {
		dtmfPT = CodecTelephoneEvent.PayloadType
	}
	return &Session{
		conn:      conn,
		release:   release,
		codec:     CodecPCMU,
		log:       logger,
		remote:    remote,
		ssrc:      randomUint32(),
		seq:       randomUint16(),
		timestamp: randomUint32(),
		marker:    true,
		detector:  NewDTMFDetector(dtmfPT),
		digits:    make(chan byte, 32),
		done:      make(chan struct{}),
	}
}

// Start launches the receive loop.
func (s *Session) Start() {
	go s.readLoop()
}

// LocalAddr returns the bound RTP address.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// SetRemote points outbound media at addr.
func (s *Session) SetRemote(addr net.Addr) {
	s.mu.Lock()
	s.remote = addr
	s.mu.Unlock()
}

// Digits delivers detected DTMF digits. Digits are dropped when nobody
// reads them and the buffer is full.
func (s *Session) Digits() <-chan byte {
	return s.digits
}

// FlushDigits discards digits pressed before the next prompt.
func (s *Session) FlushDigits() {
	for {
		select {
		case <-s.digits:
		default:
			return
		}
	}
}

// ReadDigit waits up to timeout for the next digit. ok is false on timeout.
// A zero timeout only takes a digit that is already buffered.
func (s *Session) ReadDigit(ctx context.Context, timeout time.Duration) (digit byte, ok bool, err error) {
	if timeout <= 0 {
		select {
		case d := <-s.digits:
			return d, true, nil
		default:
			return 0, false, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-s.digits:
		return d, true, nil
	case <-timer.C:
		return 0, false, nil
	case <-s.done:
		return 0, false, ErrSessionClosed
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

func (s *Session) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Debug("[Media] RTP read ended", "error", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		s.mu.Lock()
		if s.remote == nil {
			s.remote = addr
			s.log.Debug("[Media] Remote RTP address latched", "addr", addr.String())
		}
		s.mu.Unlock()

		switch pkt.PayloadType {
		case s.detector.payloadType:
			if digit, ok := s.detector.Process(&pkt); ok {
				select {
				case s.digits <- digit:
				default:
					s.log.Warn("[Media] Digit buffer full, dropping", "digit", string(digit))
				}
			}
		case s.codec.PayloadType:
			s.mu.Lock()
			s.tracker.Update(pkt.SequenceNumber)
			if s.capturing {
				pcm := g711.DecodeUlaw(pkt.Payload)
				s.recording = append(s.recording, pcm...)
				if rms(pcm) >= voiceThreshold {
					s.lastVoice = time.Now()
				}
			}
			s.mu.Unlock()
		}
	}
}

// Play streams µ-law audio in 20 ms frames. With bargein set, a digit stops
// playback and is returned; it is not delivered on Digits. A zero digit
// means the audio played to the end.
func (s *Session) Play(ctx context.Context, ulaw []byte, bargein bool) (byte, error) {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	frame := s.codec.BytesPerFrame()
	ticker := time.NewTicker(s.codec.FrameDur)
	defer ticker.Stop()

	var digits <-chan byte
	if bargein {
		digits = s.digits
	}

	for off := 0; off < len(ulaw); off += frame {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.done:
			return 0, ErrSessionClosed
		case d := <-digits:
			return d, nil
		case <-ticker.C:
		}

		payload := make([]byte, frame)
		n := copy(payload, ulaw[off:])
		for i := n; i < frame; i++ {
			payload[i] = silence
		}
		if err := s.writeFrame(payload); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (s *Session) writeFrame(payload []byte) error {
	s.mu.Lock()
	remote := s.remote
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         s.marker,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.marker = false
	s.seq++
	s.timestamp += uint32(s.codec.SamplesPerFrame())
	s.mu.Unlock()

	// no peer address yet: the frame is consumed but goes nowhere
	if remote == nil {
		return nil
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(data, remote)
	return err
}

// StartRecording begins capturing inbound audio as 16-bit PCM.
func (s *Session) StartRecording() {
	s.mu.Lock()
	s.capturing = true
	s.recording = s.recording[:0]
	s.lastVoice = time.Now()
	s.mu.Unlock()
}

// LastVoice returns when captured audio last rose above the silence
// threshold, or when capture started.
func (s *Session) LastVoice() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVoice
}

// StopRecording ends capture and returns the recorded PCM.
func (s *Session) StopRecording() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capturing = false
	pcm := s.recording
	s.recording = nil
	return pcm
}

// Recording reports whether capture is active.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

// Stats returns inbound audio counters.
func (s *Session) Stats() (received, lost uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Stats()
}

// Close stops the session and releases its port.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		if s.release != nil {
			s.release()
		}
		received, lost := s.Stats()
		s.log.Debug("[Media] RTP session closed", "received", received, "lost", lost)
	})
	return err
}

// rms returns the root mean square of 16-bit little-endian samples.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
