package sipcall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/agibridge/internal/agi"
	"github.com/sebas/agibridge/internal/media"
)

type fakeSignaler struct {
	mu        sync.Mutex
	answered  int
	responses []string
	byes      int
	refers    []string
	referCode func(target string) (int, error)
}

func (f *fakeSignaler) Answer(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered++
	return nil
}

func (f *fakeSignaler) Respond(code int, reason, contact string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, strings.TrimSpace(strings.Join([]string{strconv.Itoa(code), contact}, " ")))
	return nil
}

func (f *fakeSignaler) Bye(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byes++
	return nil
}

func (f *fakeSignaler) Refer(ctx context.Context, target string, _ map[string]string) (int, error) {
	f.mu.Lock()
	f.refers = append(f.refers, target)
	fn := f.referCode
	f.mu.Unlock()
	if fn == nil {
		return 202, nil
	}
	return fn(target)
}

// fakeMedia plays instantly and serves digits from a script. A digit queued
// with bargeIn interrupts the next barge-in playback.
type fakeMedia struct {
	mu        sync.Mutex
	played    [][]byte
	digits    []byte
	bargeIn   byte
	recording bool
	pcm       []byte
	closed    bool
	lastVoice time.Time
}

func (f *fakeMedia) Play(_ context.Context, ulaw []byte, bargein bool) (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, ulaw)
	if bargein && f.bargeIn != 0 {
		d := f.bargeIn
		f.bargeIn = 0
		return d, nil
	}
	return 0, nil
}

func (f *fakeMedia) ReadDigit(ctx context.Context, timeout time.Duration) (byte, bool, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, false, media.ErrSessionClosed
	}
	if len(f.digits) > 0 {
		d := f.digits[0]
		f.digits = f.digits[1:]
		f.mu.Unlock()
		return d, true, nil
	}
	f.mu.Unlock()
	select {
	case <-time.After(timeout):
		return 0, false, nil
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

func (f *fakeMedia) FlushDigits() {}

func (f *fakeMedia) StartRecording() {
	f.mu.Lock()
	f.recording = true
	f.mu.Unlock()
}

func (f *fakeMedia) StopRecording() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = false
	return f.pcm
}

func (f *fakeMedia) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

func (f *fakeMedia) LastVoice() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastVoice
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakePrompts struct {
	tts bool
}

func (p fakePrompts) Audio(_ context.Context, uri string) ([]byte, error) {
	return []byte("audio:" + uri), nil
}

func (p fakePrompts) Speech(_ context.Context, text, voice string) ([]byte, error) {
	if !p.tts {
		return nil, media.ErrNoTTS
	}
	return []byte(voice + ":" + text), nil
}

func newTestCall(t *testing.T, state agi.CallState) (*Call, *fakeSignaler, *fakeMedia) {
	t.Helper()
	sig := &fakeSignaler{}
	m := &fakeMedia{lastVoice: time.Now()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := newCall(callConfig{
		parties: Parties{
			SIPCallID: "abc@192.0.2.1",
			CallerID:  "15551234",
			Headers:   map[string]string{"x-account": "42"},
		},
		sig:          sig,
		media:        m,
		prompts:      fakePrompts{tts: true},
		recordings:   newRecorder(t.TempDir(), logger),
		logger:       logger,
		initialState: state,
	})
	return c, sig, m
}

func TestAnswerIsIdempotent(t *testing.T) {
	c, sig, _ := newTestCall(t, agi.StateRinging)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := c.Answer(ctx); err != nil {
			t.Fatalf("Answer: %v", err)
		}
	}
	if sig.answered != 1 || c.State() != agi.StateAnswered {
		t.Errorf("answered=%d state=%s", sig.answered, c.State())
	}
}

func TestHangupWhileRingingRejects(t *testing.T) {
	c, sig, m := newTestCall(t, agi.StateRinging)
	ended := make(chan struct{})
	c.onEnd = func(*Call) { close(ended) }

	if err := c.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	<-ended
	if len(sig.responses) != 1 || sig.responses[0] != "480" || sig.byes != 0 {
		t.Errorf("responses=%v byes=%d", sig.responses, sig.byes)
	}
	if c.IsActive() || !m.closed || c.EndReason() != "local-hangup" {
		t.Errorf("active=%v media closed=%v reason=%q", c.IsActive(), m.closed, c.EndReason())
	}
	// a second hangup is a no-op
	if err := c.Hangup(context.Background()); err != nil || len(sig.responses) != 1 {
		t.Errorf("second hangup: %v %v", err, sig.responses)
	}
}

func TestRejectAnsweredSendsBye(t *testing.T) {
	c, sig, _ := newTestCall(t, agi.StateAnswered)
	if err := c.Reject(context.Background()); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if sig.byes != 1 || len(sig.responses) != 0 {
		t.Errorf("byes=%d responses=%v", sig.byes, sig.responses)
	}
}

func TestRedirect(t *testing.T) {
	c, sig, _ := newTestCall(t, agi.StateRinging)
	if err := c.Redirect(context.Background(), "sip:other@example.com"); err != nil {
		t.Fatalf("Redirect: %v", err)
	}
	if len(sig.responses) != 1 || sig.responses[0] != "302 sip:other@example.com" {
		t.Errorf("responses = %v", sig.responses)
	}

	c, sig, _ = newTestCall(t, agi.StateAnswered)
	sig.referCode = func(string) (int, error) { return 403, nil }
	err := c.Redirect(context.Background(), "tel:+15550000")
	if !errors.Is(err, agi.ErrSoftFail) {
		t.Errorf("refused redirect: err = %v", err)
	}
}

func TestSayRendersPrompts(t *testing.T) {
	c, _, m := newTestCall(t, agi.StateAnswered)
	ctx := context.Background()

	if err := c.Say(ctx, "http://x/hello.wav", agi.SayOptions{}); err != nil {
		t.Fatalf("Say URI: %v", err)
	}
	if err := c.Say(ctx, "Hello", agi.SayOptions{Voice: "kate"}); err != nil {
		t.Fatalf("Say text: %v", err)
	}
	if string(m.played[0]) != "audio:http://x/hello.wav" || string(m.played[1]) != "kate:Hello" {
		t.Errorf("played = %q", m.played)
	}

	c.prompts = fakePrompts{tts: false}
	if err := c.Say(ctx, "Hello", agi.SayOptions{}); !errors.Is(err, agi.ErrUnsupported) {
		t.Errorf("Say without TTS: err = %v", err)
	}
}

func TestSayOnEndedCall(t *testing.T) {
	c, _, _ := newTestCall(t, agi.StateAnswered)
	c.end("remote-hangup")
	if err := c.Say(context.Background(), "hi", agi.SayOptions{}); !errors.Is(err, agi.ErrDeadChannel) {
		t.Errorf("err = %v", err)
	}
}

func TestAskCollectsDigitsUntilTerminator(t *testing.T) {
	c, _, m := newTestCall(t, agi.StateAnswered)
	m.digits = []byte("1234#9")

	res, err := c.Ask(context.Background(), "Enter your PIN", agi.AskOptions{
		Choices:    "[1-8 DIGITS]",
		Terminator: "#",
		Timeout:    time.Second,
		Bargein:    true,
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Name != agi.AskChoice || res.Value != "1234" || res.Choice.Interpretation != "1234" {
		t.Errorf("result = %+v", res)
	}
	if len(m.digits) != 1 {
		t.Errorf("digits after terminator consumed: %q", m.digits)
	}
}

func TestAskBargeInDigitCounts(t *testing.T) {
	c, _, m := newTestCall(t, agi.StateAnswered)
	m.bargeIn = '2'

	res, err := c.Ask(context.Background(), "http://x/menu.wav", agi.AskOptions{Choices: "1,2", Bargein: true})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Name != agi.AskChoice || res.Value != "2" {
		t.Errorf("result = %+v", res)
	}
}

func TestAskRetriesThenTimesOut(t *testing.T) {
	c, _, m := newTestCall(t, agi.StateAnswered)
	m.digits = []byte("9")

	res, err := c.Ask(context.Background(), "http://x/menu.wav", agi.AskOptions{
		Choices:  "1,2",
		Timeout:  30 * time.Millisecond,
		Attempts: 2,
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Name != agi.AskTimeout {
		t.Errorf("result = %+v, want timeout after a nomatch", res)
	}
	if len(m.played) != 2 {
		t.Errorf("prompt played %d times, want 2", len(m.played))
	}
}

func TestAskZeroTimeoutOnlyTakesBufferedInput(t *testing.T) {
	c, _, _ := newTestCall(t, agi.StateAnswered)
	start := time.Now()
	res, err := c.Ask(context.Background(), "", agi.AskOptions{Choices: "1,2"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Name != agi.AskTimeout || time.Since(start) > 500*time.Millisecond {
		t.Errorf("result = %+v after %v", res, time.Since(start))
	}
}

func TestAskSpeechUnsupported(t *testing.T) {
	c, _, _ := newTestCall(t, agi.StateAnswered)
	_, err := c.Ask(context.Background(), "say yes", agi.AskOptions{Choices: "yes,no", ChoiceMode: agi.ModeSpeech})
	if !errors.Is(err, agi.ErrUnsupported) {
		t.Errorf("err = %v", err)
	}
}

func TestAskReportsHangup(t *testing.T) {
	c, _, _ := newTestCall(t, agi.StateAnswered)
	go func() {
		time.Sleep(30 * time.Millisecond)
		c.end("remote-hangup")
	}()
	res, err := c.Ask(context.Background(), "", agi.AskOptions{Choices: "1", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Name != agi.AskHangup {
		t.Errorf("result = %+v", res)
	}
}

func TestRecordWritesWAV(t *testing.T) {
	c, _, m := newTestCall(t, agi.StateAnswered)
	m.pcm = make([]byte, 16000) // one second
	m.digits = []byte("#")

	res, err := c.Record(context.Background(), "", agi.RecordOptions{Terminator: "#", MaxTime: 5 * time.Second, Beep: true})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Name != "terminator" || res.Duration != time.Second {
		t.Errorf("result = %+v", res)
	}
	path := strings.TrimPrefix(res.URI, "file://")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("recording not written: %v", err)
	}
	if info.Size() != 44+16000 {
		t.Errorf("size = %d", info.Size())
	}
	if len(m.played) != 1 || len(m.played[0]) == 0 {
		t.Error("beep not played")
	}
}

func TestRecordStopsOnSilence(t *testing.T) {
	c, _, m := newTestCall(t, agi.StateAnswered)
	m.lastVoice = time.Now().Add(-time.Hour)
	target := filepath.Join(t.TempDir(), "out", "msg.wav")

	res, err := c.Record(context.Background(), "", agi.RecordOptions{URI: target, SilenceTimeout: time.Second})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Name != "silence" || res.URI != "file://"+target {
		t.Errorf("result = %+v", res)
	}
}

func TestBackgroundRecordingSavedOnHangup(t *testing.T) {
	c, _, m := newTestCall(t, agi.StateAnswered)
	target := filepath.Join(t.TempDir(), "call.wav")
	m.pcm = make([]byte, 800)

	if err := c.StartRecording(context.Background(), target, agi.RecordOptions{}); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := c.StartRecording(context.Background(), target, agi.RecordOptions{}); !errors.Is(err, agi.ErrSoftFail) {
		t.Errorf("second start: err = %v", err)
	}
	if _, err := c.Record(context.Background(), "", agi.RecordOptions{}); !errors.Is(err, agi.ErrSoftFail) {
		t.Errorf("Record during call recording: err = %v", err)
	}

	c.end("remote-hangup")
	if _, err := os.Stat(target); err != nil {
		t.Errorf("recording not saved on hangup: %v", err)
	}
	if err := c.StopRecording(context.Background()); err != nil {
		t.Errorf("StopRecording after end: %v", err)
	}
}

func TestTransferTriesDestinationsInOrder(t *testing.T) {
	c, sig, _ := newTestCall(t, agi.StateAnswered)
	sig.referCode = func(target string) (int, error) {
		if target == "sip:busy@example.com" {
			return 486, nil
		}
		return 202, nil
	}

	res, err := c.Transfer(context.Background(), []string{"sip:busy@example.com", "tel:+15550001"}, agi.TransferOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Name != agi.TransferTransferred {
		t.Errorf("result = %+v", res)
	}
	if len(sig.refers) != 2 {
		t.Errorf("refers = %v", sig.refers)
	}
}

func TestTransferTimeout(t *testing.T) {
	c, sig, _ := newTestCall(t, agi.StateAnswered)
	sig.referCode = func(string) (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 0, context.DeadlineExceeded
	}
	res, err := c.Transfer(context.Background(), []string{"sip:slow@example.com"}, agi.TransferOptions{Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Name != agi.TransferTimeout {
		t.Errorf("result = %+v", res)
	}
}

func TestConferenceUnsupported(t *testing.T) {
	c, _, _ := newTestCall(t, agi.StateAnswered)
	if err := c.Conference(context.Background(), "room1"); !errors.Is(err, agi.ErrUnsupported) {
		t.Errorf("err = %v", err)
	}
}

func TestWaitEndsWithCall(t *testing.T) {
	c, _, _ := newTestCall(t, agi.StateAnswered)
	go c.end("remote-hangup")
	start := time.Now()
	if err := c.Wait(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait did not return on hangup")
	}
}

func TestHeaders(t *testing.T) {
	c, _, _ := newTestCall(t, agi.StateRinging)
	if v, ok := c.Header("X-Account"); !ok || v != "42" {
		t.Errorf("Header = %q, %v", v, ok)
	}
	h := c.Headers()
	h["x-account"] = "changed"
	if v, _ := c.Header("x-account"); v != "42" {
		t.Error("Headers must return a copy")
	}
	if _, err := uuid.Parse(c.ID()); err != nil {
		t.Errorf("ID %q: %v", c.ID(), err)
	}
}
