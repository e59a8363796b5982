// Package sipcall terminates inbound SIP calls and exposes each one as an
// AGI call session: prompts and DTMF over RTP, recordings to WAV, and
// transfer by REFER.
package sipcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/agibridge/internal/agi"
	"github.com/sebas/agibridge/internal/media"
)

const (
	defaultInterdigitTimeout = 5 * time.Second
	defaultRecordMaxTime     = 60 * time.Second
	beepDuration             = 250 * time.Millisecond
)

// signaler is the SIP side of a call.
type signaler interface {
	Answer(ctx context.Context) error
	// Respond sends a final non-2xx response to the INVITE. contact is set
	// for redirects.
	Respond(code int, reason, contact string) error
	Bye(ctx context.Context) error
	// Refer asks the peer to call target and returns the final status code.
	Refer(ctx context.Context, target string, headers map[string]string) (int, error)
}

// mediaPort is the RTP side of a call. *media.Session implements it.
type mediaPort interface {
	Play(ctx context.Context, ulaw []byte, bargein bool) (byte, error)
	ReadDigit(ctx context.Context, timeout time.Duration) (byte, bool, error)
	FlushDigits()
	StartRecording()
	StopRecording() []byte
	Recording() bool
	LastVoice() time.Time
	Close() error
}

// Prompts renders prompts to µ-law audio. *media.Loader implements it.
type Prompts interface {
	Audio(ctx context.Context, uri string) ([]byte, error)
	Speech(ctx context.Context, text, voice string) ([]byte, error)
}

// Parties identifies the ends of a call.
type Parties struct {
	SIPCallID  string
	CallerID   string
	CallerName string
	CalledID   string
	Headers    map[string]string
}

type callConfig struct {
	parties      Parties
	sig          signaler
	media        mediaPort
	prompts      Prompts
	recordings   *recorder
	logger       *slog.Logger
	initialState agi.CallState
	onEnd        func(c *Call)
}

// callRecording is a background recording started by StartRecording.
type callRecording struct {
	uri     string
	opts    agi.RecordOptions
	started time.Time
}

// Call is one inbound SIP call. It implements agi.CallSession.
type Call struct {
	id      string
	parties Parties
	sig     signaler
	media   mediaPort
	prompts Prompts
	rec     *recorder
	log     *slog.Logger
	onEnd   func(c *Call)

	mu         sync.Mutex
	state      agi.CallState
	endReason  string
	background *callRecording

	ctx    context.Context
	cancel context.CancelFunc
}

var _ agi.CallSession = (*Call)(nil)

func newCall(cfg callConfig) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.parties.Headers == nil {
		cfg.parties.Headers = map[string]string{}
	}
	id := uuid.NewString()
	return &Call{
		id:      id,
		parties: cfg.parties,
		sig:     cfg.sig,
		media:   cfg.media,
		prompts: cfg.prompts,
		rec:     cfg.recordings,
		log:     logger.With("call_id", id),
		onEnd:   cfg.onEnd,
		state:   cfg.initialState,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Call) ID() string         { return c.id }
func (c *Call) SIPCallID() string  { return c.parties.SIPCallID }
func (c *Call) CallerID() string   { return c.parties.CallerID }
func (c *Call) CallerName() string { return c.parties.CallerName }
func (c *Call) CalledID() string   { return c.parties.CalledID }

func (c *Call) State() agi.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) IsActive() bool {
	return c.State() != agi.StateDisconnected
}

// Done is closed when the call ends.
func (c *Call) Done() <-chan struct{} {
	return c.ctx.Done()
}

// EndReason says why the call ended, empty while it is active.
func (c *Call) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// end disconnects the call once: pending media operations are cancelled, a
// background recording is saved and the media port is closed.
func (c *Call) end(reason string) {
	c.mu.Lock()
	if c.state == agi.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = agi.StateDisconnected
	c.endReason = reason
	bg := c.background
	c.background = nil
	c.mu.Unlock()

	c.cancel()
	if bg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c.saveBackground(ctx, bg)
		cancel()
	}
	if c.media != nil {
		_ = c.media.Close()
	}
	c.log.Info("[Call] Ended", "reason", reason)
	if c.onEnd != nil {
		c.onEnd(c)
	}
}

// bind derives a context that is also cancelled when the call ends.
func (c *Call) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Call) Answer(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case agi.StateAnswered:
		return nil
	case agi.StateDisconnected:
		return fmt.Errorf("answer: %w", agi.ErrDeadChannel)
	}
	if err := c.sig.Answer(ctx); err != nil {
		return fmt.Errorf("answer: %w", err)
	}

	c.mu.Lock()
	if c.state == agi.StateRinging {
		c.state = agi.StateAnswered
	}
	c.mu.Unlock()
	c.log.Info("[Call] Answered")
	return nil
}

func (c *Call) Hangup(ctx context.Context) error {
	return c.disconnect(ctx, 480, "Temporarily Unavailable", "local-hangup")
}

func (c *Call) Reject(ctx context.Context) error {
	return c.disconnect(ctx, 603, "Decline", "rejected")
}

// disconnect ends a ringing call with a final response and an answered one
// with BYE.
func (c *Call) disconnect(ctx context.Context, code int, reason, endReason string) error {
	var err error
	switch c.State() {
	case agi.StateDisconnected:
		return nil
	case agi.StateRinging:
		err = c.sig.Respond(code, reason, "")
	default:
		err = c.sig.Bye(ctx)
	}
	c.end(endReason)
	if err != nil {
		return fmt.Errorf("%s: %w", endReason, err)
	}
	return nil
}

// Redirect sends a ringing call elsewhere with 302. An answered call is
// handed off by REFER instead.
func (c *Call) Redirect(ctx context.Context, destination string) error {
	switch c.State() {
	case agi.StateDisconnected:
		return fmt.Errorf("redirect: %w", agi.ErrDeadChannel)
	case agi.StateRinging:
		err := c.sig.Respond(302, "Moved Temporarily", destination)
		c.end("redirected")
		return err
	}

	code, err := c.sig.Refer(ctx, destination, nil)
	if err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	if code >= 300 {
		return fmt.Errorf("redirect to %s refused with %d: %w", destination, code, agi.ErrSoftFail)
	}
	c.log.Info("[Call] Redirected", "destination", destination)
	return nil
}

func (c *Call) activeMedia() (mediaPort, error) {
	if c.State() == agi.StateDisconnected {
		return nil, agi.ErrDeadChannel
	}
	if c.media == nil {
		return nil, errors.New("call has no media session")
	}
	return c.media, nil
}

// render turns a prompt into audio: URIs are fetched, anything else is
// spoken through TTS.
func (c *Call) render(ctx context.Context, prompt, voice string) ([]byte, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, nil
	}
	if media.IsAudioURI(prompt) {
		return c.prompts.Audio(ctx, prompt)
	}
	audio, err := c.prompts.Speech(ctx, prompt, voice)
	if errors.Is(err, media.ErrNoTTS) {
		return nil, fmt.Errorf("speak %q: %w", prompt, agi.ErrUnsupported)
	}
	return audio, err
}

func (c *Call) Say(ctx context.Context, text string, opts agi.SayOptions) error {
	m, err := c.activeMedia()
	if err != nil {
		return err
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	audio, err := c.render(ctx, text, opts.Voice)
	if err != nil {
		return err
	}
	if _, err := m.Play(ctx, audio, false); err != nil && !c.hungUp(err) {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

// hungUp reports whether err comes from the call ending underneath an
// operation.
func (c *Call) hungUp(err error) bool {
	if c.ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, media.ErrSessionClosed)
}

// Ask plays the prompt and collects keypad input against opts.Choices.
// Speech recognition is not available; speech-only asks are unsupported.
func (c *Call) Ask(ctx context.Context, prompt string, opts agi.AskOptions) (agi.AskResult, error) {
	if opts.ChoiceMode == agi.ModeSpeech {
		return agi.AskResult{}, fmt.Errorf("speech recognition: %w", agi.ErrUnsupported)
	}
	g, err := parseGrammar(opts.Choices)
	if err != nil {
		return agi.AskResult{}, err
	}
	m, err := c.activeMedia()
	if err != nil {
		return agi.AskResult{}, err
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	audio, err := c.render(ctx, prompt, opts.Voice)
	if err != nil {
		return agi.AskResult{}, err
	}

	attempts := max(opts.Attempts, 1)
	var result agi.AskResult
	for attempt := 1; attempt <= attempts; attempt++ {
		first, err := m.Play(ctx, audio, opts.Bargein)
		if err == nil && !opts.Bargein && len(audio) > 0 {
			m.FlushDigits()
		}
		var input string
		if err == nil {
			input, err = c.collect(ctx, m, g, first, opts)
		}
		if err != nil {
			if c.hungUp(err) {
				return agi.AskResult{Name: agi.AskHangup}, nil
			}
			return agi.AskResult{}, err
		}

		result = evaluate(g, input)
		c.log.Debug("[Call] Ask attempt", "attempt", attempt, "input", input, "outcome", result.Name)
		if result.Name == agi.AskChoice {
			break
		}
	}
	return result, nil
}

// collect gathers keys until the grammar is complete, the terminator is
// pressed or a timeout expires. first is a key that interrupted the prompt.
func (c *Call) collect(ctx context.Context, m mediaPort, g grammar, first byte, opts agi.AskOptions) (string, error) {
	interdigit := opts.InterdigitTimeout
	if interdigit <= 0 {
		interdigit = defaultInterdigitTimeout
	}

	var input strings.Builder
	accept := func(d byte) (done bool) {
		if input.Len() > 0 || !strings.ContainsRune(g.keys, rune(d)) {
			if strings.IndexByte(opts.Terminator, d) >= 0 {
				return true
			}
		}
		input.WriteByte(d)
		return g.complete(input.String())
	}

	if first != 0 && accept(first) {
		return input.String(), nil
	}
	wait := opts.Timeout
	if input.Len() > 0 {
		wait = interdigit
	}
	for {
		d, ok, err := m.ReadDigit(ctx, wait)
		if err != nil {
			return "", err
		}
		if !ok || accept(d) {
			return input.String(), nil
		}
		wait = interdigit
	}
}

func evaluate(g grammar, input string) agi.AskResult {
	switch {
	case input == "":
		return agi.AskResult{Name: agi.AskTimeout}
	case g.match(input):
		return agi.AskResult{
			Name:  agi.AskChoice,
			Value: input,
			Choice: agi.Choice{
				Concept:        input,
				Interpretation: input,
				Confidence:     1,
			},
		}
	default:
		return agi.AskResult{Name: agi.AskNoMatch, Value: input}
	}
}

// Record plays the prompt, optionally beeps, then captures caller audio
// until the terminator, the silence timeout or the maximum time.
func (c *Call) Record(ctx context.Context, prompt string, opts agi.RecordOptions) (agi.RecordResult, error) {
	m, err := c.activeMedia()
	if err != nil {
		return agi.RecordResult{}, err
	}
	c.mu.Lock()
	busy := c.background != nil
	c.mu.Unlock()
	if busy {
		return agi.RecordResult{}, fmt.Errorf("call recording in progress: %w", agi.ErrSoftFail)
	}

	ctx, cancel := c.bind(ctx)
	defer cancel()

	audio, err := c.render(ctx, prompt, "")
	if err != nil {
		return agi.RecordResult{}, err
	}
	if opts.Beep {
		audio = append(audio, media.Tone(1000, beepDuration)...)
	}
	if _, err := m.Play(ctx, audio, false); err != nil {
		if c.hungUp(err) {
			return agi.RecordResult{Name: agi.AskHangup}, nil
		}
		return agi.RecordResult{}, fmt.Errorf("play: %w", err)
	}

	maxTime := opts.MaxTime
	if maxTime <= 0 {
		maxTime = defaultRecordMaxTime
	}
	m.FlushDigits()
	m.StartRecording()
	deadline := time.Now().Add(maxTime)
	name := c.captureUntil(ctx, m, deadline, opts)
	pcm := m.StopRecording()

	// audio captured before a hangup is still kept
	saveCtx := ctx
	if c.ctx.Err() != nil {
		var saveCancel context.CancelFunc
		saveCtx, saveCancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer saveCancel()
	}
	uri, err := c.rec.save(saveCtx, c.id, opts.URI, opts.Method, pcm)
	if err != nil {
		return agi.RecordResult{}, err
	}
	return agi.RecordResult{Name: name, URI: uri, Duration: pcmDuration(pcm)}, nil
}

// captureUntil waits for a recording stop condition and names it.
func (c *Call) captureUntil(ctx context.Context, m mediaPort, deadline time.Time, opts agi.RecordOptions) string {
	const tick = 100 * time.Millisecond
	for {
		if time.Now().After(deadline) {
			return "timeout"
		}
		if opts.SilenceTimeout > 0 && time.Since(m.LastVoice()) >= opts.SilenceTimeout {
			return "silence"
		}
		d, ok, err := m.ReadDigit(ctx, min(tick, time.Until(deadline)))
		if err != nil {
			return agi.AskHangup
		}
		if ok && strings.IndexByte(opts.Terminator, d) >= 0 {
			return "terminator"
		}
	}
}

func pcmDuration(pcm []byte) time.Duration {
	return time.Duration(len(pcm)/2) * time.Second / 8000
}

// StartRecording records the call in the background until StopRecording or
// hangup.
func (c *Call) StartRecording(_ context.Context, uri string, opts agi.RecordOptions) error {
	m, err := c.activeMedia()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.background != nil || m.Recording() {
		return fmt.Errorf("recording already active: %w", agi.ErrSoftFail)
	}
	c.background = &callRecording{uri: uri, opts: opts, started: time.Now()}
	m.StartRecording()
	c.log.Info("[Call] Recording started", "uri", uri)
	return nil
}

// StopRecording saves the background recording. Stopping when nothing is
// recording succeeds.
func (c *Call) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	bg := c.background
	c.background = nil
	c.mu.Unlock()
	if bg == nil {
		return nil
	}
	return c.saveBackground(ctx, bg)
}

func (c *Call) saveBackground(ctx context.Context, bg *callRecording) error {
	pcm := c.media.StopRecording()
	uri, err := c.rec.save(ctx, c.id, bg.uri, bg.opts.Method, pcm)
	if err != nil {
		c.log.Warn("[Call] Failed to save recording", "uri", bg.uri, "error", err)
		return err
	}
	c.log.Info("[Call] Recording saved", "uri", uri, "duration", pcmDuration(pcm))
	return nil
}

// Transfer refers the caller to each destination in turn until one is
// accepted. Each attempt is bounded by opts.Timeout.
func (c *Call) Transfer(ctx context.Context, destinations []string, opts agi.TransferOptions) (agi.TransferResult, error) {
	if c.State() == agi.StateDisconnected {
		return agi.TransferResult{}, fmt.Errorf("transfer: %w", agi.ErrDeadChannel)
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.CallerID != "" {
		headers["Referred-By"] = "<tel:" + opts.CallerID + ">"
	}

	outcome := agi.TransferCallFailure
	for _, dest := range destinations {
		attemptCtx := ctx
		var attemptCancel context.CancelFunc = func() {}
		if opts.Timeout > 0 {
			attemptCtx, attemptCancel = context.WithTimeout(ctx, opts.Timeout)
		}
		code, err := c.sig.Refer(attemptCtx, dest, headers)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		attemptCancel()

		switch {
		case c.ctx.Err() != nil:
			return agi.TransferResult{Name: agi.TransferError}, nil
		case err != nil && timedOut:
			outcome = agi.TransferTimeout
		case err != nil:
			c.log.Warn("[Call] REFER failed", "destination", dest, "error", err)
			outcome = agi.TransferError
		case code < 300:
			c.log.Info("[Call] Transferred", "destination", dest, "status", code)
			return agi.TransferResult{Name: agi.TransferTransferred}, nil
		default:
			c.log.Info("[Call] Transfer refused", "destination", dest, "status", code)
			outcome = agi.TransferCallFailure
		}
	}
	return agi.TransferResult{Name: outcome}, nil
}

func (c *Call) Conference(_ context.Context, room string) error {
	return fmt.Errorf("conference %q: %w", room, agi.ErrUnsupported)
}

// Wait holds the call for d. It returns early without error when the call
// ends.
func (c *Call) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Call) Log(msg string) {
	c.log.Info("[Call] Script log", "message", msg)
}

// Header looks up an INVITE header, case-insensitively.
func (c *Call) Header(name string) (string, bool) {
	v, ok := c.parties.Headers[strings.ToLower(name)]
	return v, ok
}

func (c *Call) Headers() map[string]string {
	out := make(map[string]string, len(c.parties.Headers))
	for k, v := range c.parties.Headers {
		out[k] = v
	}
	return out
}
