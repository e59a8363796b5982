package agi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when DispatcherConfig leaves a field zero.
const (
	DefaultSettleDelay = 2 * time.Second
	DefaultDTMFToneURI = "http://hosting.tropo.com/49767/www/audio/dtmf/"

	// foreverTimeout stands in for AGI's "wait indefinitely".
	foreverTimeout = 2 * time.Hour

	// defaultAskTimeout applies to structured asks that name no timeout.
	defaultAskTimeout = 30 * time.Second
)

// DispatcherConfig carries the per-session settings of a Dispatcher.
type DispatcherConfig struct {
	// Voice and Recognizer are the configured defaults that EXEC voice and
	// EXEC recognizer fall back to on "default".
	Voice      string
	Recognizer string

	// Settle is the pause after auto-answering a ringing call.
	Settle time.Duration

	// DTMFToneURI is the base URI of the <digit>.wav tones played by SendDTMF.
	DTMFToneURI string

	Logger *slog.Logger

	// Now is the clock used to time answering-machine detection.
	Now func() time.Time
}

type handlerFunc func(ctx context.Context, cmd *Command) (Response, error)

type pendingAsk struct {
	prompt string
	opts   AskOptions
}

// Dispatcher routes parsed commands to their handlers and owns the per-call
// state those handlers share. It is not safe for concurrent use; a session
// dispatches one command at a time.
type Dispatcher struct {
	call   CallSession
	vars   *VariableStore
	sounds SoundResolver
	cfg    DispatcherConfig
	log    *slog.Logger

	voice      string
	recognizer string
	pending    *pendingAsk

	commands map[string]handlerFunc
	apps     map[string]handlerFunc
}

// NewDispatcher creates a dispatcher for one call. sounds may be nil.
func NewDispatcher(call CallSession, vars *VariableStore, sounds SoundResolver, cfg DispatcherConfig) *Dispatcher {
	if cfg.DTMFToneURI == "" {
		cfg.DTMFToneURI = DefaultDTMFToneURI
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if vars == nil {
		vars = NewVariableStore(nil)
	}

	d := &Dispatcher{
		call:       call,
		vars:       vars,
		sounds:     sounds,
		cfg:        cfg,
		log:        cfg.Logger,
		voice:      cfg.Voice,
		recognizer: cfg.Recognizer,
	}
	d.registerCommands()
	d.registerApps()
	return d
}

// Vars returns the session's channel variables.
func (d *Dispatcher) Vars() *VariableStore {
	return d.vars
}

// Voice returns the voice currently used for speech output.
func (d *Dispatcher) Voice() string {
	return d.voice
}

// Recognizer returns the recognizer currently used for speech input.
func (d *Dispatcher) Recognizer() string {
	return d.recognizer
}

func (d *Dispatcher) registerCommands() {
	d.commands = map[string]handlerFunc{
		"answer":         d.answer,
		"hangup":         d.hangup,
		"noop":           d.noop,
		"verbose":        d.verbose,
		"channel status": d.channelStatus,
		"set variable":   d.setVariable,
		"get variable":   d.getVariable,

		"set callerid":     d.setCallerID,
		"set calleridname": d.setCallerIDName,

		"stream file":       d.streamFile,
		"stream streamfile": d.streamFile,
		"get data":          d.getData,
		"get option":        d.getOption,
		"wait for":          d.waitForDigit,
		"record file":       d.recordFile,

		"say number":   d.sayNumber,
		"say digits":   d.sayDigits,
		"say alpha":    d.sayPhonetic,
		"say phonetic": d.sayPhonetic,
		"say date":     d.sayDate,
		"say time":     d.sayTime,
		"say datetime": d.sayDateTime,

		"set context":    d.softFail("no dialplan contexts"),
		"set extension":  d.softFail("no dialplan extensions"),
		"set priority":   d.softFail("no dialplan priorities"),
		"set music":      d.softFail("no music on hold"),
		"set autohangup": d.softFail("no automatic hangup"),

		"speech create":     d.softFail("speech objects not supported"),
		"speech set":        d.softFail("speech objects not supported"),
		"speech destroy":    d.softFail("speech objects not supported"),
		"speech load":       d.softFail("speech grammars not supported"),
		"speech unload":     d.softFail("speech grammars not supported"),
		"speech activate":   d.softFail("speech grammars not supported"),
		"speech deactivate": d.softFail("speech grammars not supported"),
		"speech recognize":  d.nonsense("use EXEC ask"),

		"database": d.nonsense("no channel database"),
		"gosub":    d.nonsense("no dialplan"),
		"receive":  d.nonsense("no text channel"),
		"send":     d.nonsense("no text or image channel"),
		"tdd":      d.nonsense("no TDD"),
		"asyncagi": d.nonsense("not an async AGI session"),
		"get full": d.nonsense("no dialplan expression evaluation"),
		"control":  d.nonsense("no controllable playback"),
	}
}

// Dispatch runs cmd and returns its response. The error, if any, is
// classified with Classify; handlers never produce wire text for errors.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) (Response, error) {
	if cmd.Action == "exec" {
		return d.exec(ctx, cmd)
	}

	if cmd.Sub != "" {
		if h, ok := d.commands[cmd.Action+" "+cmd.Sub]; ok {
			return h(ctx, cmd)
		}
	}
	if h, ok := d.commands[cmd.Action]; ok {
		return h(ctx, cmd.withoutSub())
	}
	return Response{}, nonsense(cmd.Name(), "no such command")
}

func (d *Dispatcher) exec(ctx context.Context, cmd *Command) (Response, error) {
	if cmd.Sub == "" {
		return Response{}, argError("EXEC", "application name required")
	}
	h, ok := d.apps[cmd.Sub]
	if !ok {
		return Response{}, nonsense(cmd.Name(), "no such application")
	}
	return h(ctx, cmd)
}

func (d *Dispatcher) softFail(reason string) handlerFunc {
	return func(_ context.Context, cmd *Command) (Response, error) {
		return Response{}, softFail(cmd.Name(), reason)
	}
}

func (d *Dispatcher) nonsense(reason string) handlerFunc {
	return func(_ context.Context, cmd *Command) (Response, error) {
		return Response{}, nonsense(cmd.Name(), reason)
	}
}

// checkState guards commands that drive the call. A disconnected call fails
// before anything reaches the call session. A ringing call is answered
// first, then given time for the audio path to settle.
func (d *Dispatcher) checkState(ctx context.Context, cmd *Command) error {
	switch d.call.State() {
	case StateDisconnected:
		return deadChannel(cmd.Name())
	case StateRinging:
		d.log.Debug("[AGI] Auto-answering ringing call", "call_id", d.call.ID(), "command", cmd.Name())
		if err := d.call.Answer(ctx); err != nil {
			return fmt.Errorf("auto-answer: %w", err)
		}
		if d.cfg.Settle > 0 {
			t := time.NewTimer(d.cfg.Settle)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// resolvePrompt maps a sound name to its playable URI. URLs and unmapped
// names pass through unchanged.
func (d *Dispatcher) resolvePrompt(name string) string {
	name = stripQuotes(name)
	if d.sounds == nil || strings.Contains(name, "://") {
		return name
	}
	if uri, ok := d.sounds.Resolve(name); ok {
		d.log.Debug("[AGI] Resolved sound", "name", name, "uri", uri)
		return uri
	}
	return name
}

func (d *Dispatcher) sayOptions() SayOptions {
	return SayOptions{Voice: d.voice}
}

// joinDigits turns an escape digit string into a choice list: "12#" becomes
// "1,2,#".
func joinDigits(digits string) string {
	parts := make([]string, 0, len(digits))
	for _, r := range digits {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}

// msTimeout converts an AGI millisecond timeout. ok is false when s is not a
// number.
func msTimeout(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	if ms < 0 {
		return foreverTimeout, true
	}
	return time.Duration(ms) * time.Millisecond, true
}

// askFromMap builds ask options from a JSON object as sent by EXEC ask or a
// structured STREAM FILE. Timeouts are in seconds.
func (d *Dispatcher) askFromMap(m map[string]any) (string, AskOptions) {
	opts := AskOptions{
		Timeout:    defaultAskTimeout,
		Voice:      d.voice,
		Recognizer: d.recognizer,
	}
	prompt := stringValue(m["prompt"])
	if v, ok := m["choices"]; ok {
		opts.Choices = choicesValue(v)
	}
	opts.ChoiceMode = stringValue(m["choiceMode"])
	if opts.ChoiceMode == "" {
		opts.ChoiceMode = stringValue(m["mode"])
	}
	opts.Terminator = stringValue(m["terminator"])
	if s, ok := secondsValue(m["timeout"]); ok {
		opts.Timeout = s
	}
	if s, ok := secondsValue(m["interdigitTimeout"]); ok {
		opts.InterdigitTimeout = s
	}
	if n, ok := numberValue(m["attempts"]); ok {
		opts.Attempts = int(n)
	}
	if n, ok := numberValue(m["minConfidence"]); ok {
		opts.MinConfidence = n
	}
	if b, ok := m["bargein"].(bool); ok {
		opts.Bargein = b
	}
	if v := stringValue(m["voice"]); v != "" {
		opts.Voice = v
	}
	if v := stringValue(m["recognizer"]); v != "" {
		opts.Recognizer = v
	}
	return prompt, opts
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return ""
}

// choicesValue accepts either a grammar string or {"value": "..."} as
// Tropo's WebAPI sends it.
func choicesValue(v any) string {
	if m, ok := v.(map[string]any); ok {
		return stringValue(m["value"])
	}
	return stringValue(v)
}

func numberValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func secondsValue(v any) (time.Duration, bool) {
	n, ok := numberValue(v)
	if !ok {
		return 0, false
	}
	return time.Duration(n * float64(time.Second)), true
}
