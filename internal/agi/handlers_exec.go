package agi

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDialTimeout = 30 * time.Second

	amdMaxTime        = 10 * time.Second
	amdSilenceTimeout = 1 * time.Second
	amdHumanThreshold = 3 * time.Second

	defaultReadMaxDigits = 255
	defaultReadTimeout   = 6 * time.Second
)

// DIALSTATUS values.
const (
	DialAnswer      = "ANSWER"
	DialNoAnswer    = "NOANSWER"
	DialCongestion  = "CONGESTION"
	DialChanUnavail = "CHANUNAVAIL"
)

var (
	// a bare dialable URI or channel: sip:alice, SIP/alice, tel:5551212
	plainDestinationPattern = regexp.MustCompile(`^(sip|SIP|tel)(:|/)\w+$`)
	phoneNumberPattern      = regexp.MustCompile(`^\+?\d+$`)
)

func (d *Dispatcher) registerApps() {
	playback := d.execPlayback
	startRecording := d.execStartRecording
	stopRecording := d.execStopRecording
	conference := d.execMeetMe

	d.apps = map[string]handlerFunc{
		"dial": d.execDial,
		"amd":  d.execAMD,
		"read": d.execRead,
		"ask":  d.execAsk,
		"say":  d.execSay,

		"playback":   playback,
		"background": playback,
		"saynumber":  playback,

		"saydigits":   d.execSayDigits,
		"sayphonetic": d.execSayPhonetic,
		"sayalpha":    d.execSayPhonetic,
		"senddtmf":    d.execSendDTMF,

		"meetme":     conference,
		"conference": conference,

		"monitor":            startRecording,
		"mixmonitor":         startRecording,
		"startcallrecording": startRecording,
		"stopcallrecording":  stopRecording,
		"monitor_stop":       stopRecording,
		"stopmonitor":        stopRecording,
		"mixmonitor_stop":    stopRecording,
		"stopmixmonitor":     stopRecording,

		"voice":      d.execVoice,
		"recognizer": d.execRecognizer,
		"redirect":   d.execRedirect,
		"reject":     d.execReject,
		"wait":       d.execWait,

		"sipgetheader": d.execSIPGetHeader,

		"answer":  d.answer,
		"hangup":  d.hangup,
		"noop":    d.noop,
		"verbose": d.execLog,
		"log":     d.execLog,
	}
}

// DialStatus maps a transfer outcome onto Asterisk's DIALSTATUS. Unknown
// outcomes are CONGESTION.
func DialStatus(outcome string) string {
	switch outcome {
	case TransferTransferred, TransferSuccess:
		return DialAnswer
	case TransferTimeout:
		return DialNoAnswer
	case TransferError:
		return DialCongestion
	case TransferCallFailure:
		return DialChanUnavail
	default:
		return DialCongestion
	}
}

// NormalizeDestinations turns a Dial destination string into dialable URIs.
// Destinations are separated by &, SIP/ channels become sip: URIs and bare
// phone numbers become tel:+ URIs.
func NormalizeDestinations(dest string) []string {
	var out []string
	for _, part := range strings.Split(dest, "&") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, `"`)
		if !plainDestinationPattern.MatchString(part) {
			// drop option text trailing a quote: sip:a@b"|30
			part, _, _ = strings.Cut(part, `"`)
		}
		part = strings.ReplaceAll(part, "SIP/", "sip:")
		if part == "" {
			continue
		}
		out = append(out, OutboundURI(part))
	}
	return out
}

// OutboundURI prefixes a bare phone number with tel:+. Anything that already
// looks like a URI passes through.
func OutboundURI(dest string) string {
	if !phoneNumberPattern.MatchString(dest) {
		return dest
	}
	return "tel:+" + strings.TrimPrefix(dest, "+")
}

// execDial serves EXEC Dial dest[,timeout[,flags]] as a transfer.
func (d *Dispatcher) execDial(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.AppArgs()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "destination required")
	}
	destinations := NormalizeDestinations(args[0])
	if len(destinations) == 0 {
		return Response{}, argError(cmd.Name(), "no dialable destination in %q", args[0])
	}

	opts := TransferOptions{Timeout: defaultDialTimeout, Headers: d.transferHeaders()}
	if len(args) > 1 && strings.TrimSpace(args[1]) != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(args[1]))
		if err != nil {
			return Response{}, argError(cmd.Name(), "timeout %q is not a number", args[1])
		}
		opts.Timeout = time.Duration(secs) * time.Second
	}
	if num, ok := d.vars.Get(VarCallerIDNum); ok && num != "" {
		opts.CallerID = num
	}
	if len(args) > 2 && args[2] != "" {
		d.log.Debug("[AGI] Ignoring Dial flags", "call_id", d.call.ID(), "flags", args[2])
	}

	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	res, err := d.call.Transfer(ctx, destinations, opts)
	if err != nil {
		return Response{}, err
	}

	status := DialStatus(res.Name)
	d.vars.setFlat(VarDialStatus, status)
	d.log.Info("[AGI] Dial finished", "call_id", d.call.ID(), "destinations", destinations, "outcome", res.Name, "dialstatus", status)
	return Success(0), nil
}

// transferHeaders forwards the channel variables as x-tropo-* headers.
func (d *Dispatcher) transferHeaders() map[string]string {
	vars := d.vars.Normalized()
	headers := make(map[string]string, len(vars))
	for k, v := range vars {
		headers["x-tropo-"+k] = v
	}
	return headers
}

// execAMD approximates answering-machine detection by timing a short
// recording: a human greeting stops well before a machine's.
func (d *Dispatcher) execAMD(ctx context.Context, cmd *Command) (Response, error) {
	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}

	start := d.cfg.Now()
	if _, err := d.call.Record(ctx, "", RecordOptions{
		Format:         recordFormats["wav"],
		MaxTime:        amdMaxTime,
		SilenceTimeout: amdSilenceTimeout,
		Beep:           false,
	}); err != nil {
		return Response{}, err
	}
	elapsed := d.cfg.Now().Sub(start)

	status, cause := "HUMAN", "HUMAN-1-1"
	if elapsed >= amdHumanThreshold {
		status, cause = "MACHINE", fmt.Sprintf("TOOLONG-%d", int(elapsed.Seconds()))
	}
	d.vars.setFlat(VarAMDStatus, status)
	d.vars.setFlat(VarAMDCause, cause)
	d.log.Info("[AGI] AMD classified call", "call_id", d.call.ID(), "status", status, "cause", cause, "elapsed", elapsed)
	return Success(0), nil
}

// execRead serves EXEC Read var,file,maxdigits,options,attempts,timeout.
func (d *Dispatcher) execRead(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.AppArgs()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "variable required")
	}
	arg := func(i int) string {
		if i < len(args) {
			return strings.TrimSpace(args[i])
		}
		return ""
	}

	maxDigits := defaultReadMaxDigits
	if n, err := strconv.Atoi(arg(2)); err == nil && n > 0 {
		maxDigits = n
	}
	attempts := 1
	if n, err := strconv.Atoi(arg(4)); err == nil && n > 0 {
		attempts = n
	}
	timeout := defaultReadTimeout
	if f, err := strconv.ParseFloat(arg(5), 64); err == nil && f > 0 {
		timeout = time.Duration(f * float64(time.Second))
	}

	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	res, err := d.call.Ask(ctx, d.resolvePrompt(arg(1)), AskOptions{
		Choices:    fmt.Sprintf("[1-%d DIGITS]", maxDigits),
		ChoiceMode: ModeKeypad,
		Timeout:    timeout,
		Terminator: "#",
		Attempts:   attempts,
		Bargein:    !strings.Contains(arg(3), "n"),
		Voice:      d.voice,
	})
	if err != nil {
		return Response{}, err
	}

	value, status := "", "ERROR"
	switch res.Name {
	case AskChoice:
		value, status = res.Value, "OK"
	case AskTimeout:
		status = "TIMEOUT"
	case AskHangup:
		status = "HANGUP"
	}
	d.vars.setFlat("READSTATUS", status)
	if err := d.vars.Set(args[0], value); err != nil {
		return Response{}, &ArgumentError{Command: cmd.Name(), Reason: err.Error()}
	}
	return Success(0), nil
}

// execAsk serves EXEC ask {"prompt": ..., "choices": ...} and answers with
// the recognizer's interpretation as JSON.
func (d *Dispatcher) execAsk(ctx context.Context, cmd *Command) (Response, error) {
	var (
		prompt string
		opts   AskOptions
	)
	if obj, ok := cmd.Args.Object(); ok {
		prompt, opts = d.askFromMap(obj)
	} else {
		prompt = cmd.Args.String(0)
		opts = AskOptions{Voice: d.voice, Recognizer: d.recognizer}
	}
	if prompt == "" {
		return Response{}, argError(cmd.Name(), "prompt required")
	}

	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	res, err := d.call.Ask(ctx, d.resolvePrompt(prompt), opts)
	if err != nil {
		return Response{}, err
	}

	switch {
	case res.Value == ValueNoSpeech || res.Value == ValueNoMatch:
		return SuccessJSON(map[string]string{"interpretation": res.Value})
	case res.Name == AskTimeout:
		return SuccessJSON(map[string]string{"interpretation": ValueNoSpeech})
	case res.Name == AskNoMatch:
		return SuccessJSON(map[string]string{"interpretation": ValueNoMatch})
	case res.Name == AskChoice:
		return SuccessJSON(res.Choice)
	}
	return Response{}, softFail(cmd.Name(), "unexpected ask outcome "+res.Name)
}

func (d *Dispatcher) execSay(ctx context.Context, cmd *Command) (Response, error) {
	text := cmd.Args.String(0)
	opts := d.sayOptions()
	if obj, ok := cmd.Args.Object(); ok {
		text = stringValue(obj["prompt"])
		if v := stringValue(obj["voice"]); v != "" {
			opts.Voice = v
		}
	}
	if text == "" {
		return Response{}, argError(cmd.Name(), "prompt required")
	}
	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	if err := d.call.Say(ctx, d.resolvePrompt(text), opts); err != nil {
		return Response{}, err
	}
	return Success(0), nil
}

// execPlayback plays its first argument whole so that prose with commas
// reaches speech output intact. Sound lists joined with & play in order.
func (d *Dispatcher) execPlayback(ctx context.Context, cmd *Command) (Response, error) {
	text := cmd.Args.String(0)
	if text == "" {
		return Response{}, argError(cmd.Name(), "file required")
	}
	items := []string{text}
	if !strings.ContainsAny(text, " \t") && strings.Contains(text, "&") {
		items = strings.Split(text, "&")
	}

	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	for _, item := range items {
		if err := d.call.Say(ctx, d.resolvePrompt(item), d.sayOptions()); err != nil {
			return Response{}, err
		}
	}
	return Success(0), nil
}

func (d *Dispatcher) execSayDigits(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.AppArgs()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "digits required")
	}
	return d.say(ctx, cmd, digitsSSML(args[0]))
}

func (d *Dispatcher) execSayPhonetic(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.AppArgs()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "text required")
	}
	return d.say(ctx, cmd, spellOut(args[0]))
}

// execSendDTMF plays a tone recording per digit; unknown characters are
// skipped.
func (d *Dispatcher) execSendDTMF(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.AppArgs()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "digits required")
	}
	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	base := strings.TrimSuffix(d.cfg.DTMFToneURI, "/") + "/"
	for _, r := range strings.ToLower(args[0]) {
		if !strings.ContainsRune("0123456789abcd#*", r) {
			d.log.Warn("[AGI] Cannot play DTMF", "call_id", d.call.ID(), "digit", string(r))
			continue
		}
		if err := d.call.Say(ctx, base+string(r)+".wav", d.sayOptions()); err != nil {
			return Response{}, err
		}
	}
	return Success(0), nil
}

func (d *Dispatcher) execMeetMe(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.AppArgs()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "conference room required")
	}
	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	if err := d.call.Conference(ctx, args[0]); err != nil {
		return Response{}, err
	}
	return Success(0), nil
}

// execStartRecording takes either {"uri": ..., "format": ..., "method": ...}
// or a plain URI.
func (d *Dispatcher) execStartRecording(ctx context.Context, cmd *Command) (Response, error) {
	var opts RecordOptions
	if obj, ok := cmd.Args.Object(); ok {
		opts.URI = stringValue(obj["uri"])
		opts.Format = stringValue(obj["format"])
		opts.Method = stringValue(obj["method"])
	} else if args := cmd.AppArgs(); len(args) > 0 {
		opts.URI = args[0]
	}
	if opts.URI == "" {
		return Response{}, argError(cmd.Name(), "recording uri required")
	}
	if f, ok := recordFormats[strings.ToLower(opts.Format)]; ok {
		opts.Format = f
	}

	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	if err := d.call.StartRecording(ctx, opts.URI, opts); err != nil {
		return Response{}, err
	}
	return Success(0), nil
}

// execStopRecording works on any call state; stopping is always allowed.
func (d *Dispatcher) execStopRecording(ctx context.Context, cmd *Command) (Response, error) {
	if err := d.call.StopRecording(ctx); err != nil {
		return Response{}, err
	}
	return Success(0), nil
}

func (d *Dispatcher) execVoice(_ context.Context, cmd *Command) (Response, error) {
	v := cmd.Args.String(0)
	if v == "" {
		return Response{}, argError(cmd.Name(), "voice required")
	}
	if v == "default" {
		v = d.cfg.Voice
	}
	d.voice = v
	return Success(0), nil
}

func (d *Dispatcher) execRecognizer(_ context.Context, cmd *Command) (Response, error) {
	v := cmd.Args.String(0)
	if v == "" {
		return Response{}, argError(cmd.Name(), "recognizer required")
	}
	if v == "default" {
		v = d.cfg.Recognizer
	}
	d.recognizer = v
	return Success(0), nil
}

func (d *Dispatcher) execRedirect(ctx context.Context, cmd *Command) (Response, error) {
	dest := cmd.Args.String(0)
	if dest == "" {
		return Response{}, argError(cmd.Name(), "destination required")
	}
	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	if err := d.call.Redirect(ctx, OutboundURI(dest)); err != nil {
		return Response{}, err
	}
	return Success(0), nil
}

func (d *Dispatcher) execReject(ctx context.Context, cmd *Command) (Response, error) {
	if err := d.call.Reject(ctx); err != nil {
		return Response{}, err
	}
	return Success(0), nil
}

// execWait serves EXEC Wait <seconds>, fractions allowed.
func (d *Dispatcher) execWait(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.AppArgs()
	if len(args) == 0 {
		return Response{}, argError(cmd.Name(), "seconds required")
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
	if err != nil || secs < 0 {
		return Response{}, argError(cmd.Name(), "seconds %q is not a number", args[0])
	}
	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	if err := d.call.Wait(ctx, time.Duration(secs*float64(time.Second))); err != nil {
		return Response{}, err
	}
	return Success(0), nil
}

// execSIPGetHeader serves EXEC SIPGetHeader var=Header. A bare header name
// stores the value under the header's own name.
func (d *Dispatcher) execSIPGetHeader(_ context.Context, cmd *Command) (Response, error) {
	args := cmd.AppArgs()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "header required")
	}
	name, header, found := strings.Cut(args[0], "=")
	if !found {
		header = name
	}
	if value, ok := d.call.Header(strings.TrimSpace(header)); ok {
		if err := d.vars.Set(strings.TrimSpace(name), value); err != nil {
			return Response{}, &ArgumentError{Command: cmd.Name(), Reason: err.Error()}
		}
	}
	return Success(0), nil
}

func (d *Dispatcher) execLog(_ context.Context, cmd *Command) (Response, error) {
	args := cmd.AppArgs()
	msg := strings.Join(args, ",")
	if msg == "" {
		return Response{}, argError(cmd.Name(), "message required")
	}
	d.call.Log(msg)
	d.log.Info("[AGI] "+msg, "call_id", d.call.ID())
	return Success(0), nil
}
