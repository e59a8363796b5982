package agi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// playbackEndpos is reported for every playback; the call session does
	// not expose a playback offset.
	playbackEndpos = 0

	defaultGetDataTimeout   = 6000 * time.Millisecond
	defaultGetDataMaxDigits = 1024
	defaultGetOptionTimeout = 5000 * time.Millisecond

	singleDigitChoices = "[1 DIGIT], *, #"
)

// recordFormats maps RECORD FILE formats to recording MIME types.
var recordFormats = map[string]string{
	"wav": "audio/wav",
	"mp3": "audio/mp3",
}

// streamFile plays a sound, optionally listening for escape digits. A JSON
// argument is not played: it becomes the prompt of the next WAIT FOR DIGIT.
func (d *Dispatcher) streamFile(ctx context.Context, cmd *Command) (Response, error) {
	if obj, ok := structuredPrompt(cmd); ok {
		if err := d.checkState(ctx, cmd); err != nil {
			return Response{}, err
		}
		prompt, opts := d.askFromMap(obj)
		if opts.ChoiceMode == "" {
			opts.ChoiceMode = ModeKeypad
		}
		d.pending = &pendingAsk{prompt: d.resolvePrompt(prompt), opts: opts}
		d.log.Debug("[AGI] Stored structured prompt for next WAIT FOR DIGIT", "call_id", d.call.ID())
		return SuccessEndpos(0, playbackEndpos), nil
	}

	args := cmd.Positional()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "file name required")
	}
	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}

	prompt := d.resolvePrompt(args[0])
	digits := ""
	if len(args) > 1 {
		digits = args[1]
	}
	if digits == "" {
		if err := d.call.Say(ctx, prompt, d.sayOptions()); err != nil {
			return Response{}, err
		}
		return SuccessEndpos(0, playbackEndpos), nil
	}

	res, err := d.call.Ask(ctx, prompt, AskOptions{
		Choices:    joinDigits(digits),
		ChoiceMode: ModeKeypad,
		Bargein:    true,
		Voice:      d.voice,
	})
	if err != nil {
		return Response{}, err
	}
	code := 0
	if res.Name == AskChoice {
		code = digitCode(res.Value)
	}
	return SuccessEndpos(code, playbackEndpos), nil
}

// structuredPrompt extracts a JSON prompt from STREAM FILE. Clients send it
// either as the whole argument or as the first space separated field with
// escaped quotes.
func structuredPrompt(cmd *Command) (map[string]any, bool) {
	if obj, ok := cmd.Args.Object(); ok {
		return obj, true
	}
	args := cmd.Positional()
	if len(args) == 0 || !strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.ReplaceAll(args[0], `\`, "")), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func (d *Dispatcher) getData(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "file name required")
	}

	timeout := defaultGetDataTimeout
	if len(args) > 1 {
		if t, ok := msTimeout(args[1]); ok && t != 0 {
			timeout = t
		}
	}
	maxDigits := defaultGetDataMaxDigits
	if len(args) > 2 {
		if n, err := strconv.Atoi(strings.TrimSpace(args[2])); err == nil && n > 0 {
			maxDigits = n
		}
	}

	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	res, err := d.call.Ask(ctx, d.resolvePrompt(args[0]), AskOptions{
		Choices:    fmt.Sprintf("[1-%d DIGITS]", maxDigits),
		ChoiceMode: ModeKeypad,
		Timeout:    timeout,
		Terminator: "#",
		Bargein:    true,
		Voice:      d.voice,
	})
	if err != nil {
		return Response{}, err
	}

	switch res.Name {
	case AskTimeout:
		return SuccessData("", "timeout"), nil
	case AskChoice:
		return Response{Result: res.Value}, nil
	}
	return Response{}, softFail(cmd.Name(), "unexpected ask outcome "+res.Name)
}

func (d *Dispatcher) getOption(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) < 2 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "file name and escape digits required")
	}

	timeout := defaultGetOptionTimeout
	if len(args) > 2 {
		if ms, err := strconv.Atoi(strings.TrimSpace(args[2])); err == nil {
			timeout = time.Duration(max(ms, 0)) * time.Millisecond
		}
	}

	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	res, err := d.call.Ask(ctx, d.resolvePrompt(args[0]), AskOptions{
		Choices:    joinDigits(args[1]),
		ChoiceMode: ModeKeypad,
		Timeout:    timeout,
		Bargein:    true,
		Voice:      d.voice,
	})
	if err != nil {
		return Response{}, err
	}

	switch res.Name {
	case AskTimeout:
		return SuccessEndpos(0, playbackEndpos), nil
	case AskChoice:
		return SuccessEndpos(digitCode(res.Value), playbackEndpos), nil
	}
	return Response{}, softFail(cmd.Name(), "unexpected ask outcome "+res.Name)
}

// waitForDigit serves WAIT FOR DIGIT <timeout>. A structured prompt left by
// STREAM FILE is used once in place of a bare single-digit ask.
func (d *Dispatcher) waitForDigit(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) > 0 && strings.EqualFold(args[0], "digit") {
		args = args[1:]
	}
	if len(args) == 0 {
		return Response{}, argError(cmd.Name(), "timeout required")
	}
	timeout, ok := msTimeout(args[0])
	if !ok {
		return Response{}, argError(cmd.Name(), "timeout %q is not a number", args[0])
	}

	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}

	prompt := ""
	opts := AskOptions{
		Choices:    singleDigitChoices,
		ChoiceMode: ModeKeypad,
		Timeout:    timeout,
	}
	if p := d.pending; p != nil {
		d.pending = nil
		prompt, opts = p.prompt, p.opts
	}

	res, err := d.call.Ask(ctx, prompt, opts)
	if err != nil {
		return Response{}, err
	}
	if res.Name != AskChoice {
		return Success(0), nil
	}
	return Success(digitCode(res.Value)), nil
}

// recordFile serves RECORD FILE file format escape_digits timeout [offset]
// [BEEP] [s=silence].
func (d *Dispatcher) recordFile(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) < 4 {
		return Response{}, argError(cmd.Name(), "file, format, escape digits and timeout required, got %d", len(args))
	}
	format, ok := recordFormats[strings.ToLower(args[1])]
	if !ok {
		return Response{}, argError(cmd.Name(), "unsupported format %q", args[1])
	}
	timeout, ok := msTimeout(args[3])
	if !ok {
		return Response{}, argError(cmd.Name(), "timeout %q is not a number", args[3])
	}

	opts := RecordOptions{
		URI:        args[0],
		Format:     format,
		Terminator: joinDigits(args[2]),
		MaxTime:    timeout,
	}
	for _, extra := range args[4:] {
		switch {
		case strings.EqualFold(extra, "beep"):
			opts.Beep = true
		case strings.HasPrefix(strings.ToLower(extra), "s="):
			secs, err := strconv.Atoi(extra[2:])
			if err != nil {
				return Response{}, argError(cmd.Name(), "silence %q is not a number", extra)
			}
			opts.SilenceTimeout = time.Duration(secs) * time.Second
		}
	}

	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	res, err := d.call.Record(ctx, "", opts)
	if err != nil {
		return Response{}, err
	}
	return SuccessEndpos(0, int(res.Duration.Milliseconds())), nil
}

func (d *Dispatcher) say(ctx context.Context, cmd *Command, text string) (Response, error) {
	if err := d.checkState(ctx, cmd); err != nil {
		return Response{}, err
	}
	if err := d.call.Say(ctx, text, d.sayOptions()); err != nil {
		return Response{}, err
	}
	return Success(0), nil
}

func (d *Dispatcher) sayNumber(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "number required")
	}
	return d.say(ctx, cmd, d.resolvePrompt(args[0]))
}

func (d *Dispatcher) sayDigits(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "digits required")
	}
	return d.say(ctx, cmd, digitsSSML(args[0]))
}

func (d *Dispatcher) sayPhonetic(ctx context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "text required")
	}
	return d.say(ctx, cmd, spellOut(args[0]))
}

func (d *Dispatcher) sayDate(ctx context.Context, cmd *Command) (Response, error) {
	t, err := epochArgument(cmd)
	if err != nil {
		return Response{}, err
	}
	return d.say(ctx, cmd, sayAs("vxml:date", t.Format("20060102")))
}

func (d *Dispatcher) sayTime(ctx context.Context, cmd *Command) (Response, error) {
	t, err := epochArgument(cmd)
	if err != nil {
		return Response{}, err
	}
	return d.say(ctx, cmd, timeSSML(t))
}

func (d *Dispatcher) sayDateTime(ctx context.Context, cmd *Command) (Response, error) {
	t, err := epochArgument(cmd)
	if err != nil {
		return Response{}, err
	}
	return d.say(ctx, cmd, sayAs("vxml:date", t.Format("20060102"))+" "+timeSSML(t))
}

// epochArgument reads SAY DATE/TIME/DATETIME <epoch> [digits] [format] [tz].
func epochArgument(cmd *Command) (time.Time, error) {
	args := cmd.Positional()
	if len(args) == 0 {
		return time.Time{}, argError(cmd.Name(), "time required")
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil {
		return time.Time{}, argError(cmd.Name(), "time %q is not a number", args[0])
	}
	t := time.Unix(secs, 0).UTC()
	if len(args) > 3 && args[3] != "" {
		loc, err := time.LoadLocation(args[3])
		if err != nil {
			return time.Time{}, argError(cmd.Name(), "unknown timezone %q", args[3])
		}
		t = t.In(loc)
	}
	return t, nil
}

func sayAs(kind, text string) string {
	return "<say-as interpret-as='" + kind + "'>" + text + "</say-as>"
}

func digitsSSML(digits string) string {
	return sayAs("vxml:digits", digits)
}

func timeSSML(t time.Time) string {
	suffix := "a"
	if t.Hour() >= 12 {
		suffix = "p"
	}
	return sayAs("vxml:time", t.Format("0304")+suffix)
}

// spellOut separates every character so speech output reads them one by one.
func spellOut(text string) string {
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		b.WriteByte(' ')
	}
	return b.String()
}
