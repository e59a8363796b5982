package agi

import (
	"context"
	"time"
)

// CallState is the state of the voice call behind a session.
type CallState int

const (
	StateRinging CallState = iota
	StateAnswered
	StateDisconnected
)

func (s CallState) String() string {
	switch s {
	case StateRinging:
		return "RINGING"
	case StateAnswered:
		return "ANSWERED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Choice modes for Ask.
const (
	ModeKeypad = "keypad"
	ModeSpeech = "speech"
	ModeAny    = "any"
)

// Ask outcome names.
const (
	AskChoice  = "choice"
	AskTimeout = "timeout"
	AskNoMatch = "nomatch"
	AskHangup  = "hangup"
	AskError   = "error"
)

// Recognizer values reported for unrecognized speech.
const (
	ValueNoSpeech = "NO_SPEECH"
	ValueNoMatch  = "NO_MATCH"
)

// AskOptions configure a prompt-and-collect.
type AskOptions struct {
	// Choices is a grammar: "[1 DIGIT], *, #", "[4-16 DIGITS]" or a
	// comma-separated list of single keys.
	Choices    string
	ChoiceMode string
	Timeout    time.Duration
	Terminator string
	Attempts   int
	Bargein    bool

	InterdigitTimeout time.Duration
	MinConfidence     float64

	Voice      string
	Recognizer string
}

// Choice is the recognizer's interpretation of the caller's input.
type Choice struct {
	Concept        string  `json:"concept"`
	Confidence     float64 `json:"confidence"`
	Interpretation string  `json:"interpretation"`
	Tag            string  `json:"tag"`
}

// AskResult is the outcome of Ask.
type AskResult struct {
	Name   string
	Value  string
	Choice Choice
}

// SayOptions configure speech output.
type SayOptions struct {
	Voice string
}

// RecordOptions configure a recording.
type RecordOptions struct {
	URI            string
	Format         string // MIME type, e.g. audio/wav
	Terminator     string
	MaxTime        time.Duration
	SilenceTimeout time.Duration
	Timeout        time.Duration
	Beep           bool
	Method         string
}

// RecordResult describes a finished recording.
type RecordResult struct {
	Name     string
	URI      string
	Duration time.Duration
}

// TransferOptions configure a transfer.
type TransferOptions struct {
	Timeout  time.Duration
	CallerID string
	Headers  map[string]string
}

// Transfer outcome names.
const (
	TransferSuccess     = "success"
	TransferTransferred = "transfer"
	TransferTimeout     = "timeout"
	TransferError       = "error"
	TransferCallFailure = "callFailure"
)

// TransferResult is the outcome of Transfer.
type TransferResult struct {
	Name string
}

// CallSession is the live call an AGI session controls. Implementations
// return an error wrapping ErrUnsupported for primitives they cannot provide.
type CallSession interface {
	ID() string
	CallerID() string
	CallerName() string
	CalledID() string

	State() CallState
	IsActive() bool

	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	Reject(ctx context.Context) error
	Redirect(ctx context.Context, destination string) error

	Ask(ctx context.Context, prompt string, opts AskOptions) (AskResult, error)
	Say(ctx context.Context, text string, opts SayOptions) error
	Record(ctx context.Context, prompt string, opts RecordOptions) (RecordResult, error)
	StartRecording(ctx context.Context, uri string, opts RecordOptions) error
	StopRecording(ctx context.Context) error

	Transfer(ctx context.Context, destinations []string, opts TransferOptions) (TransferResult, error)
	Conference(ctx context.Context, room string) error
	Wait(ctx context.Context, d time.Duration) error

	Log(msg string)
	Header(name string) (string, bool)
	Headers() map[string]string
}

// SoundResolver maps a short sound name to a playable URI.
type SoundResolver interface {
	Resolve(name string) (string, bool)
}
