// Package agi implements the Asterisk Gateway Interface side of the bridge:
// command parsing, channel variables, dispatch onto a call session and the
// per-connection protocol loop.
package agi

import (
	"errors"
	"fmt"
)

// Sentinel errors for error checking with errors.Is
var (
	ErrNonsense    = errors.New("invalid or unknown command")
	ErrSoftFail    = errors.New("command not applicable")
	ErrDeadChannel = errors.New("command not permitted on a dead channel")

	// ErrUnsupported is returned by a CallSession for a primitive it cannot
	// provide. The dispatcher answers such commands as soft-fails.
	ErrUnsupported = errors.New("call primitive not supported")

	ErrInvalidCallerID = errors.New("invalid caller id")

	// ErrInvalidArgument marks a malformed option found by a collaborator,
	// such as an unreadable choices grammar. It answers as invalid syntax.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Kind classifies a dispatch error into the wire response it produces.
type Kind int

const (
	KindNone Kind = iota
	KindNonsense
	KindSoftFail
	KindDeadChannel
	KindArgument
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNonsense:
		return "nonsense"
	case KindSoftFail:
		return "soft-fail"
	case KindDeadChannel:
		return "dead-channel"
	case KindArgument:
		return "argument"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// CommandError ties a classified failure to the command that caused it.
// Use errors.As to extract this from wrapped errors.
type CommandError struct {
	Kind    Kind
	Command string
	Reason  string
	Cause   error
}

func (e *CommandError) Error() string {
	msg := e.Command + ": " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Cause
}

// ArgumentError reports a missing or malformed positional argument.
type ArgumentError struct {
	Command string
	Reason  string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid arguments: %s", e.Command, e.Reason)
}

func nonsense(cmd, reason string) error {
	return &CommandError{Kind: KindNonsense, Command: cmd, Reason: reason, Cause: ErrNonsense}
}

func softFail(cmd, reason string) error {
	return &CommandError{Kind: KindSoftFail, Command: cmd, Reason: reason, Cause: ErrSoftFail}
}

func deadChannel(cmd string) error {
	return &CommandError{Kind: KindDeadChannel, Command: cmd, Cause: ErrDeadChannel}
}

func argError(cmd, format string, args ...any) error {
	return &ArgumentError{Command: cmd, Reason: fmt.Sprintf(format, args...)}
}

// Classify maps an error returned by a handler onto its Kind. Errors outside
// the taxonomy are fatal to the call.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var argErr *ArgumentError
	if errors.As(err, &argErr) {
		return KindArgument
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Kind
	}

	switch {
	case errors.Is(err, ErrNonsense):
		return KindNonsense
	case errors.Is(err, ErrSoftFail), errors.Is(err, ErrUnsupported):
		return KindSoftFail
	case errors.Is(err, ErrDeadChannel):
		return KindDeadChannel
	case errors.Is(err, ErrInvalidCallerID), errors.Is(err, ErrInvalidArgument):
		return KindArgument
	}
	return KindFatal
}
