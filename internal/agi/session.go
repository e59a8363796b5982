package agi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// hangupNotice tells the AGI peer that no further commands will be served.
const hangupNotice = "HANGUP\n"

// DefaultDrainTimeout bounds each read once the hangup notice has been sent.
const DefaultDrainTimeout = 30 * time.Second

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionActive
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "Connecting"
	case SessionActive:
		return "Active"
	case SessionDraining:
		return "Draining"
	case SessionClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// End reasons reported by Session.EndReason.
const (
	EndPeerClosed     = "peer-closed"
	EndTransportError = "transport-error"
	EndFatal          = "fatal"
	EndCanceled       = "canceled"
	EndDrainTimeout   = "drain-timeout"
)

// CommandRecord describes one served command.
type CommandRecord struct {
	Line     string
	Command  string
	Kind     Kind
	Reply    string
	Duration time.Duration
}

// Observer is notified after every command a session serves.
type Observer interface {
	CommandServed(rec CommandRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec CommandRecord)

// CommandServed calls f(rec).
func (f ObserverFunc) CommandServed(rec CommandRecord) {
	f(rec)
}

// Options configure a Session.
type Options struct {
	Target Target

	// Vars seeds the channel variables; nil starts empty.
	Vars   *VariableStore
	Sounds SoundResolver

	Dispatcher DispatcherConfig

	// DrainTimeout bounds reads after the hangup notice when the transport
	// supports deadlines. Zero uses DefaultDrainTimeout.
	DrainTimeout time.Duration

	Observer Observer
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Session runs the AGI conversation for one call over one transport.
type Session struct {
	rw     io.ReadWriter
	reader *bufio.Reader
	call   CallSession
	disp   *Dispatcher
	log    *slog.Logger

	target       Target
	drainTimeout time.Duration
	observer     Observer

	state      atomic.Int32
	hangupSent bool
	served     int
	endReason  string
}

// NewSession creates a session speaking AGI over rw on behalf of call.
func NewSession(rw io.ReadWriter, call CallSession, opts Options) *Session {
	base := opts.Dispatcher.Logger
	if base == nil {
		base = slog.Default()
	}
	log := base.With("call_id", call.ID())
	opts.Dispatcher.Logger = log

	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}

	s := &Session{
		rw:           rw,
		reader:       bufio.NewReader(rw),
		call:         call,
		disp:         NewDispatcher(call, opts.Vars, opts.Sounds, opts.Dispatcher),
		log:          log,
		target:       opts.Target,
		drainTimeout: opts.DrainTimeout,
		observer:     opts.Observer,
	}
	s.state.Store(int32(SessionConnecting))
	return s
}

// SetTarget overrides the AGI target reported in the environment block.
// Call it before Run.
func (s *Session) SetTarget(t Target) {
	s.target = t
}

// Target returns the AGI target.
func (s *Session) Target() Target {
	return s.target
}

// Vars returns the session's channel variables.
func (s *Session) Vars() *VariableStore {
	return s.disp.Vars()
}

// State returns the current lifecycle state. Safe to call from any goroutine.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Served returns the number of commands answered so far.
func (s *Session) Served() int {
	return s.served
}

// EndReason reports why Run returned.
func (s *Session) EndReason() string {
	return s.endReason
}

func (s *Session) setState(st SessionState) {
	old := SessionState(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug("[AGI] Session state changed", "from", old, "to", st)
	}
}

// Run sends the environment block and serves commands until the transport
// closes. It returns nil when the peer or the transport ends the session and
// an error when a command failed fatally, in which case the call has been
// hung up.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(SessionClosed)

	if c, ok := s.rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	s.setState(SessionActive)
	if _, err := io.WriteString(s.rw, Environment(s.call, s.target)); err != nil {
		s.endReason = EndTransportError
		return fmt.Errorf("send agi environment: %w", err)
	}
	s.log.Info("[AGI] Session started", "agi_request", s.target.URI())

	for {
		line, readErr := s.readLine()
		if readErr != nil {
			// a last command without its newline still runs
			if line != "" && errors.Is(readErr, io.EOF) {
				if done, err := s.serve(ctx, line); done {
					return err
				}
			}
			return s.finish(ctx, readErr)
		}

		done, err := s.serve(ctx, line)
		if done {
			return err
		}
	}
}

func (s *Session) readLine() (string, error) {
	if s.hangupSent {
		if d, ok := s.rw.(readDeadliner); ok {
			_ = d.SetReadDeadline(time.Now().Add(s.drainTimeout))
		}
	}
	return s.reader.ReadString('\n')
}

// finish handles the end of the input stream: the peer leaving is an
// implicit HANGUP.
func (s *Session) finish(ctx context.Context, readErr error) error {
	switch {
	case ctx.Err() != nil:
		s.endReason = EndCanceled
	case errors.Is(readErr, os.ErrDeadlineExceeded):
		s.endReason = EndDrainTimeout
	case errors.Is(readErr, io.EOF), errors.Is(readErr, net.ErrClosed), errors.Is(readErr, io.ErrClosedPipe):
		s.endReason = EndPeerClosed
	default:
		s.endReason = EndTransportError
	}
	s.log.Debug("[AGI] Input closed", "reason", s.endReason, "error", readErr)

	if s.call.IsActive() {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := s.disp.Dispatch(hctx, &Command{Action: "hangup"}); err != nil {
			s.log.Warn("[AGI] Implicit hangup failed", "error", err)
		}
	}
	s.log.Info("[AGI] Session ended", "reason", s.endReason, "commands", s.served)
	return nil
}

// serve answers one line. done reports that the session is over.
func (s *Session) serve(ctx context.Context, line string) (done bool, err error) {
	start := time.Now()
	rec := CommandRecord{Line: trimLine(line)}

	cmd, ok := ParseCommand(line)
	if !ok {
		rec.Command = rec.Line
		rec.Kind = KindNonsense
		rec.Reply = LineInvalidCommand
		s.logFailure(rec.Line, nonsense(rec.Line, "unparseable"), KindNonsense)
	} else {
		rec.Command = cmd.Name()
		s.log.Debug("[AGI] Command received", "command", rec.Command, "line", rec.Line)

		resp, derr := s.disp.Dispatch(ctx, cmd)
		if derr != nil {
			rec.Kind = Classify(derr)
			s.logFailure(rec.Command, derr, rec.Kind)
			wire, ok := FormatError(derr)
			if !ok {
				s.endReason = EndFatal
				s.hangupAfterFatal(ctx)
				return true, fmt.Errorf("%s: %w", rec.Command, derr)
			}
			rec.Reply = wire
		} else {
			rec.Reply = resp.String()
		}
	}

	if _, werr := io.WriteString(s.rw, rec.Reply); werr != nil {
		s.endReason = EndTransportError
		s.log.Info("[AGI] Transport closed, ending session", "command", rec.Command, "error", werr)
		return true, nil
	}
	s.served++
	rec.Duration = time.Since(start)
	if s.observer != nil {
		s.observer.CommandServed(rec)
	}

	if !s.call.IsActive() && !s.hangupSent {
		s.hangupSent = true
		s.setState(SessionDraining)
		s.log.Info("[AGI] Call inactive, sending hangup notice")
		if _, werr := io.WriteString(s.rw, hangupNotice); werr != nil {
			s.endReason = EndTransportError
			return true, nil
		}
	}
	return false, nil
}

// logFailure records an error path on both the process log and the call's
// own log.
func (s *Session) logFailure(command string, err error, kind Kind) {
	active := s.call.IsActive()
	s.call.Log(fmt.Sprintf("AGI command %s failed (%s, call active: %t): %v", command, kind, active, err))
	if kind == KindFatal {
		s.log.Error("[AGI] Command failed", "command", command, "kind", kind, "call_active", active, "error", err)
		return
	}
	s.log.Warn("[AGI] Command rejected", "command", command, "kind", kind, "call_active", active, "error", err)
}

func (s *Session) hangupAfterFatal(ctx context.Context) {
	if !s.call.IsActive() {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.call.Hangup(hctx); err != nil {
		s.log.Warn("[AGI] Hangup after fatal error failed", "error", err)
	}
}

func trimLine(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
