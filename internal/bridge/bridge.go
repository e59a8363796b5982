// Package bridge hands every call to an AGI server: it dials the server,
// runs the AGI session over the connection and records what happened. When
// the server cannot be reached the call fails over to a backup SIP URI.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sebas/agibridge/internal/agi"
	"github.com/sebas/agibridge/internal/events"
	"github.com/sebas/agibridge/internal/store"
)

// EndAGIUnreachable is the end reason of calls whose AGI server could not be
// dialed.
const EndAGIUnreachable = "agi-unreachable"

const apologyMessage = "We are unable to connect to the A G I server at this time, please try again later."

// Call is the call a session drives.
type Call interface {
	agi.CallSession
	SIPCallID() string
}

// Settings are the per-call values that can change while the bridge runs.
type Settings struct {
	AGIURI     string
	Voice      string
	Recognizer string
	// NextSIPURI receives calls when the AGI server cannot be reached
	NextSIPURI  string
	Settle      time.Duration
	DTMFToneURI string
}

type settings struct {
	Settings
	target agi.Target
}

// Config configures a Bridge.
type Config struct {
	Settings

	MaxSessions  int
	DialTimeout  time.Duration
	DrainTimeout time.Duration
	NodeID       string

	Publisher events.Publisher
	Store     store.Store
	// Sounds is optional
	Sounds agi.SoundResolver
	Logger *slog.Logger
}

// Bridge runs AGI sessions for calls.
type Bridge struct {
	cfg      Config
	settings atomic.Pointer[settings]
	sem      *semaphore.Weighted
	builder  *events.Builder
	log      *slog.Logger

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	now  func() time.Time

	active   atomic.Int64
	rejected atomic.Int64
}

// New validates cfg and creates a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", cfg.MaxSessions)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NewNoopPublisher()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bridge{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxSessions)),
		builder: events.NewBuilder(cfg.NodeID),
		log:     cfg.Logger,
		dial:    (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
		now:     time.Now,
	}
	if err := b.Update(cfg.Settings); err != nil {
		return nil, err
	}
	return b, nil
}

// Update swaps the settings used by calls that start afterwards. Running
// sessions keep the settings they started with.
func (b *Bridge) Update(s Settings) error {
	target, err := agi.ParseTarget(s.AGIURI)
	if err != nil {
		return err
	}
	b.settings.Store(&settings{Settings: s, target: target})
	return nil
}

// Settings returns the current settings.
func (b *Bridge) Settings() Settings {
	return b.settings.Load().Settings
}

// Active returns the number of running sessions.
func (b *Bridge) Active() int {
	return int(b.active.Load())
}

// Rejected returns how many calls were turned away at the session limit.
func (b *Bridge) Rejected() int64 {
	return b.rejected.Load()
}

// Handle runs the AGI session for call and returns when it is over.
func (b *Bridge) Handle(ctx context.Context, call Call) {
	log := b.log.With("call_id", call.ID(), "sip_call_id", call.SIPCallID())

	if !b.sem.TryAcquire(1) {
		b.rejected.Add(1)
		log.Warn("[Bridge] Session limit reached, rejecting call", "max_sessions", b.cfg.MaxSessions)
		if err := call.Reject(ctx); err != nil {
			log.Warn("[Bridge] Reject failed", "error", err)
		}
		return
	}
	defer b.sem.Release(1)
	b.active.Add(1)
	defer b.active.Add(-1)

	s := b.settings.Load()
	rec := &store.SessionRecord{
		CallID:     call.ID(),
		SIPCallID:  call.SIPCallID(),
		CallerID:   call.CallerID(),
		CallerName: call.CallerName(),
		CalledID:   call.CalledID(),
		AGIURI:     s.target.URI(),
		StartedAt:  b.now(),
	}

	conn, err := b.dial(ctx, "tcp", s.target.Addr())
	if err != nil {
		log.Error("[Bridge] AGI server unreachable", "addr", s.target.Addr(), "error", err)
		call.Log(fmt.Sprintf("unable to connect to the AGI server at %s: %v", s.target.Addr(), err))
		rec.Failover = b.failover(ctx, call, s, err, log)
		rec.EndReason = EndAGIUnreachable
		rec.Error = err.Error()
		rec.EndedAt = b.now()
		b.save(ctx, rec, log)
		return
	}
	defer conn.Close()

	b.cfg.Publisher.PublishAsync(b.builder.SessionStarted(call.ID(), call.SIPCallID()).
		Request(s.target.URI()).
		Parties(call.CallerID(), call.CallerName(), call.CalledID()).
		Headers(call.Headers()).
		Build())
	b.save(ctx, rec, log)

	sess := agi.NewSession(conn, call, agi.Options{
		Target: s.target,
		Sounds: b.cfg.Sounds,
		Dispatcher: agi.DispatcherConfig{
			Voice:       s.Voice,
			Recognizer:  s.Recognizer,
			Settle:      s.Settle,
			DTMFToneURI: s.DTMFToneURI,
			Logger:      b.log,
		},
		DrainTimeout: b.cfg.DrainTimeout,
		Observer:     &commandObserver{callID: call.ID(), pub: b.cfg.Publisher, builder: b.builder},
	})
	runErr := sess.Run(ctx)

	rec.EndedAt = b.now()
	rec.Commands = sess.Served()
	rec.EndReason = sess.EndReason()
	rec.DialStatus, _ = sess.Vars().Get(agi.VarDialStatus)
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	b.cfg.Publisher.PublishAsync(b.builder.SessionEnded(call.ID(), call.SIPCallID()).
		Reason(rec.EndReason, runErr).
		Commands(rec.Commands).
		DialStatus(rec.DialStatus).
		Duration(rec.Duration()).
		Build())
	b.save(ctx, rec, log)
}

// failover answers the call and transfers it to the backup URI, or apologizes
// and hangs up when none is configured. It returns the action taken, empty
// when the caller had already gone.
func (b *Bridge) failover(ctx context.Context, call Call, s *settings, cause error, log *slog.Logger) string {
	if !call.IsActive() {
		return ""
	}
	// The call may be hung up under us; failover must still finish cleanly.
	ctx = context.WithoutCancel(ctx)

	if err := call.Answer(ctx); err != nil {
		log.Warn("[Bridge] Failover answer failed", "error", err)
		return ""
	}

	action, dest := events.FailoverApology, ""
	if s.NextSIPURI != "" {
		action, dest = events.FailoverTransfer, agi.OutboundURI(s.NextSIPURI)
		res, err := call.Transfer(ctx, []string{dest}, agi.TransferOptions{Timeout: 30 * time.Second})
		switch {
		case err != nil:
			log.Warn("[Bridge] Unable to transfer to next SIP URI", "destination", dest, "error", err)
			call.Log(fmt.Sprintf("unable to transfer to next_sip_uri %s: %v", dest, err))
		default:
			log.Info("[Bridge] Call failed over", "destination", dest, "outcome", res.Name)
		}
	} else {
		if err := call.Say(ctx, apologyMessage, agi.SayOptions{Voice: s.Voice}); err != nil && !errors.Is(err, agi.ErrDeadChannel) {
			log.Warn("[Bridge] Apology failed", "error", err)
		}
		if call.IsActive() {
			if err := call.Hangup(ctx); err != nil {
				log.Warn("[Bridge] Hangup after apology failed", "error", err)
			}
		}
	}

	b.cfg.Publisher.PublishAsync(b.builder.Failover(call.ID(), call.SIPCallID(), s.target.URI(), cause, action, dest))
	return action
}

func (b *Bridge) save(ctx context.Context, rec *store.SessionRecord, log *slog.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	snapshot := *rec
	if err := b.cfg.Store.Save(sctx, &snapshot); err != nil {
		log.Warn("[Store] Failed to save session record", "error", err)
	}
}

// commandObserver publishes one event per served command.
type commandObserver struct {
	callID  string
	pub     events.Publisher
	builder *events.Builder
}

func (o *commandObserver) CommandServed(rec agi.CommandRecord) {
	o.pub.PublishAsync(o.builder.CommandExecuted(o.callID, rec.Command).
		Line(rec.Line).
		Outcome(rec.Kind.String()).
		Reply(rec.Reply).
		Duration(rec.Duration).
		Build())
}
