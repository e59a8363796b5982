package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher delivers session events.
type Publisher interface {
	// Publish delivers event, failing only when the transport does.
	Publish(ctx context.Context, event Event) error
	// PublishAsync queues event. Delivery failures are logged, not returned.
	PublishAsync(event Event)
	// Flush waits for queued events.
	Flush(ctx context.Context) error
	// Close flushes and releases the publisher.
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) PublishAsync(Event)                   {}
func (NoopPublisher) Flush(context.Context) error          { return nil }
func (NoopPublisher) Close() error                         { return nil }

// LoggingPublisher writes one debug line per event. It is the publisher of
// a bridge without NATS.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(_ context.Context, event Event) error {
	args := []any{"type", event.Type(), "call_id", event.CallID()}
	switch e := event.(type) {
	case *SessionStartedEvent:
		args = append(args, "agi_request", e.AGIRequest, "caller_id", e.CallerID)
	case *CommandExecutedEvent:
		args = append(args, "command", e.Command, "outcome", e.Outcome, "duration_ms", e.DurationMs)
	case *SessionEndedEvent:
		args = append(args, "reason", e.Reason, "commands", e.Commands, "dial_status", e.DialStatus)
	case *SessionFailoverEvent:
		args = append(args, "action", e.Action, "destination", e.Destination, "error", e.Error)
	}
	p.logger.Debug("[Events] Session event", args...)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event Event) { _ = p.Publish(context.Background(), event) }

func (p *LoggingPublisher) Flush(context.Context) error { return nil }
func (p *LoggingPublisher) Close() error                { return nil }

// ChannelPublisher hands events to an in-process consumer through a
// buffered channel. A full buffer drops the event.
type ChannelPublisher struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize)}
}

// offer queues event without blocking. Events sent after Close vanish.
func (p *ChannelPublisher) offer(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- event:
	default:
		p.dropped.Add(1)
		slog.Warn("[Events] Channel full, event dropped", "type", event.Type(), "call_id", event.CallID())
	}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.offer(event)
	return nil
}

func (p *ChannelPublisher) PublishAsync(event Event) { p.offer(event) }

func (p *ChannelPublisher) Flush(context.Context) error { return nil }

// Close closes the event channel once.
func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events is the consumer side.
func (p *ChannelPublisher) Events() <-chan Event { return p.ch }

// DroppedCount is the number of events lost to a full buffer.
func (p *ChannelPublisher) DroppedCount() int64 { return p.dropped.Load() }

// MultiPublisher sends every event to each of its publishers.
type MultiPublisher []Publisher

func NewMultiPublisher(publishers ...Publisher) MultiPublisher {
	return MultiPublisher(publishers)
}

// Publish tries every publisher and joins their errors.
func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) PublishAsync(event Event) {
	for _, p := range m {
		p.PublishAsync(event)
	}
}

func (m MultiPublisher) Flush(ctx context.Context) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Flush(ctx))
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
