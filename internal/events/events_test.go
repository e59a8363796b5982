package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

func TestEventSubjectNaming(t *testing.T) {
	event := NewBuilder("node-1").SessionEnded("call-123", "abc@10.0.0.1").Build()

	if got, want := event.Subject(), "agibridge.sessions.call-123.ended"; got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
	if got, want := NewBuilder("n").CommandExecuted("c", "ANSWER").Build().Subject(), "agibridge.sessions.c.command"; got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
}

func TestBuilderStampsEvents(t *testing.T) {
	b := NewBuilder("node-1")
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	e1 := b.SessionStarted("call-1", "sip-1").Build()
	e2 := b.SessionStarted("call-1", "sip-1").Build()

	if _, err := uuid.Parse(e1.ID()); err != nil {
		t.Errorf("EventID %q is not a UUID: %v", e1.ID(), err)
	}
	if e1.ID() == e2.ID() {
		t.Error("event IDs must be unique")
	}
	if !e1.Timestamp().Equal(fixed) || e1.NodeID != "node-1" {
		t.Errorf("base = %+v", e1.BaseEvent)
	}
}

func TestSessionEndedEventJSON(t *testing.T) {
	event := NewBuilder("node-1").SessionEnded("call-9", "sip-9").
		Reason("fatal", errors.New("media server gone")).
		Commands(12).
		DialStatus("ANSWER").
		Duration(3500 * time.Millisecond).
		Build()

	data, err := MarshalEvent(event)
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	checks := map[string]any{
		"event_type":  "agi.session.ended",
		"call_uuid":   "call-9",
		"reason":      "fatal",
		"error":       "media server gone",
		"commands":    float64(12),
		"dial_status": "ANSWER",
		"duration_ms": float64(3500),
	}
	for k, want := range checks {
		if m[k] != want {
			t.Errorf("m[%q] = %v, want %v", k, m[k], want)
		}
	}
}

func TestChannelPublisherDropsWhenFull(t *testing.T) {
	p := NewChannelPublisher(1)
	b := NewBuilder("n")

	ctx := context.Background()
	_ = p.Publish(ctx, b.SessionStarted("a", "").Build())
	_ = p.Publish(ctx, b.SessionStarted("b", "").Build())
	p.PublishAsync(b.SessionStarted("c", "").Build())

	if got := p.DroppedCount(); got != 2 {
		t.Errorf("DroppedCount() = %d, want 2", got)
	}
	got := <-p.Events()
	if got.CallID() != "a" {
		t.Errorf("first event call = %q", got.CallID())
	}

	_ = p.Close()
	_ = p.Close()
	if err := p.Publish(ctx, b.SessionStarted("d", "").Build()); err != nil {
		t.Errorf("Publish after close = %v", err)
	}
}

func TestMultiPublisherFansOut(t *testing.T) {
	a, b := NewChannelPublisher(4), NewChannelPublisher(4)
	m := NewMultiPublisher(a, b, NewNoopPublisher(), NewLoggingPublisher(slog.New(slog.NewTextHandler(io.Discard, nil))))

	if err := m.Publish(context.Background(), NewBuilder("n").SessionStarted("x", "").Build()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("fan out = %d/%d", len(a.Events()), len(b.Events()))
	}
}

type fakeStream struct {
	mu       sync.Mutex
	subjects []string
	msgIDs   int
	fail     error
}

func (f *fakeStream) Publish(_ context.Context, subject string, _ []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.subjects = append(f.subjects, subject)
	f.msgIDs += len(opts)
	return &jetstream.PubAck{Stream: "AGIBRIDGE_SESSIONS", Sequence: uint64(len(f.subjects))}, nil
}

func TestNATSPublisher(t *testing.T) {
	stream := &fakeStream{}
	p := newNATSPublisher(stream, 8, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := NewBuilder("n")

	if err := p.Publish(context.Background(), b.SessionStarted("call-1", "").Build()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	p.PublishAsync(b.SessionEnded("call-1", "").Build())
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	want := []string{"agibridge.sessions.call-1.started", "agibridge.sessions.call-1.ended"}
	if len(stream.subjects) != 2 || stream.subjects[0] != want[0] || stream.subjects[1] != want[1] {
		t.Errorf("subjects = %q, want %q", stream.subjects, want)
	}
	if stream.msgIDs != 2 {
		t.Errorf("message IDs sent = %d, want 2", stream.msgIDs)
	}
	if published, _, _ := p.Stats(); published != 2 {
		t.Errorf("published = %d", published)
	}

	// closed publishers ignore async events
	p.PublishAsync(b.SessionEnded("call-2", "").Build())
}

func TestNATSPublisherCountsErrors(t *testing.T) {
	stream := &fakeStream{fail: errors.New("no responders")}
	p := newNATSPublisher(stream, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer p.Close()

	err := p.Publish(context.Background(), NewBuilder("n").SessionStarted("c", "").Build())
	if err == nil {
		t.Fatal("expected publish error")
	}
	if _, failed, _ := p.Stats(); failed != 1 {
		t.Errorf("errors = %d, want 1", failed)
	}
}
