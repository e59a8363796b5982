package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/agibridge/internal/agi"
	"github.com/sebas/agibridge/internal/events"
	"github.com/sebas/agibridge/internal/store"
)

type fakeCall struct {
	mu    sync.Mutex
	state agi.CallState
	ops   []string
	logs  []string

	transferErr error
}

func newFakeCall() *fakeCall { return &fakeCall{state: agi.StateRinging} }

func (f *fakeCall) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeCall) setState(s agi.CallState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeCall) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeCall) ID() string         { return "call-1" }
func (f *fakeCall) SIPCallID() string  { return "abc@10.0.0.1" }
func (f *fakeCall) CallerID() string   { return "5551234" }
func (f *fakeCall) CallerName() string { return "Alice" }
func (f *fakeCall) CalledID() string   { return "5559876" }

func (f *fakeCall) State() agi.CallState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCall) IsActive() bool { return f.State() != agi.StateDisconnected }

func (f *fakeCall) Answer(context.Context) error {
	f.record("answer")
	f.setState(agi.StateAnswered)
	return nil
}

func (f *fakeCall) Hangup(context.Context) error {
	f.record("hangup")
	f.setState(agi.StateDisconnected)
	return nil
}

func (f *fakeCall) Reject(context.Context) error {
	f.record("reject")
	f.setState(agi.StateDisconnected)
	return nil
}

func (f *fakeCall) Redirect(_ context.Context, dest string) error {
	f.record("redirect " + dest)
	return nil
}

func (f *fakeCall) Ask(context.Context, string, agi.AskOptions) (agi.AskResult, error) {
	return agi.AskResult{Name: agi.AskTimeout}, nil
}

func (f *fakeCall) Say(_ context.Context, text string, opts agi.SayOptions) error {
	f.record(fmt.Sprintf("say[%s] %s", opts.Voice, text))
	return nil
}

func (f *fakeCall) Record(context.Context, string, agi.RecordOptions) (agi.RecordResult, error) {
	return agi.RecordResult{}, nil
}

func (f *fakeCall) StartRecording(context.Context, string, agi.RecordOptions) error { return nil }
func (f *fakeCall) StopRecording(context.Context) error                            { return nil }

func (f *fakeCall) Transfer(_ context.Context, dests []string, _ agi.TransferOptions) (agi.TransferResult, error) {
	f.record("transfer " + strings.Join(dests, ","))
	if f.transferErr != nil {
		return agi.TransferResult{}, f.transferErr
	}
	f.setState(agi.StateDisconnected)
	return agi.TransferResult{Name: agi.TransferTransferred}, nil
}

func (f *fakeCall) Conference(context.Context, string) error { return agi.ErrUnsupported }
func (f *fakeCall) Wait(context.Context, time.Duration) error  { return nil }

func (f *fakeCall) Log(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, msg)
}

func (f *fakeCall) Header(string) (string, bool) { return "", false }
func (f *fakeCall) Headers() map[string]string    { return map[string]string{"x-test": "1"} }

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// agiServer accepts one connection, swallows the environment block and
// sends the scripted commands, collecting each reply line.
func agiServer(t *testing.T, commands ...string) (uri string, replies <-chan []string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })

	out := make(chan []string, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			out <- nil
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\n" {
				break
			}
		}
		var got []string
		for _, cmd := range commands {
			if _, err := io.WriteString(conn, cmd+"\n"); err != nil {
				break
			}
			line, err := r.ReadString('\n')
			if err != nil {
				break
			}
			got = append(got, strings.TrimSuffix(line, "\n"))
		}
		out <- got
	}()
	return "agi://" + lis.Addr().String() + "/ivr", out
}

func newTestBridge(t *testing.T, uri string, pub events.Publisher, st store.Store) *Bridge {
	t.Helper()
	b, err := New(Config{
		Settings:    Settings{AGIURI: uri, Voice: "kate", Recognizer: "en-us"},
		MaxSessions: 2,
		DialTimeout: time.Second,
		NodeID:      "node-1",
		Publisher:   pub,
		Store:       st,
		Logger:      quiet,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestHandleRunsSession(t *testing.T) {
	uri, replies := agiServer(t, "ANSWER", `SET VARIABLE DIALSTATUS "BUSY"`)
	pub := events.NewChannelPublisher(16)
	st := store.NewMemoryStore(time.Hour)
	defer st.Close()
	b := newTestBridge(t, uri, pub, st)

	call := newFakeCall()
	b.Handle(context.Background(), call)

	got := <-replies
	if len(got) != 2 || got[0] != "200 result=0" || got[1] != "200 result=0" {
		t.Errorf("replies = %q", got)
	}
	if ops := call.calls(); len(ops) == 0 || ops[0] != "answer" {
		t.Errorf("ops = %q", ops)
	}
	if call.IsActive() {
		t.Error("call should be hung up when the AGI peer leaves")
	}

	rec, err := st.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Commands != 2 || rec.EndReason != agi.EndPeerClosed || rec.DialStatus != "BUSY" {
		t.Errorf("record = %+v", rec)
	}
	if rec.CallerID != "5551234" || rec.AGIURI != uri || rec.EndedAt.IsZero() {
		t.Errorf("record = %+v", rec)
	}

	var types []events.EventType
	for len(pub.Events()) > 0 {
		types = append(types, (<-pub.Events()).Type())
	}
	want := []events.EventType{events.SessionStarted, events.CommandExecuted, events.CommandExecuted, events.SessionEnded}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", types, want)
	}
	if b.Active() != 0 {
		t.Errorf("Active() = %d after session", b.Active())
	}
}

func TestFailoverTransfersToNextURI(t *testing.T) {
	pub := events.NewChannelPublisher(4)
	st := store.NewMemoryStore(time.Hour)
	defer st.Close()
	b := newTestBridge(t, "agi://127.0.0.1:1/ivr", pub, st)
	s := b.Settings()
	s.NextSIPURI = "5550000"
	if err := b.Update(s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	b.dial = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	call := newFakeCall()
	b.Handle(context.Background(), call)

	ops := call.calls()
	if len(ops) != 2 || ops[0] != "answer" || ops[1] != "transfer tel:+5550000" {
		t.Errorf("ops = %q", ops)
	}
	rec, err := st.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Failover != events.FailoverTransfer || rec.EndReason != EndAGIUnreachable || rec.Error == "" {
		t.Errorf("record = %+v", rec)
	}

	ev, ok := (<-pub.Events()).(*events.SessionFailoverEvent)
	if !ok {
		t.Fatal("expected a failover event")
	}
	if ev.Destination != "tel:+5550000" || ev.Action != events.FailoverTransfer || ev.Error != "connection refused" {
		t.Errorf("event = %+v", ev)
	}
}

func TestFailoverApologizes(t *testing.T) {
	b := newTestBridge(t, "agi://127.0.0.1:1/ivr", nil, nil)
	b.dial = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("no route to host")
	}

	call := newFakeCall()
	b.Handle(context.Background(), call)

	ops := call.calls()
	want := []string{"answer", "say[kate] " + apologyMessage, "hangup"}
	if fmt.Sprint(ops) != fmt.Sprint(want) {
		t.Errorf("ops = %q, want %q", ops, want)
	}
	if len(call.logs) == 0 || !strings.Contains(call.logs[0], "no route to host") {
		t.Errorf("call log = %q", call.logs)
	}
}

func TestFailoverSkipsEndedCall(t *testing.T) {
	b := newTestBridge(t, "agi://127.0.0.1:1/ivr", nil, nil)
	b.dial = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("refused")
	}
	call := newFakeCall()
	call.setState(agi.StateDisconnected)

	b.Handle(context.Background(), call)
	if ops := call.calls(); len(ops) != 0 {
		t.Errorf("ops = %q, want none", ops)
	}
}

func TestSessionLimitRejects(t *testing.T) {
	b := newTestBridge(t, "agi://127.0.0.1:1/ivr", nil, nil)
	if !b.sem.TryAcquire(2) {
		t.Fatal("could not fill the session limit")
	}
	defer b.sem.Release(2)

	call := newFakeCall()
	b.Handle(context.Background(), call)

	if ops := call.calls(); len(ops) != 1 || ops[0] != "reject" {
		t.Errorf("ops = %q", ops)
	}
	if b.Rejected() != 1 {
		t.Errorf("Rejected() = %d", b.Rejected())
	}
}

func TestUpdate(t *testing.T) {
	b := newTestBridge(t, "agi://127.0.0.1:4573/ivr", nil, nil)

	if err := b.Update(Settings{AGIURI: "http://wrong"}); err == nil {
		t.Error("expected error for a non-agi URI")
	}
	if got := b.Settings().AGIURI; got != "agi://127.0.0.1:4573/ivr" {
		t.Errorf("rejected update changed settings: %q", got)
	}

	if err := b.Update(Settings{AGIURI: "agi://10.0.0.5/sales", Voice: "susan"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := b.settings.Load().target.Addr(); got != "10.0.0.5:4573" {
		t.Errorf("target addr = %q", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Settings: Settings{AGIURI: "agi://h/"}}); err == nil {
		t.Error("expected error for zero max sessions")
	}
	if _, err := New(Config{MaxSessions: 1, Settings: Settings{AGIURI: "agi:///"}}); err == nil {
		t.Error("expected error for missing host")
	}
}

func TestHealthServer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	h := NewHealthServer("", quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ServeListener(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: HealthService})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status before start = %v", got)
	}
	h.SetServing(true)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeListener: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("health server did not stop")
	}
}

func TestFailoverTransferFailureIsLogged(t *testing.T) {
	b := newTestBridge(t, "agi://127.0.0.1:1/ivr", nil, nil)
	s := b.Settings()
	s.NextSIPURI = "sip:backup@example.com"
	if err := b.Update(s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	b.dial = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("refused")
	}
	call := newFakeCall()
	call.transferErr = errors.New("486 busy here")

	b.Handle(context.Background(), call)

	ops := call.calls()
	if len(ops) != 2 || ops[1] != "transfer sip:backup@example.com" {
		t.Errorf("ops = %q", ops)
	}
	last := call.logs[len(call.logs)-1]
	if !strings.Contains(last, "486 busy here") {
		t.Errorf("last call log = %q", last)
	}
}
