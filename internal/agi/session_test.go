package agi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// agiPeer plays the AGI script side of a session.
type agiPeer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (p *agiPeer) readLine() string {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := p.r.ReadString('\n')
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	return line
}

func (p *agiPeer) readEnv() map[string]string {
	p.t.Helper()
	env := make(map[string]string)
	for {
		line := strings.TrimRight(p.readLine(), "\n")
		if line == "" {
			return env
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			p.t.Fatalf("malformed environment line %q", line)
		}
		env[k] = v
	}
}

func (p *agiPeer) command(line string) string {
	p.t.Helper()
	if _, err := p.conn.Write([]byte(line + "\n")); err != nil {
		p.t.Fatalf("write %q: %v", line, err)
	}
	return p.readLine()
}

type sessionHarness struct {
	peer    *agiPeer
	session *Session
	done    chan error
	cancel  context.CancelFunc
}

func startSession(t *testing.T, call *fakeCall, opts Options) *sessionHarness {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	if opts.Dispatcher.Logger == nil {
		opts.Dispatcher.Logger = quietLogger()
	}
	if opts.Target.Host == "" {
		opts.Target = Target{Host: "127.0.0.1", Port: DefaultAGIPort, Script: "myapp"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewSession(server, call, opts)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return &sessionHarness{
		peer:    &agiPeer{t: t, conn: client, r: bufio.NewReader(client)},
		session: s,
		done:    done,
		cancel:  cancel,
	}
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestSessionEnvironment(t *testing.T) {
	call := newFakeCall(StateRinging)
	call.headers["x-sbc-diversion"] = "sip:old@example.com"
	h := startSession(t, call, Options{})

	env := h.peer.readEnv()
	checks := map[string]string{
		"agi_network":        "yes",
		"agi_network_script": "myapp",
		"agi_request":        "agi://127.0.0.1:4573/myapp",
		"agi_channel":        "TROPO/call-1",
		"agi_type":           "TROPO",
		"agi_uniqueid":       "call-1",
		"agi_version":        Version,
		"agi_callerid":       "5551234",
		"agi_calleridname":   "Alice",
		"agi_dnid":           "5559876",
		"agi_rdnis":          "sip:old@example.com",
		"agi_context":        "myapp",
		"agi_extension":      "1",
		"agi_priority":       "1",
		"agi_enhanced":       "0.0",
		"agi_threadid":       "call-1",
	}
	for k, want := range checks {
		if got := env[k]; got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}

	var headers map[string]string
	if err := json.Unmarshal([]byte(env["tropo_headers"]), &headers); err != nil {
		t.Fatalf("tropo_headers: %v", err)
	}
	if headers["x-sbc-diversion"] != "sip:old@example.com" {
		t.Errorf("tropo_headers = %v", headers)
	}

	if got := h.session.State(); got != SessionActive {
		t.Errorf("State() = %v, want Active", got)
	}
}

func TestSessionEnvironmentWithoutHeaders(t *testing.T) {
	h := startSession(t, newFakeCall(StateRinging), Options{})

	env := h.peer.readEnv()
	if _, ok := env["tropo_headers"]; ok {
		t.Error("tropo_headers must be omitted without headers")
	}
	if env["agi_rdnis"] != "unknown" {
		t.Errorf("agi_rdnis = %q, want unknown", env["agi_rdnis"])
	}
}

func TestSessionServesCommands(t *testing.T) {
	call := newFakeCall(StateRinging)

	var (
		mu      sync.Mutex
		records []CommandRecord
	)
	observer := ObserverFunc(func(rec CommandRecord) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	})

	h := startSession(t, call, Options{
		Vars:     NewVariableStore(map[string]string{"account": "acme"}),
		Observer: observer,
	})
	h.peer.readEnv()

	steps := []struct {
		line string
		want string
	}{
		{"ANSWER", "200 result=0\n"},
		{"GET VARIABLE account", "200 result=1 (acme)\n"},
		{"SET VARIABLE color blue", "200 result=0\n"},
		{"GET VARIABLE color", "200 result=1 (blue)\n"},
		{"FOO", LineInvalidCommand},
		{"RECORD FILE x wav", LineInvalidSyntax},
		{"SET MUSIC on", "200 result=-1\n"},
		{"CHANNEL STATUS", "200 result=6\n"},
	}
	for _, step := range steps {
		if got := h.peer.command(step.line); got != step.want {
			t.Errorf("%s = %q, want %q", step.line, got, step.want)
		}
	}

	h.peer.conn.Close()
	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v", err)
	}
	if got := h.session.EndReason(); got != EndPeerClosed {
		t.Errorf("EndReason() = %q, want %q", got, EndPeerClosed)
	}
	if got := h.session.State(); got != SessionClosed {
		t.Errorf("State() = %v, want Closed", got)
	}
	if got := h.session.Served(); got != len(steps) {
		t.Errorf("Served() = %d, want %d", got, len(steps))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(records) != len(steps) {
		t.Fatalf("observer saw %d records, want %d", len(records), len(steps))
	}
	if records[4].Kind != KindNonsense || records[4].Reply != LineInvalidCommand {
		t.Errorf("record for FOO = %+v", records[4])
	}

	// peer went away while the call was up: implicit hangup
	invoked := call.invoked()
	if len(invoked) == 0 || invoked[len(invoked)-1] != "hangup" {
		t.Errorf("invoked = %q, want trailing hangup", invoked)
	}
}

func TestSessionHangupNotice(t *testing.T) {
	call := newFakeCall(StateAnswered)
	h := startSession(t, call, Options{})
	h.peer.readEnv()

	if got := h.peer.command("HANGUP"); got != "200 result=1\n" {
		t.Errorf("HANGUP = %q", got)
	}
	if got := h.peer.readLine(); got != "HANGUP\n" {
		t.Errorf("notice = %q, want HANGUP", got)
	}
	if got := h.session.State(); got != SessionDraining {
		t.Errorf("State() = %v, want Draining", got)
	}

	// commands after the notice are answered without a second notice
	if got := h.peer.command("STREAM FILE hello"); got != LineDeadChannel {
		t.Errorf("STREAM FILE after hangup = %q", got)
	}
	if got := h.peer.command("GET VARIABLE x"); got != "200 result=0\n" {
		t.Errorf("GET VARIABLE after hangup = %q", got)
	}

	h.peer.conn.Close()
	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v", err)
	}
	if got := call.invoked(); len(got) != 1 {
		t.Errorf("invoked = %q, want a single hangup", got)
	}
}

func TestSessionDrainTimeout(t *testing.T) {
	call := newFakeCall(StateAnswered)
	h := startSession(t, call, Options{DrainTimeout: 50 * time.Millisecond})
	h.peer.readEnv()

	h.peer.command("HANGUP")
	h.peer.readLine()

	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v", err)
	}
	if got := h.session.EndReason(); got != EndDrainTimeout {
		t.Errorf("EndReason() = %q, want %q", got, EndDrainTimeout)
	}
}

func TestSessionFatalErrorHangsUp(t *testing.T) {
	call := newFakeCall(StateAnswered)
	call.failWith = errors.New("media server unreachable")
	h := startSession(t, call, Options{})
	h.peer.readEnv()

	if _, err := h.peer.conn.Write([]byte("STREAM FILE hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := h.wait(t)
	if err == nil || !strings.Contains(err.Error(), "media server unreachable") {
		t.Errorf("Run() = %v, want the collaborator error", err)
	}
	if got := h.session.EndReason(); got != EndFatal {
		t.Errorf("EndReason() = %q, want %q", got, EndFatal)
	}
	if call.IsActive() {
		t.Error("call still active after fatal error")
	}
	if len(call.logs) == 0 {
		t.Error("fatal error not written to the call log")
	}
}

func TestSessionServesUnterminatedLastCommand(t *testing.T) {
	call := newFakeCall(StateAnswered)
	h := startSession(t, call, Options{})
	h.peer.readEnv()

	if _, err := h.peer.conn.Write([]byte("VERBOSE lastwords")); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.peer.conn.Close()

	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v", err)
	}
	call.mu.Lock()
	logs := append([]string(nil), call.logs...)
	call.mu.Unlock()
	if len(logs) != 1 || logs[0] != "lastwords" {
		t.Errorf("call logs = %q, want [lastwords]", logs)
	}
}

func TestSessionCancel(t *testing.T) {
	call := newFakeCall(StateAnswered)
	h := startSession(t, call, Options{})
	h.peer.readEnv()

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v", err)
	}
	if got := h.session.EndReason(); got != EndCanceled {
		t.Errorf("EndReason() = %q, want %q", got, EndCanceled)
	}
	if call.IsActive() {
		t.Error("canceled session must hang up the call")
	}
}

func TestSessionEmptyLineIsImplicitHangup(t *testing.T) {
	call := newFakeCall(StateAnswered)
	h := startSession(t, call, Options{})
	h.peer.readEnv()

	if got := h.peer.command(""); got != "200 result=1\n" {
		t.Errorf("empty line = %q", got)
	}
	if got := h.peer.readLine(); got != "HANGUP\n" {
		t.Errorf("notice = %q", got)
	}
}

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget("agi://10.0.0.5/ivr")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if tgt.Addr() != "10.0.0.5:4573" || tgt.Script != "ivr" {
		t.Errorf("target = %+v", tgt)
	}
	if got := tgt.URI(); got != "agi://10.0.0.5:4573/ivr" {
		t.Errorf("URI() = %q", got)
	}

	for _, bad := range []string{"http://x/y", "agi:///script", "::"} {
		if _, err := ParseTarget(bad); err == nil {
			t.Errorf("ParseTarget(%q) succeeded", bad)
		}
	}
}
