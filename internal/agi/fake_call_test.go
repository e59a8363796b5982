package agi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeCall records every primitive invoked on it and answers Ask/Transfer
// from queued results.
type fakeCall struct {
	mu sync.Mutex

	id      string
	state   CallState
	headers map[string]string

	calls []string
	said  []string
	asks  []fakeAsk
	logs  []string

	askResults []AskResult
	transfer   TransferResult
	transferTo []string
	transferOp TransferOptions
	record     RecordResult
	recordOp   RecordOptions

	// failWith, when set, is returned by every blocking primitive.
	failWith error
	// onRecord runs inside Record, e.g. to advance a fake clock.
	onRecord func()
}

type fakeAsk struct {
	prompt string
	opts   AskOptions
}

func newFakeCall(state CallState) *fakeCall {
	return &fakeCall{
		id:      "call-1",
		state:   state,
		headers: map[string]string{},
	}
}

func (f *fakeCall) note(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeCall) invoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCall) ID() string         { return f.id }
func (f *fakeCall) CallerID() string   { return "5551234" }
func (f *fakeCall) CallerName() string { return "Alice" }
func (f *fakeCall) CalledID() string   { return "5559876" }

func (f *fakeCall) State() CallState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCall) IsActive() bool {
	return f.State() != StateDisconnected
}

func (f *fakeCall) Answer(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("answer")
	if f.failWith != nil {
		return f.failWith
	}
	f.state = StateAnswered
	return nil
}

func (f *fakeCall) Hangup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("hangup")
	f.state = StateDisconnected
	return nil
}

func (f *fakeCall) Reject(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("reject")
	f.state = StateDisconnected
	return nil
}

func (f *fakeCall) Redirect(_ context.Context, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("redirect %s", dest)
	f.state = StateDisconnected
	return nil
}

func (f *fakeCall) Ask(_ context.Context, prompt string, opts AskOptions) (AskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("ask %s", prompt)
	f.asks = append(f.asks, fakeAsk{prompt: prompt, opts: opts})
	if f.failWith != nil {
		return AskResult{}, f.failWith
	}
	if len(f.askResults) == 0 {
		return AskResult{Name: AskTimeout}, nil
	}
	res := f.askResults[0]
	f.askResults = f.askResults[1:]
	return res, nil
}

func (f *fakeCall) Say(_ context.Context, text string, _ SayOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("say %s", text)
	if f.failWith != nil {
		return f.failWith
	}
	f.said = append(f.said, text)
	return nil
}

func (f *fakeCall) Record(_ context.Context, _ string, opts RecordOptions) (RecordResult, error) {
	f.mu.Lock()
	f.note("record")
	f.recordOp = opts
	hook := f.onRecord
	res, err := f.record, f.failWith
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, err
}

func (f *fakeCall) StartRecording(_ context.Context, uri string, opts RecordOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("startrecording %s", uri)
	f.recordOp = opts
	return f.failWith
}

func (f *fakeCall) StopRecording(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("stoprecording")
	return nil
}

func (f *fakeCall) Transfer(_ context.Context, to []string, opts TransferOptions) (TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("transfer %s", strings.Join(to, " "))
	f.transferTo = to
	f.transferOp = opts
	if f.failWith != nil {
		return TransferResult{}, f.failWith
	}
	return f.transfer, nil
}

func (f *fakeCall) Conference(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("conference %s", room)
	return f.failWith
}

func (f *fakeCall) Wait(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.note("wait %s", d)
	return nil
}

func (f *fakeCall) Log(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, msg)
}

func (f *fakeCall) Header(name string) (string, bool) {
	v, ok := f.headers[strings.ToLower(name)]
	return v, ok
}

func (f *fakeCall) Headers() map[string]string {
	return f.headers
}

// mapSounds resolves sound names from a fixed table.
type mapSounds map[string]string

func (m mapSounds) Resolve(name string) (string, bool) {
	uri, ok := m[name]
	return uri, ok
}
