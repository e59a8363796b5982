package agi

import (
	"context"
	"strings"
)

// channelStatusUp is Asterisk's AST_STATE_UP.
const channelStatusUp = 6

func (d *Dispatcher) answer(ctx context.Context, cmd *Command) (Response, error) {
	if state := d.call.State(); state != StateRinging {
		d.log.Warn("[AGI] Invalid call state to answer", "call_id", d.call.ID(), "state", state)
		return Success(0), nil
	}
	if err := d.call.Answer(ctx); err != nil {
		return Response{}, err
	}
	return Success(0), nil
}

// hangup is safe to repeat; an inactive call is left alone.
func (d *Dispatcher) hangup(ctx context.Context, cmd *Command) (Response, error) {
	if !d.call.IsActive() {
		return Success(1), nil
	}
	if err := d.call.Hangup(ctx); err != nil {
		d.log.Warn("[AGI] Hangup failed", "call_id", d.call.ID(), "error", err)
	}
	return Success(1), nil
}

func (d *Dispatcher) noop(_ context.Context, _ *Command) (Response, error) {
	return Success(0), nil
}

func (d *Dispatcher) verbose(_ context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "message required")
	}
	level := "1"
	if len(args) > 1 {
		level = args[1]
	}
	d.call.Log(args[0])
	d.log.Info("[AGI] "+args[0], "call_id", d.call.ID(), "verbose_level", level)
	return Success(1), nil
}

// channelStatus only answers for its own channel, which is always up while
// commands are being served.
func (d *Dispatcher) channelStatus(_ context.Context, cmd *Command) (Response, error) {
	if args := cmd.Positional(); len(args) > 0 && args[0] != "" {
		return Response{}, softFail(cmd.Name(), "status of other channels not supported")
	}
	return Success(channelStatusUp), nil
}

func (d *Dispatcher) setVariable(_ context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "variable name required")
	}
	value := ""
	if len(args) > 1 {
		value = args[1]
	}
	if err := d.vars.Set(args[0], value); err != nil {
		return Response{}, &ArgumentError{Command: cmd.Name(), Reason: err.Error()}
	}
	return Success(0), nil
}

// getVariable follows Asterisk: an unset variable is "200 result=0", not an
// error.
func (d *Dispatcher) getVariable(_ context.Context, cmd *Command) (Response, error) {
	args := cmd.Positional()
	if len(args) == 0 || args[0] == "" {
		return Response{}, argError(cmd.Name(), "variable name required")
	}
	value, ok := d.vars.Get(args[0])
	if !ok {
		return Success(0), nil
	}
	return SuccessData("1", value), nil
}

func (d *Dispatcher) setCallerID(_ context.Context, cmd *Command) (Response, error) {
	value, ok := wholeArgument(cmd)
	if !ok {
		return Response{}, argError(cmd.Name(), "caller id required")
	}
	if err := d.vars.Set(VarCallerID, value); err != nil {
		return Response{}, &ArgumentError{Command: cmd.Name(), Reason: err.Error()}
	}
	return Success(0), nil
}

func (d *Dispatcher) setCallerIDName(_ context.Context, cmd *Command) (Response, error) {
	value, ok := wholeArgument(cmd)
	if !ok {
		return Response{}, argError(cmd.Name(), "caller id name required")
	}
	d.vars.setFlat(VarCallerIDNameLegacy, value)
	return Success(0), nil
}

// wholeArgument returns the full argument text of commands whose single
// value may itself contain spaces ("John" <555>).
func wholeArgument(cmd *Command) (string, bool) {
	if cmd.Raw == "" {
		return "", false
	}
	if hasTopLevelSpace(cmd.Raw) {
		return strings.TrimSpace(cmd.Raw), true
	}
	return cmd.Args.String(0), true
}
