package agi

import (
	"reflect"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line   string
		action string
		sub    string
		raw    string
	}{
		{"ANSWER\n", "answer", "", ""},
		{"STREAM FILE tt-monkeys \"\"\n", "stream", "file", `tt-monkeys ""`},
		{"EXEC Dial sip:alice@example.com,30", "exec", "dial", "sip:alice@example.com,30"},
		{`EXEC "playback" "tt-monkeys"`, "exec", "playback", `"tt-monkeys"`},
		{`VERBOSE "hello world" 1`, "verbose", "", `"hello world" 1`},
		{"wait for digit 5000\r\n", "wait", "for", "digit 5000"},
	}
	for _, tt := range tests {
		cmd, ok := ParseCommand(tt.line)
		if !ok {
			t.Errorf("ParseCommand(%q) not ok", tt.line)
			continue
		}
		if cmd.Action != tt.action || cmd.Sub != tt.sub || cmd.Raw != tt.raw {
			t.Errorf("ParseCommand(%q) = {%q %q %q}, want {%q %q %q}",
				tt.line, cmd.Action, cmd.Sub, cmd.Raw, tt.action, tt.sub, tt.raw)
		}
	}
}

func TestParseCommandEmptyLineIsHangup(t *testing.T) {
	cmd, ok := ParseCommand("\n")
	if !ok || cmd.Action != "hangup" {
		t.Errorf("ParseCommand(empty) = %+v, %v; want hangup", cmd, ok)
	}
}

func TestParseCommandRejectsNonWord(t *testing.T) {
	if _, ok := ParseCommand("!!!"); ok {
		t.Error("ParseCommand(!!!) should fail")
	}
}

func TestCommandName(t *testing.T) {
	cmd, _ := ParseCommand("get variable FOO")
	if got := cmd.Name(); got != "GET VARIABLE" {
		t.Errorf("Name() = %q", got)
	}
}

func TestCommandPositional(t *testing.T) {
	cmd, _ := ParseCommand(`GET DATA "hello world" 5000 4`)
	want := []string{"hello world", "5000", "4"}
	if got := cmd.Positional(); !reflect.DeepEqual(got, want) {
		t.Errorf("Positional() = %q, want %q", got, want)
	}

	cmd, _ = ParseCommand(`GET DATA "tt-monkeys","5000","4"`)
	want = []string{"tt-monkeys", "5000", "4"}
	if got := cmd.Positional(); !reflect.DeepEqual(got, want) {
		t.Errorf("Positional() comma form = %q, want %q", got, want)
	}
}

func TestCommandAppArgs(t *testing.T) {
	cmd, _ := ParseCommand(`EXEC READ pin,tt monkeys,5,,3,10`)
	want := []string{"pin", "tt monkeys", "5", "", "3", "10"}
	if got := cmd.AppArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("AppArgs() = %q, want %q", got, want)
	}

	cmd, _ = ParseCommand(`EXEC Dial "sip:a@b|30"`)
	want = []string{"sip:a@b", "30"}
	if got := cmd.AppArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("AppArgs() pipe form = %q, want %q", got, want)
	}
}

func TestWithoutSub(t *testing.T) {
	cmd, _ := ParseCommand("VERBOSE hello 1")
	plain := cmd.withoutSub()
	if plain.Sub != "" || plain.Raw != "hello 1" {
		t.Errorf("withoutSub() = {%q %q}", plain.Sub, plain.Raw)
	}
	want := []string{"hello", "1"}
	if got := plain.Positional(); !reflect.DeepEqual(got, want) {
		t.Errorf("Positional() = %q, want %q", got, want)
	}
}
