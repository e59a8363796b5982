package sipcall

import (
	"errors"
	"testing"

	"github.com/sebas/agibridge/internal/agi"
)

func TestParseGrammar(t *testing.T) {
	tests := []struct {
		choices  string
		min, max int
		keys     string
	}{
		{"[1 DIGIT], *, #", 1, 1, "*#"},
		{"[4-16 DIGITS]", 4, 16, ""},
		{"1,2,#", 0, 0, "12#"},
		{"", 1, 1, "*#"},
		{`",",`, 0, 0, ""},
	}
	for _, tt := range tests {
		g, err := parseGrammar(tt.choices)
		if err != nil {
			t.Errorf("parseGrammar(%q): %v", tt.choices, err)
			continue
		}
		if g.minDigits != tt.min || g.maxDigits != tt.max || g.keys != tt.keys {
			t.Errorf("parseGrammar(%q) = %+v", tt.choices, g)
		}
	}

	if _, err := parseGrammar("yes, no"); !errors.Is(err, agi.ErrUnsupported) {
		t.Errorf("word choices: err = %v, want ErrUnsupported", err)
	}
	for _, bad := range []string{"[5-2 DIGITS]", "[0 DIGITS]"} {
		_, err := parseGrammar(bad)
		if !errors.Is(err, agi.ErrInvalidArgument) {
			t.Errorf("parseGrammar(%q): err = %v, want ErrInvalidArgument", bad, err)
		}
		if k := agi.Classify(err); k != agi.KindArgument {
			t.Errorf("parseGrammar(%q) classified as %v, want argument", bad, k)
		}
	}
}

func TestGrammarMatchAndComplete(t *testing.T) {
	single, _ := parseGrammar("[1 DIGIT], *, #")
	pin, _ := parseGrammar("[4 DIGITS]")
	menu, _ := parseGrammar("1,2,#")

	cases := []struct {
		name     string
		g        grammar
		input    string
		match    bool
		complete bool
	}{
		{"single digit", single, "7", true, true},
		{"single star", single, "*", true, true},
		{"pin partial", pin, "12", false, false},
		{"pin full", pin, "1234", true, true},
		{"pin with star", pin, "12*4", false, true},
		{"menu hit", menu, "2", true, true},
		{"menu miss", menu, "9", false, true},
	}
	for _, c := range cases {
		if got := c.g.match(c.input); got != c.match {
			t.Errorf("%s: match(%q) = %v", c.name, c.input, got)
		}
		if got := c.g.complete(c.input); got != c.complete {
			t.Errorf("%s: complete(%q) = %v", c.name, c.input, got)
		}
	}
}
