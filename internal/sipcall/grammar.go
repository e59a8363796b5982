package sipcall

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sebas/agibridge/internal/agi"
)

// digitRule matches "[4 DIGITS]" and "[1-16 DIGITS]".
var digitRule = regexp.MustCompile(`(?i)^\[\s*(\d+)\s*(?:-\s*(\d+)\s*)?DIGITS?\s*\]$`)

// grammar is a keypad choice set: an optional digit-string rule plus
// single-key alternatives.
type grammar struct {
	minDigits int
	maxDigits int
	keys      string
}

// parseGrammar reads a comma-separated choices expression. An empty
// expression accepts any single key.
func parseGrammar(choices string) (grammar, error) {
	var g grammar
	if strings.TrimSpace(choices) == "" {
		return grammar{minDigits: 1, maxDigits: 1, keys: "*#"}, nil
	}
	for _, part := range strings.Split(choices, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part == "" {
			continue
		}
		if m := digitRule.FindStringSubmatch(part); m != nil {
			lo, _ := strconv.Atoi(m[1])
			hi := lo
			if m[2] != "" {
				hi, _ = strconv.Atoi(m[2])
			}
			if lo < 1 || hi < lo {
				return grammar{}, fmt.Errorf("choices %q: bad digit range: %w", part, agi.ErrInvalidArgument)
			}
			g.minDigits, g.maxDigits = lo, hi
			continue
		}
		if len(part) == 1 && isKey(part[0]) {
			g.keys += part
			continue
		}
		return grammar{}, fmt.Errorf("keypad choices %q: %w", part, agi.ErrUnsupported)
	}
	return g, nil
}

func isKey(c byte) bool {
	return strings.IndexByte("0123456789*#ABCDabcd", c) >= 0
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// match reports whether input is a valid answer.
func (g grammar) match(input string) bool {
	if len(input) == 1 && strings.Contains(g.keys, input) {
		return true
	}
	return g.maxDigits > 0 && allDigits(input) && len(input) >= g.minDigits && len(input) <= g.maxDigits
}

// complete reports whether no further key can change the answer.
func (g grammar) complete(input string) bool {
	if len(input) >= max(g.maxDigits, 1) {
		return true
	}
	// a lone key that cannot start a longer digit string
	return len(input) == 1 && strings.Contains(g.keys, input) && (g.maxDigits == 0 || !allDigits(input))
}
