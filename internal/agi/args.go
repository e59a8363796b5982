package agi

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Args is the ordered argument list of a command. When the whole argument
// text decoded as a JSON object or array, Args holds that single value.
type Args []any

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// String returns argument i as text, or "" when absent. JSON values are
// re-encoded.
func (a Args) String(i int) string {
	if i < 0 || i >= len(a) {
		return ""
	}
	switch v := a[i].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Strings returns every argument as text.
func (a Args) Strings() []string {
	out := make([]string, len(a))
	for i := range a {
		out[i] = a.String(i)
	}
	return out
}

// Object returns the decoded JSON object when the arguments were a single
// JSON object.
func (a Args) Object() (map[string]any, bool) {
	if len(a) != 1 {
		return nil, false
	}
	m, ok := a[0].(map[string]any)
	return m, ok
}

// IsJSON reports whether the arguments were captured as structured JSON.
func (a Args) IsJSON() bool {
	if len(a) != 1 {
		return false
	}
	switch a[0].(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// ParseArgs tokenizes the trailing text of a command line.
//
// The whole quote-stripped text is first tried as a JSON object or array.
// Otherwise it is split on commas outside double quotes and on line breaks,
// and one layer of quotes is stripped from every piece. Trailing empty
// pieces are dropped, quoted empty pieces ("") are kept as "".
func ParseArgs(raw string) Args {
	if raw == "" {
		return nil
	}
	if v, ok := decodeJSONArg(stripQuotes(raw)); ok {
		return Args{v}
	}

	pieces := splitTopLevel(raw)
	for len(pieces) > 0 && pieces[len(pieces)-1] == "" {
		pieces = pieces[:len(pieces)-1]
	}
	args := make(Args, 0, len(pieces))
	for _, p := range pieces {
		args = append(args, stripQuotes(p))
	}
	return args
}

func decodeJSONArg(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	for _, candidate := range []string{s, strings.ReplaceAll(s, `\"`, `"`)} {
		var v any
		if err := json.Unmarshal([]byte(candidate), &v); err != nil {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			return v, true
		}
	}
	return nil, false
}

// splitTopLevel splits s at every comma or line break followed by an even
// number of double quotes, i.e. one that sits outside a quoted segment.
func splitTopLevel(s string) []string {
	// quotesAfter[i] is the number of '"' in s[i:].
	quotesAfter := make([]int, len(s)+1)
	for i := len(s) - 1; i >= 0; i-- {
		quotesAfter[i] = quotesAfter[i+1]
		if s[i] == '"' {
			quotesAfter[i]++
		}
	}

	var pieces []string
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != ',' && c != '\n' && c != '\r' {
			continue
		}
		end := i + 1
		if c == '\r' && end < len(s) && s[end] == '\n' {
			end++
		}
		if quotesAfter[end]%2 != 0 {
			continue
		}
		pieces = append(pieces, s[start:i])
		start = end
		i = end - 1
	}
	return append(pieces, s[start:])
}

// stripQuotes removes one trailing and one leading double quote.
func stripQuotes(s string) string {
	s = strings.TrimSuffix(s, `"`)
	s = strings.TrimPrefix(s, `"`)
	return s
}

// ParseAppArgs splits a single argument holding a dialplan application's
// argument list ("a","b","c" or the legacy "a"|"b"|"c"). The first top-level
// comma or pipe decides the delimiter. "" is an explicit empty argument and
// \" inside quotes is a literal quote.
func ParseAppArgs(s string) []string {
	if s == "" {
		return nil
	}
	delim := appDelimiter(s)
	runes := []rune(s)

	var (
		out     []string
		seg     []rune
		inside  []bool
		quoted  bool
		inQuote bool
	)
	flush := func() {
		out = append(out, finishSegment(seg, inside, quoted))
		seg, inside, quoted = nil, nil, false
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(runes) && runes[i+1] == '"':
			seg = append(seg, '"')
			inside = append(inside, true)
			i++
		case c == '"':
			inQuote = !inQuote
			quoted = true
		case !inQuote && delim != 0 && c == delim:
			flush()
		default:
			seg = append(seg, c)
			inside = append(inside, inQuote)
		}
	}
	flush()
	return out
}

func appDelimiter(s string) rune {
	inQuote := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(runes) && runes[i+1] == '"':
			i++
		case c == '"':
			inQuote = !inQuote
		case !inQuote && (c == ',' || c == '|'):
			return c
		}
	}
	return 0
}

// finishSegment drops whitespace sitting outside the quotes of a quoted
// segment. Unquoted segments pass through unchanged.
func finishSegment(seg []rune, inside []bool, quoted bool) string {
	if !quoted {
		return string(seg)
	}
	start, end := 0, len(seg)
	for start < end && !inside[start] && unicode.IsSpace(seg[start]) {
		start++
	}
	for end > start && !inside[end-1] && unicode.IsSpace(seg[end-1]) {
		end--
	}
	return string(seg[start:end])
}

// splitFields splits AGI's space separated argument form. Whitespace inside
// double quotes does not split, quotes are removed and \" becomes ".
func splitFields(s string) []string {
	var (
		fields  []string
		cur     strings.Builder
		inField bool
		inQuote bool
	)
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\\' && i+1 < len(runes) && runes[i+1] == '"':
			cur.WriteRune('"')
			inField = true
			i++
		case c == '"':
			inQuote = !inQuote
			inField = true
		case !inQuote && unicode.IsSpace(c):
			if inField {
				fields = append(fields, cur.String())
				cur.Reset()
				inField = false
			}
		default:
			cur.WriteRune(c)
			inField = true
		}
	}
	if inField {
		fields = append(fields, cur.String())
	}
	return fields
}

// hasTopLevelSpace reports whether s contains whitespace outside quotes.
func hasTopLevelSpace(s string) bool {
	inQuote := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\\' && i+1 < len(runes) && runes[i+1] == '"':
			i++
		case c == '"':
			inQuote = !inQuote
		case !inQuote && unicode.IsSpace(c):
			return true
		}
	}
	return false
}
