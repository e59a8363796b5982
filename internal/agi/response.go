package agi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Wire lines for the non-200 responses. AGI clients match on this text.
const (
	LineInvalidCommand = "510 Invalid or unknown Command\n"
	LineDeadChannel    = "511 Command Not Permitted on a dead channel\n"
	LineInvalidSyntax  = "520 Invalid command syntax.\n"
)

// Response is a successful (200) AGI reply.
type Response struct {
	Result string

	// Data is rendered in parentheses after the result when HasData is set.
	Data    string
	HasData bool

	Endpos    int
	HasEndpos bool
}

// Success renders "200 result=<n>".
func Success(n int) Response {
	return Response{Result: strconv.Itoa(n)}
}

// SuccessEndpos renders "200 result=<n> endpos=<m>".
func SuccessEndpos(n, endpos int) Response {
	return Response{Result: strconv.Itoa(n), Endpos: endpos, HasEndpos: true}
}

// SuccessData renders "200 result=<result> (<data>)".
func SuccessData(result, data string) Response {
	return Response{Result: result, Data: data, HasData: true}
}

// SuccessJSON renders "200 result=<json>".
func SuccessJSON(v any) (Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("encode result: %w", err)
	}
	return Response{Result: string(b)}, nil
}

// SoftFailResponse is the reply to a recognized but inapplicable command.
func SoftFailResponse() Response {
	return Success(-1)
}

// String returns the newline-terminated wire line.
func (r Response) String() string {
	var b strings.Builder
	b.WriteString("200 result=")
	b.WriteString(r.Result)
	if r.HasData {
		b.WriteString(" (")
		b.WriteString(r.Data)
		b.WriteString(")")
	}
	if r.HasEndpos {
		b.WriteString(" endpos=")
		b.WriteString(strconv.Itoa(r.Endpos))
	}
	b.WriteByte('\n')
	return b.String()
}

// FormatError renders the wire line for a classified handler error. The
// second return value is false for fatal errors, which have no wire form.
func FormatError(err error) (string, bool) {
	switch Classify(err) {
	case KindNonsense:
		return LineInvalidCommand, true
	case KindSoftFail:
		return SoftFailResponse().String(), true
	case KindDeadChannel:
		return LineDeadChannel, true
	case KindArgument:
		return LineInvalidSyntax, true
	default:
		return "", false
	}
}

// digitCode returns the AGI result for a collected digit string: the
// character code of its first character, or 0 when nothing was pressed.
func digitCode(value string) int {
	if value == "" {
		return 0
	}
	return int(value[0])
}
