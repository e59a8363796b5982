package agi

import (
	"regexp"
	"strings"
)

var (
	commandPattern = regexp.MustCompile(`^\s*(\w+)\s*(\w+)?\s*(.*)$`)
	// Asterisk-Java quotes the application name: EXEC "playback" "file"
	quotedAppPattern = regexp.MustCompile(`^"(\w+)"\s*(.*)$`)
)

// Command is one parsed AGI request line.
type Command struct {
	Action string
	Sub    string
	Args   Args
	Raw    string

	subText string
}

// ParseCommand parses a request line. An empty line is the implicit HANGUP
// sent when the peer goes away. The second return value is false when the
// line has no leading verb at all.
func ParseCommand(line string) (*Command, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return &Command{Action: "hangup"}, true
	}

	m := commandPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	cmd := &Command{
		Action: strings.ToLower(m[1]),
		Sub:    strings.ToLower(m[2]),
		Raw:    strings.TrimSpace(m[3]),

		subText: m[2],
	}
	if cmd.Action == "exec" && cmd.Sub == "" {
		if q := quotedAppPattern.FindStringSubmatch(cmd.Raw); q != nil {
			cmd.Sub = strings.ToLower(q[1])
			cmd.subText = q[1]
			cmd.Raw = strings.TrimSpace(q[2])
		}
	}
	cmd.Args = ParseArgs(cmd.Raw)
	return cmd, true
}

// Name returns the upper-case command name used in logs and errors.
func (c *Command) Name() string {
	if c.Sub == "" {
		return strings.ToUpper(c.Action)
	}
	return strings.ToUpper(c.Action + " " + c.Sub)
}

// Positional returns the command's positional arguments. AGI separates them
// with spaces, Tropo-style clients with commas: space separated text is split
// on whitespace, anything else comes from the parsed argument list.
func (c *Command) Positional() []string {
	if hasTopLevelSpace(c.Raw) {
		return splitFields(c.Raw)
	}
	return c.Args.Strings()
}

// AppArgs returns the argument list of an EXEC'd application.
func (c *Command) AppArgs() []string {
	if c.Args.IsJSON() {
		return nil
	}
	if c.Args.Len() == 1 {
		return ParseAppArgs(c.Args.String(0))
	}
	return c.Args.Strings()
}

// withoutSub folds the subcommand word back into the arguments, for verbs
// that take no subcommand (VERBOSE hello 1).
func (c *Command) withoutSub() *Command {
	if c.Sub == "" {
		return c
	}
	raw := c.subText
	if c.Raw != "" {
		raw += " " + c.Raw
	}
	return &Command{Action: c.Action, Raw: raw, Args: ParseArgs(raw)}
}
