package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const logo = `
======================================================================
    _    ____ ___   ____       _     _
   / \  / ___|_ _| | __ ) _ __(_) __| | __ _  ___
  / _ \| |  _ | |  |  _ \| '__| |/ _` + "`" + ` |/ _` + "`" + ` |/ _ \
 / ___ \ |_| || |  | |_) | |  | | (_| | (_| |  __/
/_/   \_\____|___| |____/|_|  |_|\__,_|\__, |\___|
                                       |___/
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the startup banner to stdout.
func Print(serviceName string, config []ConfigLine) {
	Fprint(os.Stdout, serviceName, config)
}

// Fprint writes the startup banner with the service name and its
// configuration, labels aligned.
func Fprint(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		maxLen = max(maxLen, len(c.Label))
	}
	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, strings.Repeat(" ", maxLen-len(c.Label)), value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready.")
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
