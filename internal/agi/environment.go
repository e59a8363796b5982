package agi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	// Version is reported to AGI scripts as agi_version.
	Version = "tropo-agi-0.1.0"

	DefaultAGIPort   = "4573"
	defaultExtension = "1"
	channelType      = "TROPO"

	headerDiversion = "x-sbc-diversion"
)

// Target is the AGI server a session talks to.
type Target struct {
	Host      string
	Port      string
	Script    string
	Extension string
}

// ParseTarget parses agi://host[:port]/script.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse agi uri %q: %w", raw, err)
	}
	if u.Scheme != "agi" {
		return Target{}, fmt.Errorf("agi uri %q: scheme must be agi", raw)
	}
	if u.Hostname() == "" {
		return Target{}, fmt.Errorf("agi uri %q: host required", raw)
	}
	t := Target{
		Host:   u.Hostname(),
		Port:   u.Port(),
		Script: strings.TrimPrefix(u.Path, "/"),
	}
	if t.Port == "" {
		t.Port = DefaultAGIPort
	}
	return t, nil
}

// Addr returns host:port for dialing.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// URI returns the agi:// request URI.
func (t Target) URI() string {
	return "agi://" + t.Addr() + "/" + t.Script
}

// Environment renders the handshake block sent before the first command:
// "key: value" lines closed by a blank line.
func Environment(call CallSession, t Target) string {
	ext := t.Extension
	if ext == "" {
		ext = defaultExtension
	}
	rdnis := "unknown"
	if v, ok := call.Header(headerDiversion); ok && v != "" {
		rdnis = v
	}

	pairs := [][2]string{
		{"agi_network", "yes"},
		{"agi_network_script", t.Script},
		{"agi_request", t.URI()},
		{"agi_channel", channelType + "/" + call.ID()},
		{"agi_language", "en"},
		{"agi_type", channelType},
		{"agi_uniqueid", call.ID()},
		{"agi_version", Version},
		{"agi_callerid", call.CallerID()},
		{"agi_calleridname", call.CallerName()},
		{"agi_callingpres", "0"},
		{"agi_callingani2", "0"},
		{"agi_callington", "0"},
		{"agi_callingtns", "0"},
		{"agi_dnid", call.CalledID()},
		{"agi_rdnis", rdnis},
		{"agi_context", t.Script},
		{"agi_extension", ext},
		{"agi_priority", "1"},
		{"agi_enhanced", "0.0"},
		{"agi_accountcode", ""},
		{"agi_threadid", call.ID()},
	}
	if headers := call.Headers(); len(headers) > 0 {
		if b, err := json.Marshal(headers); err == nil {
			pairs = append(pairs, [2]string{"tropo_headers", string(b)})
		}
	}

	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p[0])
		b.WriteString(": ")
		b.WriteString(sanitizeEnvValue(p[1]))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

// sanitizeEnvValue keeps a value on its own line.
func sanitizeEnvValue(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
