package events

import "fmt"

// Subject naming conventions for NATS.
//
// Hierarchy:
//   agibridge.sessions.<call_uuid>.<event_suffix>  - Per-session events
//
// Wildcard subscriptions:
//   agibridge.sessions.>                           - All session events
//   agibridge.sessions.*.ended                     - All session.ended events

const (
	// SubjectPrefix is the root of all bridge subjects
	SubjectPrefix = "agibridge"

	SubjectSessions        = SubjectPrefix + ".sessions"
	SubjectSessionStarted  = "started"
	SubjectCommandExecuted = "command"
	SubjectSessionEnded    = "ended"
	SubjectSessionFailover = "failover"
)

// SessionSubject builds a subject for a specific session event.
// Example: SessionSubject("abc-123", "ended") => "agibridge.sessions.abc-123.ended"
func SessionSubject(callUUID, suffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectSessions, callUUID, suffix)
}

var (
	// PatternAllSessions matches every session event
	PatternAllSessions = SubjectSessions + ".>"

	// PatternSessionEnded matches all session.ended events
	PatternSessionEnded = SubjectSessions + ".*.ended"
)

// SubjectForEventType returns the suffix used for a given event type.
func SubjectForEventType(t EventType) string {
	switch t {
	case SessionStarted:
		return SubjectSessionStarted
	case CommandExecuted:
		return SubjectCommandExecuted
	case SessionEnded:
		return SubjectSessionEnded
	case SessionFailover:
		return SubjectSessionFailover
	default:
		return "unknown"
	}
}
