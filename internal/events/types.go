// Package events defines AGI session lifecycle events and the publishers
// that carry them to NATS JetStream, the log, or an in-process channel.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the type of session event
type EventType string

const (
	// SessionStarted fires when the AGI environment block has been sent
	SessionStarted EventType = "agi.session.started"
	// CommandExecuted fires after every AGI command reply
	CommandExecuted EventType = "agi.command.executed"
	// SessionEnded fires when the AGI conversation is over
	SessionEnded EventType = "agi.session.ended"
	// SessionFailover fires when the AGI server could not be reached and the
	// call was handed to the fallback path
	SessionFailover EventType = "agi.session.failover"
)

// Event is the base interface for all session events
type Event interface {
	Type() EventType
	// Subject returns the NATS subject this event publishes to
	Subject() string
	Timestamp() time.Time
	CallID() string
	ID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	// EventID is unique per event instance, used for JetStream deduplication
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	// CallUUID is the bridge's call identifier (agi_uniqueid)
	CallUUID  string `json:"call_uuid"`
	SIPCallID string `json:"sip_call_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.CallUUID }
func (e *BaseEvent) ID() string           { return e.EventID }

// Subject returns agibridge.sessions.<call_uuid>.<suffix>.
func (e *BaseEvent) Subject() string {
	return SessionSubject(e.CallUUID, SubjectForEventType(e.EventType))
}

// SessionStartedEvent fires once per AGI conversation
type SessionStartedEvent struct {
	BaseEvent
	AGIRequest string            `json:"agi_request"`
	CallerID   string            `json:"caller_id"`
	CallerName string            `json:"caller_name,omitempty"`
	CalledID   string            `json:"called_id"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// CommandExecutedEvent records one served command
type CommandExecutedEvent struct {
	BaseEvent
	Command    string `json:"command"`
	Line       string `json:"line"`
	Outcome    string `json:"outcome"` // error class, "none" on success
	Reply      string `json:"reply"`
	DurationMs int64  `json:"duration_ms"`
}

// SessionEndedEvent closes a conversation
type SessionEndedEvent struct {
	BaseEvent
	Reason     string `json:"reason"`
	Error      string `json:"error,omitempty"`
	Commands   int    `json:"commands"`
	DialStatus string `json:"dial_status,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// SessionFailoverEvent reports how a call was handled without an AGI server
type SessionFailoverEvent struct {
	BaseEvent
	AGIRequest  string `json:"agi_request"`
	Error       string `json:"error"`
	Action      string `json:"action"` // FailoverTransfer or FailoverApology
	Destination string `json:"destination,omitempty"`
}

// Failover actions
const (
	FailoverTransfer = "transfer"
	FailoverApology  = "apology"
)

// MarshalEvent encodes an event for the wire.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
