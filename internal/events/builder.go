package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder stamps events with an ID, a time and the node they came from.
type Builder struct {
	nodeID string
	now    func() time.Time
}

// NewBuilder creates an event builder for nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, now: time.Now}
}

func (b *Builder) newBase(eventType EventType, callUUID, sipCallID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: b.now().UTC(),
		CallUUID:  callUUID,
		SIPCallID: sipCallID,
		NodeID:    b.nodeID,
	}
}

// SessionStartedBuilder constructs SessionStartedEvent.
type SessionStartedBuilder struct {
	event *SessionStartedEvent
}

// SessionStarted starts building a SessionStartedEvent.
func (b *Builder) SessionStarted(callUUID, sipCallID string) *SessionStartedBuilder {
	return &SessionStartedBuilder{
		event: &SessionStartedEvent{BaseEvent: b.newBase(SessionStarted, callUUID, sipCallID)},
	}
}

func (sb *SessionStartedBuilder) Request(uri string) *SessionStartedBuilder {
	sb.event.AGIRequest = uri
	return sb
}

func (sb *SessionStartedBuilder) Parties(callerID, callerName, calledID string) *SessionStartedBuilder {
	sb.event.CallerID = callerID
	sb.event.CallerName = callerName
	sb.event.CalledID = calledID
	return sb
}

func (sb *SessionStartedBuilder) Headers(h map[string]string) *SessionStartedBuilder {
	sb.event.Headers = h
	return sb
}

func (sb *SessionStartedBuilder) Build() *SessionStartedEvent {
	return sb.event
}

// CommandExecutedBuilder constructs CommandExecutedEvent.
type CommandExecutedBuilder struct {
	event *CommandExecutedEvent
}

// CommandExecuted starts building a CommandExecutedEvent.
func (b *Builder) CommandExecuted(callUUID, command string) *CommandExecutedBuilder {
	return &CommandExecutedBuilder{
		event: &CommandExecutedEvent{
			BaseEvent: b.newBase(CommandExecuted, callUUID, ""),
			Command:   command,
			Outcome:   "none",
		},
	}
}

func (cb *CommandExecutedBuilder) Line(line string) *CommandExecutedBuilder {
	cb.event.Line = line
	return cb
}

func (cb *CommandExecutedBuilder) Outcome(outcome string) *CommandExecutedBuilder {
	cb.event.Outcome = outcome
	return cb
}

func (cb *CommandExecutedBuilder) Reply(reply string) *CommandExecutedBuilder {
	cb.event.Reply = reply
	return cb
}

func (cb *CommandExecutedBuilder) Duration(d time.Duration) *CommandExecutedBuilder {
	cb.event.DurationMs = d.Milliseconds()
	return cb
}

func (cb *CommandExecutedBuilder) Build() *CommandExecutedEvent {
	return cb.event
}

// SessionEndedBuilder constructs SessionEndedEvent.
type SessionEndedBuilder struct {
	event *SessionEndedEvent
}

// SessionEnded starts building a SessionEndedEvent.
func (b *Builder) SessionEnded(callUUID, sipCallID string) *SessionEndedBuilder {
	return &SessionEndedBuilder{
		event: &SessionEndedEvent{BaseEvent: b.newBase(SessionEnded, callUUID, sipCallID)},
	}
}

func (sb *SessionEndedBuilder) Reason(reason string, err error) *SessionEndedBuilder {
	sb.event.Reason = reason
	if err != nil {
		sb.event.Error = err.Error()
	}
	return sb
}

func (sb *SessionEndedBuilder) Commands(n int) *SessionEndedBuilder {
	sb.event.Commands = n
	return sb
}

func (sb *SessionEndedBuilder) DialStatus(status string) *SessionEndedBuilder {
	sb.event.DialStatus = status
	return sb
}

func (sb *SessionEndedBuilder) Duration(d time.Duration) *SessionEndedBuilder {
	sb.event.DurationMs = d.Milliseconds()
	return sb
}

func (sb *SessionEndedBuilder) Build() *SessionEndedEvent {
	return sb.event
}

// Failover builds a SessionFailoverEvent in one call; it has no optional
// fields.
func (b *Builder) Failover(callUUID, sipCallID, agiRequest string, cause error, action, destination string) *SessionFailoverEvent {
	e := &SessionFailoverEvent{
		BaseEvent:   b.newBase(SessionFailover, callUUID, sipCallID),
		AGIRequest:  agiRequest,
		Action:      action,
		Destination: destination,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}
