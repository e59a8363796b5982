// Package store keeps session detail records: one row per AGI conversation
// with its parties, timing, outcome and the last dial status.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("record not found")

// SessionRecord summarizes one AGI conversation.
type SessionRecord struct {
	CallID     string    `json:"call_id"`
	SIPCallID  string    `json:"sip_call_id,omitempty"`
	CallerID   string    `json:"caller_id"`
	CallerName string    `json:"caller_name,omitempty"`
	CalledID   string    `json:"called_id"`
	AGIURI     string    `json:"agi_uri"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	Commands   int       `json:"commands"`
	DialStatus string    `json:"dial_status,omitempty"`
	EndReason  string    `json:"end_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	// Failover is the fallback action taken when the AGI server was
	// unreachable, empty otherwise
	Failover string `json:"failover,omitempty"`
}

// Duration is the length of the conversation, zero while it is running.
func (r *SessionRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists session records.
type Store interface {
	// Save inserts or replaces the record with the same CallID.
	Save(ctx context.Context, rec *SessionRecord) error
	Get(ctx context.Context, callID string) (*SessionRecord, error)
	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]*SessionRecord, error)
	Close() error
}
