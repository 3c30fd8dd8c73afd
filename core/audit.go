package core

import (
	"context"
	"time"
)

// Audit outcomes recorded by the guard and adapters.
const (
	OutcomeSuccess         = "success"
	OutcomeDenied          = "denied"
	OutcomeUnauthenticated = "unauthenticated"
)

// AuditEvent is an immutable record of an authorized or rejected action.
// Optional fields are nil when absent.
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Actor     *string        `json:"actor"`
	Action    string         `json:"action"`
	Resource  *string        `json:"resource,omitempty"`
	Outcome   string         `json:"outcome"`
	IP        *string        `json:"ip,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditSink records audit events to an external sink (file, log, database).
// Implementations must be non-blocking beyond enqueueing and best-effort:
// the caller hands the event off and never touches it again.
type AuditSink interface {
	Log(ctx context.Context, evt AuditEvent)
}

// StrPtr returns nil for an empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
