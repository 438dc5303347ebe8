// Package audit records security-relevant events on a durable trail.
// Every login attempt that reaches a terminal state is written before the
// response leaves the server; a failing trail is reported but never turns
// into a login failure of its own.
package audit

import (
	"context"
	"time"
)

// Event types.
const (
	TypeLogin    = "login"
	TypeLocked   = "account_locked"
	TypeUnlocked = "account_unlocked"
	TypeEnrolled = "enrollment"
)

// Event is one entry on the trail.
type Event struct {
	ID        string                 `json:"id"`
	Time      time.Time              `json:"time"`
	Type      string                 `json:"type"`
	Username  string                 `json:"username,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Outcome   string                 `json:"outcome,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	RiskTier  string                 `json:"risk_tier,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Sink persists events. Write must not return until the event is durably
// handed off; the emitter relies on that to order the trail ahead of the
// response.
type Sink interface {
	Write(ctx context.Context, event Event) error
	Close() error
}
