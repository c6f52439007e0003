package models

import (
	"time"
)

// PendingApproval is one outstanding yes/no question posed to a human.
type PendingApproval struct {
	ID             string     `json:"id"`
	EventID        string     `json:"event_id"`
	Channel        string     `json:"channel"`
	Destination    string     `json:"destination"`
	MessageID      string     `json:"message_id,omitempty"`
	CorrelationKey string     `json:"correlation_key"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Resolved       bool       `json:"resolved"`
	Resolution     string     `json:"resolution,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Reprompts      int        `json:"reprompts"`
}

// Notification channel constants
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Approval resolution constants
const (
	ResolutionApproved   = "approved"
	ResolutionRejected   = "rejected"
	ResolutionCancelled  = "cancelled"
	ResolutionExpired    = "expired"
	ResolutionSendFailed = "send_failed"
	ResolutionSuperseded = "superseded"
)

// IsExpired returns true if the approval is past its expiry.
func (a *PendingApproval) IsExpired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
