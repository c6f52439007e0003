// Package models contains the domain models for the application.
package models

import (
	"time"
)

// Event represents a discovered family event moving through the approval pipeline.
type Event struct {
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	SourceID        string     `json:"source_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end,omitempty"`
	Location        string     `json:"location,omitempty"`
	Cost            float64    `json:"cost"`
	AgeMin          *int       `json:"age_min,omitempty"`
	AgeMax          *int       `json:"age_max,omitempty"`
	RegistrationURL string     `json:"registration_url,omitempty"`
	Status          string     `json:"status"`

	ConflictVerdict    *ConflictVerdict    `json:"conflict_verdict,omitempty"`
	RegistrationResult *RegistrationResult `json:"registration_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event status constants
const (
	StatusDiscovered      = "discovered"
	StatusFiltered        = "filtered"
	StatusIgnored         = "ignored" // Failed the filter stage
	StatusConflictChecked = "conflict_checked"
	StatusProposed        = "proposed"
	StatusApproved        = "approved"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
	StatusCancelled       = "cancelled" // Withdrawn before registration completed
	StatusRegistering     = "registering"
	StatusRegistered      = "registered"
	StatusManualRequired  = "manual_required"
	StatusPaymentBlocked  = "payment_blocked"
)

// DefaultEventDuration is assumed when a source does not publish an end time.
const DefaultEventDuration = 2 * time.Hour

// EndOrDefault returns the event end, falling back to start + DefaultEventDuration.
func (e *Event) EndOrDefault() time.Time {
	if e.End != nil && e.End.After(e.Start) {
		return *e.End
	}
	return e.Start.Add(DefaultEventDuration)
}

// IsFree returns true if the event declares no cost.
func (e *Event) IsFree() bool {
	return e.Cost <= 0
}

// IsTerminal returns true if no further pipeline transitions are expected.
func (e *Event) IsTerminal() bool {
	return IsTerminalStatus(e.Status)
}

// IsTerminalStatus reports whether a status is terminal.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusRegistered, StatusManualRequired, StatusRejected,
		StatusPaymentBlocked, StatusExpired, StatusIgnored, StatusCancelled:
		return true
	}
	return false
}

// IsRedrivable returns true while the event is still upstream of a proposal
// and may be re-run by a fresh discovery cycle.
func (e *Event) IsRedrivable() bool {
	switch e.Status {
	case StatusDiscovered, StatusFiltered, StatusConflictChecked:
		return true
	}
	return false
}

// StatusChange is one entry in an event's append-only status history.
type StatusChange struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DiscoveredEvent is the shape supplied by discovery collaborators.
type DiscoveredEvent struct {
	Source          string     `json:"source"`
	SourceID        string     `json:"source_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end,omitempty"`
	Location        string     `json:"location,omitempty"`
	Cost            float64    `json:"cost"`
	AgeMin          *int       `json:"age_min,omitempty"`
	AgeMax          *int       `json:"age_max,omitempty"`
	RegistrationURL string     `json:"registration_url,omitempty"`
}

// RegistrationResult is the outcome recorded on an event after registration
// was attempted or routed to a human.
type RegistrationResult struct {
	Outcome     string          `json:"outcome"`
	AdapterID   string          `json:"adapter_id,omitempty"`
	Attempts    int             `json:"attempts"`
	Detail      string          `json:"detail,omitempty"`
	EvidenceRef string          `json:"evidence_ref,omitempty"`
	Fallback    *ManualFallback `json:"fallback,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
	AckByHuman  bool            `json:"ack_by_human,omitempty"`
}

// ManualFallback gives a human a path to complete a registration themselves.
type ManualFallback struct {
	RegistrationURL string `json:"registration_url"`
	CalendarURL     string `json:"calendar_url"`
	ICSPath         string `json:"ics_path"`
	Reason          string `json:"reason"`
}
