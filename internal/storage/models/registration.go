package models

import (
	"sort"
	"time"
)

// RegistrationAttempt records one adapter invocation for an event.
type RegistrationAttempt struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	AdapterID     string    `json:"adapter_id"`
	AttemptNumber int       `json:"attempt_number"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	EvidenceRef   string    `json:"evidence_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Attempt outcome constants
const (
	OutcomeSuccess          = "success"
	OutcomeRetryableFailure = "retryable_failure"
	OutcomePaymentBlocked   = "payment_blocked"
	OutcomeTerminalFailure  = "terminal_failure"
)

// ConflictVerdict is the merged result of checking every configured calendar
// account for overlaps with an event.
type ConflictVerdict struct {
	Blocking      bool                       `json:"blocking"`
	Warning       bool                       `json:"warning"`
	Conflicts     map[string][]CalendarEntry `json:"conflicts,omitempty"`
	Accessible    map[string]bool            `json:"accessible"`
	SystemWarning string                     `json:"system_warning,omitempty"`
	CheckedAt     time.Time                  `json:"checked_at"`

	// Accounts lists the checked account ids in configured order.
	Accounts []string `json:"accounts,omitempty"`
}

// NoVerdict returns true when no account could be reached.
func (v *ConflictVerdict) NoVerdict() bool {
	for _, ok := range v.Accessible {
		if ok {
			return false
		}
	}
	return true
}

// AccountOrder returns the account ids in configured order, or sorted when
// the verdict predates the recorded order.
func (v *ConflictVerdict) AccountOrder() []string {
	if len(v.Accounts) > 0 {
		return v.Accounts
	}
	seen := make(map[string]bool)
	var ids []string
	for id := range v.Accessible {
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range v.Conflicts {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Unreachable returns the accounts that could not be queried, in account order.
func (v *ConflictVerdict) Unreachable() []string {
	var down []string
	for _, id := range v.AccountOrder() {
		if ok, checked := v.Accessible[id]; checked && !ok {
			down = append(down, id)
		}
	}
	return down
}

// EntriesFor returns the conflicting entries of the given accounts, in the
// order the accounts are given.
func (v *ConflictVerdict) EntriesFor(accountIDs ...string) []CalendarEntry {
	var entries []CalendarEntry
	for _, id := range accountIDs {
		entries = append(entries, v.Conflicts[id]...)
	}
	return entries
}

// CalendarEntry is one entry returned by a calendar account.
type CalendarEntry struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"all_day,omitempty"`
}
