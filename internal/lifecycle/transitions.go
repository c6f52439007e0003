// Package lifecycle owns event status. Every status change goes through the
// Manager, serialized per event and checked against the transition table.
package lifecycle

import (
	"errors"

	"github.com/family-event-planner/backend/internal/storage/models"
)

// ErrInvalidTransition is returned for a status change the table does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[string][]string{
	models.StatusDiscovered:      {models.StatusFiltered, models.StatusIgnored, models.StatusCancelled},
	models.StatusFiltered:        {models.StatusConflictChecked, models.StatusIgnored, models.StatusCancelled},
	models.StatusConflictChecked: {models.StatusProposed, models.StatusIgnored, models.StatusCancelled},
	models.StatusProposed:        {models.StatusApproved, models.StatusRejected, models.StatusExpired, models.StatusCancelled},
	models.StatusApproved:        {models.StatusRegistering, models.StatusManualRequired, models.StatusCancelled},
	models.StatusRegistering: {
		models.StatusRegistered, models.StatusManualRequired, models.StatusPaymentBlocked, models.StatusCancelled,
	},
	// Only a human acknowledging they finished it themselves.
	models.StatusManualRequired: {models.StatusRegistered},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Withdrawable reports whether an event in status can still be cancelled.
func Withdrawable(status string) bool {
	return CanTransition(status, models.StatusCancelled)
}
