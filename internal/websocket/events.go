package websocket

import (
	"log"

	"github.com/family-event-planner/backend/internal/storage/models"
)

// EventBroadcaster handles broadcasting pipeline events. A nil broadcaster
// or one without a hub drops every message.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

// BroadcastStatusChanged sends an event status change.
func (b *EventBroadcaster) BroadcastStatusChanged(event *models.Event, from, to, reason string) {
	b.broadcast(NewMessage(TypeEventStatusChanged, EventStatusPayload{
		EventID:        event.ID,
		Title:          event.Title,
		PreviousStatus: from,
		NewStatus:      to,
		Reason:         reason,
	}))
}

// BroadcastApprovalProposed sends a new pending approval.
func (b *EventBroadcaster) BroadcastApprovalProposed(a *models.PendingApproval) {
	b.broadcast(NewMessage(TypeApprovalProposed, ApprovalPayload{
		ApprovalID:     a.ID,
		EventID:        a.EventID,
		Channel:        a.Channel,
		CorrelationKey: a.CorrelationKey,
	}))
}

// BroadcastApprovalResolved sends the resolution of a pending approval.
func (b *EventBroadcaster) BroadcastApprovalResolved(a *models.PendingApproval, resolution string) {
	b.broadcast(NewMessage(TypeApprovalResolved, ApprovalPayload{
		ApprovalID:     a.ID,
		EventID:        a.EventID,
		Channel:        a.Channel,
		CorrelationKey: a.CorrelationKey,
		Resolution:     resolution,
	}))
}

// BroadcastRegistrationAttempt sends the outcome of one adapter invocation.
func (b *EventBroadcaster) BroadcastRegistrationAttempt(a *models.RegistrationAttempt) {
	b.broadcast(NewMessage(TypeRegistrationAttempt, RegistrationAttemptPayload{
		EventID:       a.EventID,
		AdapterID:     a.AdapterID,
		AttemptNumber: a.AttemptNumber,
		Outcome:       a.Outcome,
		Detail:        a.Detail,
	}))
}

// BroadcastPaymentBlocked raises the operator alert for a payment guard trip.
func (b *EventBroadcaster) BroadcastPaymentBlocked(event *models.Event, url, reason string, signals []string) {
	b.broadcast(NewMessage(TypePaymentBlocked, PaymentBlockedPayload{
		EventID: event.ID,
		Title:   event.Title,
		URL:     url,
		Reason:  reason,
		Signals: signals,
	}))
}

// BroadcastCalendarOutage reports that no calendar account could be reached.
func (b *EventBroadcaster) BroadcastCalendarOutage(eventID string, accessible map[string]bool, message string) {
	b.broadcast(NewMessage(TypeCalendarOutage, CalendarOutagePayload{
		EventID:    eventID,
		Accessible: accessible,
		Message:    message,
	}))
}

// BroadcastDiscoveryCompleted sends the summary of a discovery run.
func (b *EventBroadcaster) BroadcastDiscoveryCompleted(source string, found, created int, err error) {
	payload := DiscoveryPayload{Source: source, Found: found, Created: created}
	if err != nil {
		payload.Error = err.Error()
	}
	b.broadcast(NewMessage(TypeDiscoveryCompleted, payload))
}

// BroadcastNotification sends a notification to all connected clients.
func (b *EventBroadcaster) BroadcastNotification(level, title, message string, action *NotificationAction) {
	b.broadcast(NewMessage(TypeNotification, NotificationPayload{
		Level:       level,
		Title:       title,
		Message:     message,
		Action:      action,
		Dismissible: level != "error",
	}))
}

// broadcast sends a message to all connected clients.
func (b *EventBroadcaster) broadcast(msg Message) {
	if b == nil || b.hub == nil {
		return
	}

	data, err := msg.JSON()
	if err != nil {
		log.Printf("Error encoding WebSocket message: %v", err)
		return
	}

	b.hub.Broadcast(TopicOf(msg.Type), data)
}
