package websocket

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeEventStatusChanged  MessageType = "event.status_changed"
	TypeApprovalProposed    MessageType = "approval.proposed"
	TypeApprovalResolved    MessageType = "approval.resolved"
	TypeRegistrationAttempt MessageType = "registration.attempt"
	TypePaymentBlocked      MessageType = "safety.payment_blocked"
	TypeCalendarOutage      MessageType = "calendar.outage"
	TypeDiscoveryCompleted  MessageType = "discovery.completed"
	TypeNotification        MessageType = "notification"

	// Client -> Server command types
	TypePing      MessageType = "ping"
	TypeSubscribe MessageType = "subscribe"

	// Server -> Client response types
	TypePong       MessageType = "pong"
	TypeSubscribed MessageType = "subscribed"
	TypeError      MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// EventStatusPayload is the payload for event.status_changed events.
type EventStatusPayload struct {
	EventID        string `json:"event_id"`
	Title          string `json:"title"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	Reason         string `json:"reason,omitempty"`
}

// ApprovalPayload is the payload for approval.* events.
type ApprovalPayload struct {
	ApprovalID     string `json:"approval_id"`
	EventID        string `json:"event_id"`
	Channel        string `json:"channel"`
	CorrelationKey string `json:"correlation_key"`
	Resolution     string `json:"resolution,omitempty"`
}

// RegistrationAttemptPayload is the payload for registration.attempt events.
type RegistrationAttemptPayload struct {
	EventID       string `json:"event_id"`
	AdapterID     string `json:"adapter_id"`
	AttemptNumber int    `json:"attempt_number"`
	Outcome       string `json:"outcome"`
	Detail        string `json:"detail,omitempty"`
}

// PaymentBlockedPayload is the payload for safety.payment_blocked alerts.
type PaymentBlockedPayload struct {
	EventID string   `json:"event_id"`
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Reason  string   `json:"reason"`
	Signals []string `json:"signals"`
}

// CalendarOutagePayload is the payload for calendar.outage alerts.
type CalendarOutagePayload struct {
	EventID    string          `json:"event_id,omitempty"`
	Accessible map[string]bool `json:"accessible"`
	Message    string          `json:"message"`
}

// DiscoveryPayload is the payload for discovery.completed events.
type DiscoveryPayload struct {
	Source  string `json:"source"`
	Found   int    `json:"found"`
	Created int    `json:"created"`
	Error   string `json:"error,omitempty"`
}

// NotificationPayload is the payload for notification events.
type NotificationPayload struct {
	Level       string              `json:"level"` // info, warning, error, success
	Title       string              `json:"title"`
	Message     string              `json:"message"`
	Action      *NotificationAction `json:"action,omitempty"`
	Dismissible bool                `json:"dismissible"`
}

// NotificationAction is an optional link attached to a notification.
type NotificationAction struct {
	Type  string `json:"type"` // "link"
	Label string `json:"label"`
	URL   string `json:"url"`
}

// SubscribedPayload confirms the topics a client now receives. Empty
// means every topic.
type SubscribedPayload struct {
	Topics []string `json:"topics"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}
