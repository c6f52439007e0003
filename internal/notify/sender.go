// Package notify sends proposals and alerts to people over email and SMS and
// matches their replies back to the question they answer.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/family-event-planner/backend/internal/metrics"
	"github.com/family-event-planner/backend/internal/storage/models"
)

// ErrNoSender is returned when no transport is configured for a channel.
var ErrNoSender = errors.New("no sender configured for channel")

// Message is a rendered outbound message.
type Message struct {
	Subject   string
	Body      string
	InReplyTo string
}

// Sender delivers a message to a destination and returns the transport
// message id.
type Sender interface {
	Send(ctx context.Context, destination string, msg Message) (string, error)
}

// Contact is a person reachable on one channel.
type Contact struct {
	Name    string `yaml:"name" json:"name,omitempty"`
	Channel string `yaml:"channel" json:"channel"`
	Address string `yaml:"address" json:"address"`
}

// Validate checks the contact has a known channel and an address.
func (c Contact) Validate() error {
	if c.Channel != models.ChannelEmail && c.Channel != models.ChannelSMS {
		return fmt.Errorf("unknown channel %q", c.Channel)
	}
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("address is required")
	}
	return nil
}

// Router dispatches messages to the sender registered for a channel.
type Router struct {
	senders map[string]Sender
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register sets the sender for a channel.
func (r *Router) Register(channel string, s Sender) {
	r.senders[channel] = s
}

// Send delivers msg to the contact over its channel.
func (r *Router) Send(ctx context.Context, to Contact, msg Message) (string, error) {
	s, ok := r.senders[to.Channel]
	if !ok {
		metrics.MessagesSent.WithLabelValues(to.Channel, "no_sender").Inc()
		return "", fmt.Errorf("%w: %s", ErrNoSender, to.Channel)
	}

	id, err := s.Send(ctx, to.Address, msg)
	if err != nil {
		metrics.MessagesSent.WithLabelValues(to.Channel, "error").Inc()
		return "", fmt.Errorf("sending %s to %s: %w", to.Channel, to.Address, err)
	}

	metrics.MessagesSent.WithLabelValues(to.Channel, "ok").Inc()
	return id, nil
}

// LogSender writes messages to the log instead of delivering them. Used when
// a channel has no transport configured.
type LogSender struct {
	Channel string
}

// Send logs the message and returns a generated id.
func (s LogSender) Send(ctx context.Context, destination string, msg Message) (string, error) {
	id := uuid.NewString()
	log.Printf("Message %s via %s to %s: %s\n%s", id, s.Channel, destination, msg.Subject, msg.Body)
	return id, nil
}
