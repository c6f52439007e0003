package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/family-event-planner/backend/internal/classifier"
	"github.com/family-event-planner/backend/internal/metrics"
	"github.com/family-event-planner/backend/internal/storage"
	"github.com/family-event-planner/backend/internal/storage/models"
	"github.com/family-event-planner/backend/internal/websocket"
)

const maxKeyAttempts = 8

// Transport delivers a message to a contact.
type Transport interface {
	Send(ctx context.Context, to Contact, msg Message) (string, error)
}

// Config holds who the gateway talks to.
type Config struct {
	DecisionMaker Contact    `yaml:"decision_maker"`
	Operators     []Contact  `yaml:"operators"`
	SMTP          SMTPConfig `yaml:"smtp"`
	SMS           SMSConfig  `yaml:"sms"`
}

// Reply is an inbound message from a person.
type Reply struct {
	Channel   string
	From      string
	Text      string
	MessageID string // id of the message being replied to, when the transport provides one
}

// Interpretation is a reply matched to its approval and classified.
type Interpretation struct {
	Approval  *models.PendingApproval
	Result    classifier.Result
	Ambiguous []models.PendingApproval
}

// Gateway sends proposals and interprets replies. It owns pending approval
// records; event status stays with the lifecycle manager.
type Gateway struct {
	approvals     *storage.ApprovalRepository
	events        *storage.EventRepository
	transport     Transport
	renderer      *Renderer
	broadcaster   *websocket.EventBroadcaster
	decisionMaker Contact
	operators     []Contact
	expiry        time.Duration
	maxReprompts  int
	now           func() time.Time
}

// NewGateway creates a notification gateway.
func NewGateway(
	store *storage.Store,
	transport Transport,
	renderer *Renderer,
	broadcaster *websocket.EventBroadcaster,
	config Config,
	expiry time.Duration,
	maxReprompts int,
) *Gateway {
	if expiry <= 0 {
		expiry = 48 * time.Hour
	}
	return &Gateway{
		approvals:     store.Approvals,
		events:        store.Events,
		transport:     transport,
		renderer:      renderer,
		broadcaster:   broadcaster,
		decisionMaker: config.DecisionMaker,
		operators:     config.Operators,
		expiry:        expiry,
		maxReprompts:  maxReprompts,
		now:           time.Now,
	}
}

// Propose records a pending approval for the event and sends the question.
// If the event already has an unresolved approval it is returned unchanged
// and nothing is sent.
func (g *Gateway) Propose(ctx context.Context, event *models.Event, verdict *models.ConflictVerdict) (*models.PendingApproval, error) {
	existing, err := g.approvals.GetUnresolvedForEvent(ctx, event.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := g.now().UTC()
	approval := &models.PendingApproval{
		EventID:     event.ID,
		Channel:     g.decisionMaker.Channel,
		Destination: NormalizeAddress(g.decisionMaker.Channel, g.decisionMaker.Address),
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.expiry),
	}

	created := false
	for i := 0; i < maxKeyAttempts && !created; i++ {
		key, err := NewCorrelationKey()
		if err != nil {
			return nil, fmt.Errorf("generating correlation key: %w", err)
		}
		approval.ID = ""
		approval.CorrelationKey = key

		err = g.approvals.Create(ctx, approval)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, storage.ErrDuplicateKey):
			continue
		case errors.Is(err, storage.ErrUnresolvedExists):
			return g.approvals.GetUnresolvedForEvent(ctx, event.ID)
		default:
			return nil, fmt.Errorf("creating approval: %w", err)
		}
	}
	if !created {
		return nil, errors.New("could not allocate a unique correlation key")
	}

	msg := g.renderer.Proposal(event, verdict, approval.CorrelationKey, approval.Channel)
	messageID, err := g.transport.Send(ctx, g.decisionMaker, msg)
	if err != nil {
		// Free the slot so a later cycle can propose again.
		if _, rerr := g.approvals.Resolve(ctx, approval.ID, models.ResolutionSendFailed, g.now()); rerr != nil {
			log.Printf("Approval %s: failed to release after send error: %v", approval.ID, rerr)
		}
		return nil, fmt.Errorf("sending proposal: %w", err)
	}

	if messageID != "" {
		approval.MessageID = messageID
		if err := g.approvals.SetMessageID(ctx, approval.ID, messageID); err != nil {
			log.Printf("Approval %s: failed to record message id: %v", approval.ID, err)
		}
	}

	log.Printf("Event %s: proposed via %s (ref %s, expires %s)",
		event.ID, approval.Channel, approval.CorrelationKey, approval.ExpiresAt.Format(time.RFC3339))
	g.broadcaster.BroadcastApprovalProposed(approval)

	return approval, nil
}

// Resolve marks an approval resolved. Returns false if it was already resolved.
func (g *Gateway) Resolve(ctx context.Context, approval *models.PendingApproval, resolution string) (bool, error) {
	ok, err := g.approvals.Resolve(ctx, approval.ID, resolution, g.now())
	if err != nil {
		return false, err
	}
	if ok {
		metrics.ApprovalsResolved.WithLabelValues(resolution).Inc()
		g.broadcaster.BroadcastApprovalResolved(approval, resolution)
	}
	return ok, nil
}

// Interpret matches a reply to its approval and classifies the text.
//
// Matching tries, in order: a correlation key typed in the reply, the id of
// the message being replied to, and finally the sender's only unresolved
// approval. More than one unresolved approval without a key is ambiguous.
// Matches must come from the address the question was sent to.
func (g *Gateway) Interpret(ctx context.Context, reply Reply) (*Interpretation, error) {
	from := NormalizeAddress(reply.Channel, reply.From)

	// Email clients quote the proposal, which holds both YES and NO.
	written := reply.Text
	if reply.Channel == models.ChannelEmail {
		written = StripQuotedReply(reply.Text)
	}

	result := classifier.Classify(StripCorrelationKeys(written))
	metrics.RepliesClassified.WithLabelValues(string(result.Intent)).Inc()

	interp := &Interpretation{Result: result}

	// Keys the sender typed win over the ref in the quoted proposal.
	keys := append(FindCorrelationKeys(written), FindCorrelationKeys(reply.Text)...)
	for _, key := range keys {
		a, err := g.approvals.GetByCorrelationKey(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Destination != from {
			log.Printf("Reply from %s quoted ref %s belonging to another destination; ignoring ref", from, key)
			continue
		}
		interp.Approval = a
		return interp, nil
	}

	if reply.MessageID != "" {
		a, err := g.approvals.GetByMessageID(ctx, reply.MessageID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err == nil && a.Destination == from {
			interp.Approval = a
			return interp, nil
		}
	}

	pending, err := g.approvals.ListUnresolvedForDestination(ctx, from)
	if err != nil {
		return nil, err
	}
	switch len(pending) {
	case 1:
		interp.Approval = &pending[0]
		return interp, nil
	case 0:
		latest, err := g.approvals.LatestForDestination(ctx, from)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			interp.Approval = latest
		}
		return interp, nil
	default:
		interp.Ambiguous = pending
		return interp, nil
	}
}

// Reprompt asks again after an unclear reply. Once the approval has been
// re-prompted maxReprompts times further unclear replies are left pending
// silently.
func (g *Gateway) Reprompt(ctx context.Context, approval *models.PendingApproval) error {
	n, err := g.approvals.IncrementReprompts(ctx, approval.ID)
	if err != nil {
		return err
	}
	if n > g.maxReprompts {
		log.Printf("Approval %s: unclear reply after %d re-prompts, leaving pending", approval.ID, g.maxReprompts)
		return nil
	}

	event, err := g.events.GetByID(ctx, approval.EventID)
	if err != nil {
		return fmt.Errorf("loading event: %w", err)
	}

	msg := g.renderer.Reprompt(event, approval.CorrelationKey)
	msg.InReplyTo = approval.MessageID
	_, err = g.transport.Send(ctx, contactFor(approval), msg)
	return err
}

// AskWhich replies to a sender with several open questions, listing their refs.
func (g *Gateway) AskWhich(ctx context.Context, reply Reply, pending []models.PendingApproval) error {
	refs := make([]pendingRef, 0, len(pending))
	for _, a := range pending {
		title := a.EventID
		if event, err := g.events.GetByID(ctx, a.EventID); err == nil {
			title = event.Title
		}
		refs = append(refs, pendingRef{Key: a.CorrelationKey, Title: title})
	}

	_, err := g.transport.Send(ctx, Contact{Channel: reply.Channel, Address: reply.From}, g.renderer.Ambiguous(refs))
	return err
}

// SendManualFallback hands the registration to the decision maker.
func (g *Gateway) SendManualFallback(ctx context.Context, event *models.Event, fallback *models.ManualFallback) error {
	to, key, inReplyTo := g.decisionMaker, "", ""
	if approvals, err := g.approvals.ListByEvent(ctx, event.ID); err == nil && len(approvals) > 0 {
		to = contactFor(&approvals[0])
		key, inReplyTo = approvals[0].CorrelationKey, approvals[0].MessageID
	}

	msg := g.renderer.ManualFallback(event, fallback, key)
	msg.InReplyTo = inReplyTo
	_, err := g.transport.Send(ctx, to, msg)
	return err
}

// SendRegistered confirms a completed registration.
func (g *Gateway) SendRegistered(ctx context.Context, event *models.Event) error {
	_, err := g.transport.Send(ctx, g.decisionMaker, g.renderer.Registered(event))
	return err
}

// SendCancelled tells the decision maker an event was withdrawn.
func (g *Gateway) SendCancelled(ctx context.Context, event *models.Event) error {
	_, err := g.transport.Send(ctx, g.decisionMaker, g.renderer.Cancelled(event))
	return err
}

// Alert notifies operators over the websocket hub and every configured contact.
// Delivery failures are logged; an alert never fails the caller.
func (g *Gateway) Alert(ctx context.Context, title, detail string) {
	g.broadcaster.BroadcastNotification("error", title, detail, nil)

	msg := g.renderer.Alert(title, detail)
	for _, op := range g.operators {
		if _, err := g.transport.Send(ctx, op, msg); err != nil {
			log.Printf("Failed to alert operator %s: %v", op.Address, err)
		}
	}
}

func contactFor(a *models.PendingApproval) Contact {
	return Contact{Channel: a.Channel, Address: a.Destination}
}

// NormalizeAddress reduces an address to the form stored on approvals:
// bare lower-case email addresses and phone numbers without punctuation.
func NormalizeAddress(channel, address string) string {
	address = strings.TrimSpace(address)
	switch channel {
	case models.ChannelEmail:
		if parsed, err := mail.ParseAddress(address); err == nil {
			address = parsed.Address
		}
		return strings.ToLower(address)
	case models.ChannelSMS:
		var b strings.Builder
		if strings.HasPrefix(address, "+") {
			b.WriteByte('+')
		}
		for _, r := range address {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return address
}
