package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/family-event-planner/backend/internal/classifier"
	"github.com/family-event-planner/backend/internal/storage"
	"github.com/family-event-planner/backend/internal/storage/models"
)

type sentMessage struct {
	To  Contact
	Msg Message
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, to Contact, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentMessage{To: to, Msg: msg})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

var parent = Contact{Name: "Parent", Channel: models.ChannelSMS, Address: "+1 (555) 010-0100"}

func newTestGateway(t *testing.T) (*Gateway, *storage.Store, *fakeTransport) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.DB.Close() })

	transport := &fakeTransport{}
	gw := NewGateway(store, transport, NewRenderer(time.UTC), nil, Config{
		DecisionMaker: parent,
		Operators:     []Contact{{Channel: models.ChannelEmail, Address: "ops@example.org"}},
	}, time.Hour, 2)
	return gw, store, transport
}

func addEvent(t *testing.T, store *storage.Store, sourceID, title string) *models.Event {
	t.Helper()
	event, _, err := store.Events.Upsert(context.Background(), models.DiscoveredEvent{
		Source:          "library",
		SourceID:        sourceID,
		Title:           title,
		Start:           time.Date(2026, 11, 7, 10, 0, 0, 0, time.UTC),
		Location:        "Main Branch",
		RegistrationURL: "https://library.example/e/" + sourceID,
	})
	require.NoError(t, err)
	return event
}

func TestProposeSendsQuestionWithRef(t *testing.T) {
	gw, store, transport := newTestGateway(t)
	ctx := context.Background()
	event := addEvent(t, store, "a", "Story Time")

	approval, err := gw.Propose(ctx, event, &models.ConflictVerdict{
		Warning:   true,
		Conflicts: map[string][]models.CalendarEntry{"partner": {{Title: "Soccer", Start: event.Start}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "+15550100100", approval.Destination)
	assert.Equal(t, "msg-1", approval.MessageID)
	require.Len(t, transport.messages(), 1)
	body := transport.messages()[0].Msg.Body
	assert.Contains(t, body, "Story Time")
	assert.Contains(t, body, "ref "+approval.CorrelationKey)
	assert.Contains(t, body, "Soccer")

	again, err := gw.Propose(ctx, event, nil)
	require.NoError(t, err)
	assert.Equal(t, approval.ID, again.ID)
	assert.Len(t, transport.messages(), 1, "an unresolved approval is never re-sent")
}

func TestProposeSendFailureReleasesApproval(t *testing.T) {
	gw, store, transport := newTestGateway(t)
	ctx := context.Background()
	event := addEvent(t, store, "b", "Zoo Day")

	transport.err = errors.New("gateway down")
	_, err := gw.Propose(ctx, event, nil)
	require.Error(t, err)

	_, err = store.Approvals.GetUnresolvedForEvent(ctx, event.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	transport.err = nil
	approval, err := gw.Propose(ctx, event, nil)
	require.NoError(t, err)
	assert.False(t, approval.Resolved)
}

func TestInterpretMatching(t *testing.T) {
	gw, store, _ := newTestGateway(t)
	ctx := context.Background()

	story, err := gw.Propose(ctx, addEvent(t, store, "c", "Story Time"), nil)
	require.NoError(t, err)

	// Single open question: matched by sender.
	interp, err := gw.Interpret(ctx, Reply{Channel: models.ChannelSMS, From: "+15550100100", Text: "Yes!"})
	require.NoError(t, err)
	require.NotNil(t, interp.Approval)
	assert.Equal(t, story.ID, interp.Approval.ID)
	assert.Equal(t, classifier.IntentApprove, interp.Result.Intent)

	zoo, err := gw.Propose(ctx, addEvent(t, store, "d", "Zoo Day"), nil)
	require.NoError(t, err)

	// Two open questions without a ref: ambiguous.
	interp, err = gw.Interpret(ctx, Reply{Channel: models.ChannelSMS, From: "+15550100100", Text: "no"})
	require.NoError(t, err)
	assert.Nil(t, interp.Approval)
	assert.Len(t, interp.Ambiguous, 2)

	// The ref picks one, and does not disturb classification.
	interp, err = gw.Interpret(ctx, Reply{
		Channel: models.ChannelSMS, From: "+15550100100",
		Text: "no ref " + zoo.CorrelationKey,
	})
	require.NoError(t, err)
	require.NotNil(t, interp.Approval)
	assert.Equal(t, zoo.ID, interp.Approval.ID)
	assert.Equal(t, classifier.Result{Intent: classifier.IntentReject, Confidence: classifier.ConfidenceHigh}, interp.Result)

	// Replying to the transport message id also picks one.
	interp, err = gw.Interpret(ctx, Reply{
		Channel: models.ChannelSMS, From: "+15550100100", Text: "yes", MessageID: story.MessageID,
	})
	require.NoError(t, err)
	require.NotNil(t, interp.Approval)
	assert.Equal(t, story.ID, interp.Approval.ID)

	// A stranger quoting a valid ref is not matched to it.
	interp, err = gw.Interpret(ctx, Reply{
		Channel: models.ChannelSMS, From: "+15559999999", Text: "yes " + zoo.CorrelationKey,
	})
	require.NoError(t, err)
	assert.Nil(t, interp.Approval)
}

func TestInterpretFallsBackToLatestResolved(t *testing.T) {
	gw, store, _ := newTestGateway(t)
	ctx := context.Background()

	approval, err := gw.Propose(ctx, addEvent(t, store, "e", "Museum"), nil)
	require.NoError(t, err)
	ok, err := gw.Resolve(ctx, approval, models.ResolutionApproved)
	require.NoError(t, err)
	require.True(t, ok)

	interp, err := gw.Interpret(ctx, Reply{Channel: models.ChannelSMS, From: "+15550100100", Text: "done"})
	require.NoError(t, err)
	require.NotNil(t, interp.Approval)
	assert.Equal(t, approval.ID, interp.Approval.ID)
	assert.Equal(t, classifier.IntentPaymentConfirm, interp.Result.Intent)

	ok, err = gw.Resolve(ctx, approval, models.ResolutionRejected)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepromptIsCapped(t *testing.T) {
	gw, store, transport := newTestGateway(t)
	ctx := context.Background()

	approval, err := gw.Propose(ctx, addEvent(t, store, "f", "Concert"), nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, gw.Reprompt(ctx, approval))
	}

	// One proposal plus two re-prompts.
	msgs := transport.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1].Msg.Body, "ref "+approval.CorrelationKey)
	assert.Equal(t, approval.MessageID, msgs[1].Msg.InReplyTo)
}

func TestAlertReachesOperators(t *testing.T) {
	gw, _, transport := newTestGateway(t)

	gw.Alert(context.Background(), "SAFETY: payment guard tripped", "card field on page")

	msgs := transport.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ops@example.org", msgs[0].To.Address)
	assert.Contains(t, msgs[0].Msg.Body, "card field")
}

func TestSendManualFallbackUsesLatestApproval(t *testing.T) {
	gw, store, transport := newTestGateway(t)
	ctx := context.Background()
	event := addEvent(t, store, "g", "Swim Lesson")

	approval, err := gw.Propose(ctx, event, nil)
	require.NoError(t, err)

	require.NoError(t, gw.SendManualFallback(ctx, event, &models.ManualFallback{
		RegistrationURL: event.RegistrationURL,
		CalendarURL:     "https://calendar.example/add",
		Reason:          "form changed",
	}))

	msgs := transport.messages()
	require.Len(t, msgs, 2)
	body := msgs[1].Msg.Body
	assert.Contains(t, body, event.RegistrationURL)
	assert.Contains(t, body, "form changed")
	assert.Contains(t, body, "ref "+approval.CorrelationKey)
}

func TestInterpretIgnoresQuotedProposalInEmail(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "email.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.DB.Close() })

	transport := &fakeTransport{}
	gw := NewGateway(store, transport, NewRenderer(time.UTC), nil, Config{
		DecisionMaker: Contact{Name: "Parent", Channel: models.ChannelEmail, Address: "parent@example.org"},
	}, time.Hour, 2)
	ctx := context.Background()

	approval, err := gw.Propose(ctx, addEvent(t, store, "q", "Story Time"), nil)
	require.NoError(t, err)
	proposal := transport.messages()[0].Msg.Body
	require.Contains(t, proposal, "Reply YES to sign up or NO to skip")

	quoted := "> " + strings.ReplaceAll(strings.TrimSpace(proposal), "\n", "\n> ")

	tests := []struct {
		name string
		text string
		want classifier.Intent
	}{
		{"gmail style", "Yes!\n\nOn Mon, Nov 2, 2026 at 9:00 AM Family Planner <planner@example.org>\nwrote:\n\n" + quoted, classifier.IntentApprove},
		{"single line attribution", "no thanks\r\n\r\nOn Mon, Nov 2, 2026, Planner wrote:\r\n" + quoted, classifier.IntentReject},
		{"outlook separator", "Sure\n\n-----Original Message-----\nFrom: Planner\nSent: Monday\n\n" + proposal, classifier.IntentApprove},
		{"bare quote", "yes\n" + quoted, classifier.IntentApprove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp, err := gw.Interpret(ctx, Reply{
				Channel: models.ChannelEmail,
				From:    "Parent <Parent@example.org>",
				Text:    tt.text,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, interp.Result.Intent)
			require.NotNil(t, interp.Approval)
			assert.Equal(t, approval.ID, interp.Approval.ID)
		})
	}
}
