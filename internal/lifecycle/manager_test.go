package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/family-event-planner/backend/internal/discovery"
	"github.com/family-event-planner/backend/internal/notify"
	"github.com/family-event-planner/backend/internal/registration"
	"github.com/family-event-planner/backend/internal/storage"
	"github.com/family-event-planner/backend/internal/storage/models"
)

const parentPhone = "+15550100"

type fakeTransport struct {
	mu   sync.Mutex
	sent []notify.Contact
	body []string
}

func (f *fakeTransport) Send(_ context.Context, to notify.Contact, msg notify.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	f.body = append(f.body, msg.Body)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeTransport) sentTo(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		if c.Address == address {
			n++
		}
	}
	return n
}

type fakeChecker struct {
	mu      sync.Mutex
	verdict models.ConflictVerdict
	calls   int
}

func (f *fakeChecker) Check(_ context.Context, _, _ time.Time, _ int) *models.ConflictVerdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v := f.verdict
	if v.Accessible == nil {
		v.Accessible = map[string]bool{"parent": true, "partner": true}
	}
	return &v
}

func (f *fakeChecker) set(v models.ConflictVerdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdict = v
}

type fakeRegistrar struct {
	calls   atomic.Int32
	outcome string
	err     error
}

func (f *fakeRegistrar) Register(_ context.Context, event *models.Event) (*registration.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	outcome := f.outcome
	if outcome == "" {
		outcome = models.OutcomeSuccess
	}
	reg := &models.RegistrationResult{Outcome: outcome, AdapterID: "generic", Attempts: 1, CompletedAt: time.Now()}
	if outcome != models.OutcomeSuccess {
		reg.Fallback = f.Fallback(event, "automation failed")
	}
	return &registration.Result{Registration: reg}, nil
}

func (f *fakeRegistrar) Fallback(event *models.Event, reason string) *models.ManualFallback {
	return &models.ManualFallback{RegistrationURL: event.RegistrationURL, ICSPath: "/api/events/" + event.ID + "/calendar.ics", Reason: reason}
}

type env struct {
	manager   *Manager
	store     *storage.Store
	transport *fakeTransport
	checker   *fakeChecker
	registrar *fakeRegistrar
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithConfig(t, Config{Workers: 2, BufferMinutes: 15})
}

func newEnvWithConfig(t *testing.T, config Config) *env {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "lifecycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.DB.Close() })

	e := &env{
		store:     store,
		transport: &fakeTransport{},
		checker:   &fakeChecker{},
		registrar: &fakeRegistrar{},
	}
	gateway := notify.NewGateway(store, e.transport, notify.NewRenderer(time.UTC), nil, notify.Config{
		DecisionMaker: notify.Contact{Name: "Parent", Channel: models.ChannelSMS, Address: parentPhone},
		Operators:     []notify.Contact{{Channel: models.ChannelEmail, Address: "ops@example.org"}},
	}, time.Hour, 2)

	profile := registration.FamilyProfile{
		ParentFirstName: "Dana",
		Children:        []registration.Child{{FirstName: "Milo", Birthdate: time.Now().AddDate(-5, 0, -10)}},
	}
	e.manager = NewManager(store, e.checker, gateway, e.registrar, nil, profile, config)

	ctx, cancel := context.WithCancel(context.Background())
	e.manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.manager.Stop()
	})
	return e
}

func (e *env) ingest(t *testing.T, sourceID string, cost float64) *models.Event {
	t.Helper()
	event, created, err := e.manager.Ingest(context.Background(), models.DiscoveredEvent{
		Source:          "library",
		SourceID:        sourceID,
		Title:           "Story Time " + sourceID,
		Start:           time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second),
		Cost:            cost,
		RegistrationURL: "https://library.example/e/" + sourceID,
	})
	require.NoError(t, err)
	require.True(t, created)
	e.manager.Wait()
	return event
}

func (e *env) reply(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, e.manager.HandleReply(context.Background(), notify.Reply{
		Channel: models.ChannelSMS,
		From:    parentPhone,
		Text:    text,
	}))
	e.manager.Wait()
}

func (e *env) status(t *testing.T, id string) string {
	t.Helper()
	event, err := e.store.Events.GetByID(context.Background(), id)
	require.NoError(t, err)
	return event.Status
}

func (e *env) history(t *testing.T, id string) []string {
	t.Helper()
	changes, err := e.store.Events.History(context.Background(), id)
	require.NoError(t, err)
	statuses := make([]string, 0, len(changes))
	for _, c := range changes {
		statuses = append(statuses, c.ToStatus)
	}
	return statuses
}

func TestFreeEventApprovedAndRegistered(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "free", 0)
	assert.Equal(t, models.StatusProposed, e.status(t, event.ID))
	assert.Equal(t, 1, e.transport.sentTo(parentPhone))

	e.reply(t, "yes")

	assert.Equal(t, models.StatusRegistered, e.status(t, event.ID))
	assert.Equal(t, []string{
		models.StatusDiscovered,
		models.StatusFiltered,
		models.StatusConflictChecked,
		models.StatusProposed,
		models.StatusApproved,
		models.StatusRegistering,
		models.StatusRegistered,
	}, e.history(t, event.ID))
	assert.Equal(t, int32(1), e.registrar.calls.Load())
}

func TestPricedEventNeverEntersRegistering(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "priced", 15)
	e.reply(t, "Y")

	assert.Equal(t, models.StatusManualRequired, e.status(t, event.ID))
	assert.NotContains(t, e.history(t, event.ID), models.StatusRegistering)
	assert.Equal(t, int32(0), e.registrar.calls.Load())

	loaded, err := e.store.Events.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.RegistrationResult)
	require.NotNil(t, loaded.RegistrationResult.Fallback)
	assert.Contains(t, loaded.RegistrationResult.Detail, "15.00")

	e.reply(t, "paid")
	loaded, err = e.store.Events.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRegistered, loaded.Status)
	assert.True(t, loaded.RegistrationResult.AckByHuman)
}

func TestReplyAfterExpiryIsIgnored(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "late", 0)

	e.manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := e.manager.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusExpired, e.status(t, event.ID))
	before := e.history(t, event.ID)

	e.reply(t, "yes")
	assert.Equal(t, models.StatusExpired, e.status(t, event.ID))
	assert.Equal(t, before, e.history(t, event.ID))
	assert.Equal(t, int32(0), e.registrar.calls.Load())

	n, err = e.manager.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestResolvingTwiceIsIdempotent(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "twice", 0)

	approval, err := e.store.Approvals.GetUnresolvedForEvent(context.Background(), event.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.manager.ResolveApproval(context.Background(), approval.ID, models.ResolutionApproved))
		}()
	}
	wg.Wait()
	e.manager.Wait()

	history := e.history(t, event.ID)
	require.NoError(t, e.manager.ResolveApproval(context.Background(), approval.ID, models.ResolutionRejected))
	e.manager.Wait()

	assert.Equal(t, history, e.history(t, event.ID))
	assert.Equal(t, models.StatusRegistered, e.status(t, event.ID))
	assert.Equal(t, int32(1), e.registrar.calls.Load())
}

func TestRejectReply(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "nope", 0)
	e.reply(t, "not now")
	assert.Equal(t, models.StatusRejected, e.status(t, event.ID))
}

func TestUnclearReplyLeavesApprovalPending(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "hmm", 0)
	e.reply(t, "yes no")
	assert.Equal(t, models.StatusProposed, e.status(t, event.ID))
	assert.Equal(t, 2, e.transport.sentTo(parentPhone), "one re-prompt")
}

func TestBlockingConflictIsNotProposed(t *testing.T) {
	e := newEnv(t)
	e.checker.set(models.ConflictVerdict{Blocking: true})
	event := e.ingest(t, "busy", 0)

	assert.Equal(t, models.StatusConflictChecked, e.status(t, event.ID))
	assert.Equal(t, 0, e.transport.sentTo(parentPhone))

	// The conflict cleared; the next discovery cycle proposes it.
	e.checker.set(models.ConflictVerdict{})
	_, created, err := e.manager.Ingest(context.Background(), models.DiscoveredEvent{
		Source: "library", SourceID: "busy", Title: "Story Time busy",
		Start: event.Start, RegistrationURL: event.RegistrationURL,
	})
	require.NoError(t, err)
	assert.False(t, created)
	e.manager.Wait()
	assert.Equal(t, models.StatusProposed, e.status(t, event.ID))
}

func TestRedrivenEventIsFilteredAgain(t *testing.T) {
	e := newEnv(t)
	e.checker.set(models.ConflictVerdict{Blocking: true})
	event := e.ingest(t, "moved", 0)
	require.Equal(t, models.StatusConflictChecked, e.status(t, event.ID))

	// The library narrowed the class to teens after the first check.
	e.checker.set(models.ConflictVerdict{})
	minAge, maxAge := 12, 17
	_, created, err := e.manager.Ingest(context.Background(), models.DiscoveredEvent{
		Source: "library", SourceID: "moved", Title: "Story Time moved",
		Start: event.Start, RegistrationURL: event.RegistrationURL,
		AgeMin: &minAge, AgeMax: &maxAge,
	})
	require.NoError(t, err)
	assert.False(t, created)
	e.manager.Wait()

	assert.Equal(t, models.StatusIgnored, e.status(t, event.ID))
	assert.Equal(t, 0, e.transport.sentTo(parentPhone))
	assert.Equal(t, []string{
		models.StatusDiscovered, models.StatusFiltered, models.StatusConflictChecked, models.StatusIgnored,
	}, e.history(t, event.ID))
}

func TestConflictAfterApprovalRoutesToHuman(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "changed", 0)
	e.checker.set(models.ConflictVerdict{Blocking: true})

	e.reply(t, "yes")
	assert.Equal(t, models.StatusManualRequired, e.status(t, event.ID))
	assert.Equal(t, int32(0), e.registrar.calls.Load())
}

func TestWarningAfterProposalKeepsApproval(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "warn", 0)
	e.checker.set(models.ConflictVerdict{Warning: true})

	e.reply(t, "sure")
	assert.Equal(t, models.StatusRegistered, e.status(t, event.ID))
}

func TestRetriesExhaustedEndInManualRequired(t *testing.T) {
	e := newEnv(t)
	e.registrar.outcome = models.OutcomeRetryableFailure
	event := e.ingest(t, "flaky", 0)

	e.reply(t, "yes")
	assert.Equal(t, models.StatusManualRequired, e.status(t, event.ID))
	assert.Equal(t, 2, e.transport.sentTo(parentPhone), "proposal plus manual link")
}

func TestPaymentBlockedAlertsOperators(t *testing.T) {
	e := newEnv(t)
	e.registrar.outcome = models.OutcomePaymentBlocked
	event := e.ingest(t, "paywall", 0)

	e.reply(t, "yes")
	assert.Equal(t, models.StatusPaymentBlocked, e.status(t, event.ID))
	assert.Equal(t, 1, e.transport.sentTo("ops@example.org"))
}

func TestRegistrarErrorDoesNotStrandEvent(t *testing.T) {
	e := newEnv(t)
	e.registrar.err = fmt.Errorf("database is locked")
	event := e.ingest(t, "broken", 0)

	e.reply(t, "yes")
	assert.Equal(t, models.StatusManualRequired, e.status(t, event.ID))
}

func TestWithdrawProposedEvent(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "withdrawn", 0)

	withdrawn, err := e.manager.Withdraw(context.Background(), event.ID, "venue cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, withdrawn.Status)

	_, err = e.store.Approvals.GetUnresolvedForEvent(context.Background(), event.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	e.reply(t, "yes")
	assert.Equal(t, models.StatusCancelled, e.status(t, event.ID))

	_, err = e.manager.Withdraw(context.Background(), event.ID, "again")
	assert.NoError(t, err)
}

func TestCancelReply(t *testing.T) {
	e := newEnv(t)
	event := e.ingest(t, "calloff", 0)
	e.reply(t, "cancel")
	assert.Equal(t, models.StatusCancelled, e.status(t, event.ID))
}

func TestFilterStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	past, _, err := e.manager.Ingest(ctx, models.DiscoveredEvent{
		Source: "library", SourceID: "past", Title: "Yesterday",
		Start: time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	minAge, maxAge := 12, 17
	older, _, err := e.manager.Ingest(ctx, models.DiscoveredEvent{
		Source: "library", SourceID: "teens", Title: "Teen Club",
		Start: time.Now().Add(48 * time.Hour), AgeMin: &minAge, AgeMax: &maxAge,
	})
	require.NoError(t, err)
	e.manager.Wait()

	assert.Equal(t, models.StatusIgnored, e.status(t, past.ID))
	assert.Equal(t, models.StatusIgnored, e.status(t, older.ID))
}

func TestTransitionRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	event := e.ingest(t, "rules", 0)

	same, err := e.manager.Transition(ctx, event.ID, models.StatusProposed, "again")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProposed, same.Status)

	_, err = e.manager.Transition(ctx, event.ID, models.StatusRegistered, "skip ahead")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.True(t, CanTransition(models.StatusManualRequired, models.StatusRegistered))
	assert.False(t, CanTransition(models.StatusPaymentBlocked, models.StatusRegistering))
	assert.False(t, CanTransition(models.StatusExpired, models.StatusApproved))
	assert.False(t, Withdrawable(models.StatusRegistered))
}

func TestRecoverMovesInterruptedRegistrations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	event := e.ingest(t, "crash", 0)

	for _, to := range []string{models.StatusApproved, models.StatusRegistering} {
		_, err := e.manager.Transition(ctx, event.ID, to, "test")
		require.NoError(t, err)
	}

	require.NoError(t, e.manager.Recover(ctx))
	e.manager.Wait()

	loaded, err := e.store.Events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusManualRequired, loaded.Status)
	require.NotNil(t, loaded.RegistrationResult)
	assert.True(t, strings.Contains(loaded.RegistrationResult.Detail, "interrupted"))
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("event")
			defer unlock()
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Empty(t, k.locks)
}

func TestSchedulerRegistersFeedsAndSweep(t *testing.T) {
	e := newEnv(t)
	svc := discovery.NewSyncService([]discovery.Feed{
		{Source: "library", URL: "http://127.0.0.1:1/feed.ics", IntervalMin: 30},
		{Source: "zoo", URL: "http://127.0.0.1:1/zoo.ics"},
	}, e.manager, discovery.NewParser(time.UTC, 0))

	s := NewScheduler(e.manager, svc, nil, time.Minute, 60)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.ElementsMatch(t, []string{"library", "zoo"}, s.ScheduledFeeds())
	next := s.NextRun("library")
	require.NotNil(t, next)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *next, time.Minute)

	s.UnscheduleFeed("zoo")
	assert.Equal(t, []string{"library"}, s.ScheduledFeeds())
	assert.Nil(t, s.NextRun("zoo"))
}

func waitOrFail(t *testing.T, m *Manager) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline stalled")
	}
}

func TestApprovalsDoNotStallSingleWorker(t *testing.T) {
	e := newEnvWithConfig(t, Config{Workers: 1, QueueSize: 1, RegistrationWorkers: 1})
	ctx := context.Background()

	first := e.ingest(t, "first", 0)
	second := e.ingest(t, "second", 0)

	for _, event := range []*models.Event{first, second} {
		approval, err := e.store.Approvals.GetUnresolvedForEvent(ctx, event.ID)
		require.NoError(t, err)
		require.NoError(t, e.manager.EnqueueReply(ctx, notify.Reply{
			Channel: models.ChannelSMS,
			From:    parentPhone,
			Text:    "yes " + approval.CorrelationKey,
		}))
	}
	waitOrFail(t, e.manager)

	// A hand-off that found the registration queue full is picked up here.
	_, err := e.manager.RedriveApproved(ctx)
	require.NoError(t, err)
	waitOrFail(t, e.manager)

	assert.Equal(t, models.StatusRegistered, e.status(t, first.ID))
	assert.Equal(t, models.StatusRegistered, e.status(t, second.ID))
	assert.EqualValues(t, 2, e.registrar.calls.Load())
}
