package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/family-event-planner/backend/internal/classifier"
	"github.com/family-event-planner/backend/internal/metrics"
	"github.com/family-event-planner/backend/internal/notify"
	"github.com/family-event-planner/backend/internal/registration"
	"github.com/family-event-planner/backend/internal/storage"
	"github.com/family-event-planner/backend/internal/storage/models"
	"github.com/family-event-planner/backend/internal/websocket"
)

// Checker produces a conflict verdict for a time window.
type Checker interface {
	Check(ctx context.Context, start, end time.Time, bufferMinutes int) *models.ConflictVerdict
}

// Notifier asks humans and interprets their replies.
type Notifier interface {
	Propose(ctx context.Context, event *models.Event, verdict *models.ConflictVerdict) (*models.PendingApproval, error)
	Resolve(ctx context.Context, approval *models.PendingApproval, resolution string) (bool, error)
	Interpret(ctx context.Context, reply notify.Reply) (*notify.Interpretation, error)
	Reprompt(ctx context.Context, approval *models.PendingApproval) error
	AskWhich(ctx context.Context, reply notify.Reply, pending []models.PendingApproval) error
	SendManualFallback(ctx context.Context, event *models.Event, fallback *models.ManualFallback) error
	SendRegistered(ctx context.Context, event *models.Event) error
	SendCancelled(ctx context.Context, event *models.Event) error
	Alert(ctx context.Context, title, detail string)
}

// Registrar runs automated registration.
type Registrar interface {
	Register(ctx context.Context, event *models.Event) (*registration.Result, error)
	Fallback(event *models.Event, reason string) *models.ManualFallback
}

// Config holds lifecycle settings.
type Config struct {
	Workers             int
	QueueSize           int
	RegistrationWorkers int
	BufferMinutes       int
}

// Manager is the single writer of event status.
type Manager struct {
	store       *storage.Store
	checker     Checker
	notifier    Notifier
	registrar   Registrar
	broadcaster *websocket.EventBroadcaster
	profile     registration.FamilyProfile
	config      Config

	locks   *keyedMutex
	jobs    chan job
	wg      sync.WaitGroup

	// Approved events waiting for a registration worker. Workers hand off
	// without blocking; regQueued drops duplicate hand-offs.
	registrations chan string
	regMu         sync.Mutex
	regQueued     map[string]bool

	pending sync.WaitGroup
	now     func() time.Time
}

type job struct {
	name    string
	eventID string
	run     func(ctx context.Context) error
}

// NewManager creates a new lifecycle manager.
func NewManager(
	store *storage.Store,
	checker Checker,
	notifier Notifier,
	registrar Registrar,
	broadcaster *websocket.EventBroadcaster,
	profile registration.FamilyProfile,
	config Config,
) *Manager {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.RegistrationWorkers <= 0 {
		config.RegistrationWorkers = 2
	}
	return &Manager{
		store:       store,
		checker:     checker,
		notifier:    notifier,
		registrar:   registrar,
		broadcaster: broadcaster,
		profile:     profile,
		config:      config,
		locks:       newKeyedMutex(),
		jobs:        make(chan job, config.QueueSize),
		now:         time.Now,

		registrations: make(chan string, config.QueueSize),
		regQueued:     make(map[string]bool),
	}
}

// Start launches the worker pool and the registration pool. Workers exit
// when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	log.Printf("Starting lifecycle manager with %d workers and %d registration workers",
		m.config.Workers, m.config.RegistrationWorkers)
	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	for i := 0; i < m.config.RegistrationWorkers; i++ {
		m.wg.Add(1)
		go m.registrationWorker(ctx)
	}
}

// Stop waits for the workers to exit. Cancel the Start context first.
func (m *Manager) Stop() {
	m.wg.Wait()
	log.Println("Lifecycle manager stopped")
}

// Wait blocks until every queued job has run.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-m.jobs:
			m.runJob(ctx, j)
		}
	}
}

func (m *Manager) registrationWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case eventID := <-m.registrations:
			m.regMu.Lock()
			delete(m.regQueued, eventID)
			m.regMu.Unlock()

			m.runJob(ctx, job{name: "register", eventID: eventID, run: func(ctx context.Context) error {
				return m.Register(ctx, eventID)
			}})
		}
	}
}

// runJob runs one job. A failing or panicking job only affects its event.
func (m *Manager) runJob(ctx context.Context, j job) {
	defer m.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Event %s: %s panicked: %v", j.eventID, j.name, r)
		}
	}()
	if err := j.run(ctx); err != nil {
		log.Printf("Event %s: %s failed: %v", j.eventID, j.name, err)
	}
}

func (m *Manager) enqueue(ctx context.Context, j job) error {
	m.pending.Add(1)
	select {
	case m.jobs <- j:
		return nil
	case <-ctx.Done():
		m.pending.Done()
		return ctx.Err()
	}
}

// Enqueue schedules the event to be driven forward by a worker.
func (m *Manager) Enqueue(ctx context.Context, eventID string) error {
	return m.enqueue(ctx, job{name: "process", eventID: eventID, run: func(ctx context.Context) error {
		return m.Process(ctx, eventID)
	}})
}

// EnqueueReply schedules an inbound reply for handling.
func (m *Manager) EnqueueReply(ctx context.Context, reply notify.Reply) error {
	return m.enqueue(ctx, job{name: "reply", eventID: "-", run: func(ctx context.Context) error {
		return m.HandleReply(ctx, reply)
	}})
}

// queueRegistration hands an approved event to the registration pool and
// never blocks. It reports false when the queue is full; the event then
// stays approved until RedriveApproved picks it up.
func (m *Manager) queueRegistration(eventID string) bool {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	if m.regQueued[eventID] {
		return true
	}
	m.pending.Add(1)
	select {
	case m.registrations <- eventID:
		m.regQueued[eventID] = true
		return true
	default:
		m.pending.Done()
		return false
	}
}

// RedriveApproved queues every approved event for registration. It returns
// how many events are waiting in the registration queue afterwards.
func (m *Manager) RedriveApproved(ctx context.Context) (int, error) {
	approved, err := m.store.Events.List(ctx, models.StatusApproved)
	if err != nil {
		return 0, fmt.Errorf("listing approved events: %w", err)
	}
	queued := 0
	for _, event := range approved {
		if m.queueRegistration(event.ID) {
			queued++
		} else {
			log.Printf("Event %s: registration queue full; leaving it approved", event.ID)
		}
	}
	return queued, nil
}

// Ingest records a discovered event and queues it when it can still be driven.
func (m *Manager) Ingest(ctx context.Context, d models.DiscoveredEvent) (*models.Event, bool, error) {
	event, created, err := m.store.Events.Upsert(ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("storing discovered event: %w", err)
	}
	metrics.EventsDiscovered.WithLabelValues(d.Source, fmt.Sprint(created)).Inc()

	if event.IsRedrivable() {
		if err := m.Enqueue(ctx, event.ID); err != nil {
			return event, created, fmt.Errorf("queueing event: %w", err)
		}
	}
	return event, created, nil
}

// Transition moves an event to status to. Moving an event to the status it
// already has is a no-op.
func (m *Manager) Transition(ctx context.Context, eventID, to, reason string) (*models.Event, error) {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	event, err := m.store.Events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, event, to, reason, nil, nil)
}

// apply performs a transition. The caller holds the event's lock.
func (m *Manager) apply(
	ctx context.Context,
	event *models.Event,
	to, reason string,
	verdict *models.ConflictVerdict,
	result *models.RegistrationResult,
) (*models.Event, error) {
	from := event.Status
	if from == to {
		return event, nil
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s for event %s", ErrInvalidTransition, from, to, event.ID)
	}

	err := m.store.Events.ApplyTransition(ctx, storage.Transition{
		EventID: event.ID,
		From:    from,
		To:      to,
		Reason:  reason,
		Verdict: verdict,
		Result:  result,
	})
	if errors.Is(err, storage.ErrStatusChanged) {
		current, getErr := m.store.Events.GetByID(ctx, event.ID)
		if getErr == nil && current.Status == to {
			return current, nil
		}
		return nil, fmt.Errorf("event %s: %w", event.ID, err)
	}
	if err != nil {
		return nil, err
	}

	event.Status = to
	if verdict != nil {
		event.ConflictVerdict = verdict
	}
	if result != nil {
		event.RegistrationResult = result
	}

	metrics.Transitions.WithLabelValues(from, to).Inc()
	log.Printf("Event %s: %s -> %s (%s)", event.ID, from, to, reason)
	m.broadcaster.BroadcastStatusChanged(event, from, to, reason)
	return event, nil
}

// Process drives an event from discovery up to a proposal. Events past the
// proposal are left alone. A blocking conflict leaves the event in
// conflict_checked so a later discovery cycle can re-run the check.
func (m *Manager) Process(ctx context.Context, eventID string) error {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	event, err := m.store.Events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}

	if event.Status == models.StatusDiscovered {
		if ok, reason := m.filter(event); !ok {
			_, err := m.apply(ctx, event, models.StatusIgnored, reason, nil, nil)
			return err
		}
		if event, err = m.apply(ctx, event, models.StatusFiltered, "passed filter", nil, nil); err != nil {
			return err
		}
	}

	if event.Status != models.StatusFiltered && event.Status != models.StatusConflictChecked {
		return nil
	}

	// A refreshed discovery may have moved the start or the age range.
	if ok, reason := m.filter(event); !ok {
		_, err := m.apply(ctx, event, models.StatusIgnored, reason, nil, nil)
		return err
	}

	verdict := m.checker.Check(ctx, event.Start, event.EndOrDefault(), m.config.BufferMinutes)
	m.reportOutage(ctx, event, verdict)

	if event.Status == models.StatusFiltered {
		if event, err = m.apply(ctx, event, models.StatusConflictChecked, describeVerdict(verdict), verdict, nil); err != nil {
			return err
		}
	} else if err := m.store.Events.SaveVerdict(ctx, event.ID, verdict); err != nil {
		return err
	}

	if verdict.Blocking {
		log.Printf("Event %s: blocking calendar conflict, not proposing", event.ID)
		return nil
	}

	approval, err := m.notifier.Propose(ctx, event, verdict)
	if err != nil {
		return fmt.Errorf("proposing event: %w", err)
	}

	if _, err := m.apply(ctx, event, models.StatusProposed, "approval "+approval.CorrelationKey+" sent", nil, nil); err != nil {
		if _, resolveErr := m.notifier.Resolve(ctx, approval, models.ResolutionSuperseded); resolveErr != nil {
			log.Printf("Event %s: failed to retire approval %s: %v", event.ID, approval.ID, resolveErr)
		}
		return err
	}
	m.refreshPendingGauge(ctx)
	return nil
}

// filter decides whether an event is worth checking at all.
func (m *Manager) filter(event *models.Event) (bool, string) {
	if !event.Start.After(m.now()) {
		return false, "event start is in the past"
	}
	if event.AgeMin == nil && event.AgeMax == nil {
		return true, ""
	}

	ages := m.profile.ChildrenAges(event.Start)
	if len(ages) == 0 {
		return true, ""
	}
	for _, age := range ages {
		if event.AgeMin != nil && age < *event.AgeMin {
			continue
		}
		if event.AgeMax != nil && age > *event.AgeMax {
			continue
		}
		return true, ""
	}
	return false, "no child within the event's age range"
}

func (m *Manager) reportOutage(ctx context.Context, event *models.Event, verdict *models.ConflictVerdict) {
	down := verdict.Unreachable()
	if len(down) == 0 {
		return
	}

	msg := fmt.Sprintf("calendar accounts unreachable: %s", strings.Join(down, ", "))
	if verdict.SystemWarning != "" {
		msg = verdict.SystemWarning
		m.notifier.Alert(ctx, "Calendars unreachable", fmt.Sprintf("Event %q was checked with calendars missing: %s", event.Title, msg))
	}
	m.broadcaster.BroadcastCalendarOutage(event.ID, verdict.Accessible, msg)
}

func describeVerdict(v *models.ConflictVerdict) string {
	switch {
	case v.Blocking:
		return "blocking conflict"
	case v.NoVerdict() && v.SystemWarning != "":
		return "no verdict: " + v.SystemWarning
	case v.Warning && v.SystemWarning != "":
		return "warning: " + v.SystemWarning
	case v.Warning:
		return "warning conflict"
	}
	return "no conflicts"
}

// HandleReply interprets an inbound reply and acts on it.
func (m *Manager) HandleReply(ctx context.Context, reply notify.Reply) error {
	interp, err := m.notifier.Interpret(ctx, reply)
	if err != nil {
		return fmt.Errorf("interpreting reply: %w", err)
	}

	if len(interp.Ambiguous) > 0 {
		log.Printf("Reply from %s matches %d open approvals; asking which", reply.From, len(interp.Ambiguous))
		return m.notifier.AskWhich(ctx, reply, interp.Ambiguous)
	}
	if interp.Approval == nil {
		log.Printf("Reply from %s matches no approval; ignoring", reply.From)
		return nil
	}

	approval := interp.Approval
	switch interp.Result.Intent {
	case classifier.IntentApprove:
		return m.ResolveApproval(ctx, approval.ID, models.ResolutionApproved)
	case classifier.IntentReject:
		return m.ResolveApproval(ctx, approval.ID, models.ResolutionRejected)
	case classifier.IntentPaymentConfirm:
		return m.ConfirmRegistration(ctx, approval.EventID)
	case classifier.IntentCancel:
		_, err := m.Withdraw(ctx, approval.EventID, "cancelled by reply")
		if errors.Is(err, ErrInvalidTransition) {
			log.Printf("Event %s: cancel reply ignored: %v", approval.EventID, err)
			return nil
		}
		return err
	default:
		if approval.Resolved {
			log.Printf("Approval %s: unclear reply to a resolved approval; ignoring", approval.ID)
			return nil
		}
		return m.notifier.Reprompt(ctx, approval)
	}
}

// ResolveApproval applies a human decision. Only the event's current
// unresolved approval can move it; anything else is a stale or duplicate
// delivery and is discarded.
func (m *Manager) ResolveApproval(ctx context.Context, approvalID, resolution string) error {
	approval, err := m.store.Approvals.GetByID(ctx, approvalID)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(approval.EventID)
	defer unlock()

	approval, err = m.store.Approvals.GetByID(ctx, approvalID)
	if err != nil {
		return err
	}
	if approval.Resolved {
		log.Printf("Approval %s already resolved as %s; discarding %s", approval.ID, approval.Resolution, resolution)
		return nil
	}

	current, err := m.store.Approvals.GetUnresolvedForEvent(ctx, approval.EventID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil || current.ID != approval.ID {
		log.Printf("Approval %s is not the open approval for event %s; discarding %s", approval.ID, approval.EventID, resolution)
		return nil
	}

	event, err := m.store.Events.GetByID(ctx, approval.EventID)
	if err != nil {
		return err
	}

	to := models.StatusApproved
	switch {
	case approval.IsExpired(m.now()):
		resolution, to = models.ResolutionExpired, models.StatusExpired
	case resolution == models.ResolutionRejected:
		to = models.StatusRejected
	case resolution != models.ResolutionApproved:
		return fmt.Errorf("unsupported resolution %q", resolution)
	}

	ok, err := m.notifier.Resolve(ctx, approval, resolution)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("Approval %s was resolved concurrently; discarding %s", approval.ID, resolution)
		return nil
	}
	defer m.refreshPendingGauge(ctx)

	if event.Status != models.StatusProposed {
		log.Printf("Event %s is %s, not proposed; approval %s resolved without a transition", event.ID, event.Status, approval.ID)
		return nil
	}

	if _, err := m.apply(ctx, event, to, "reply "+resolution, nil, nil); err != nil {
		return err
	}
	if to == models.StatusApproved && !m.queueRegistration(event.ID) {
		log.Printf("Event %s: registration queue full; it will be picked up by the next sweep", event.ID)
	}
	return nil
}

// Register routes an approved event: priced events, events without a
// registration url and events that now hit a blocking conflict go to a
// human; the rest go through automation.
func (m *Manager) Register(ctx context.Context, eventID string) error {
	event, proceed, err := m.beginRegistration(ctx, eventID)
	if err != nil || !proceed {
		return err
	}

	res, err := m.registrar.Register(ctx, event)
	if err != nil {
		// Never leave the event in registering.
		reason := "registration failed: " + err.Error()
		fallback := m.registrar.Fallback(event, reason)
		finishErr := m.finishRegistration(context.WithoutCancel(ctx), eventID, models.StatusManualRequired, reason, &models.RegistrationResult{
			Outcome:     models.OutcomeTerminalFailure,
			Detail:      reason,
			Fallback:    fallback,
			CompletedAt: m.now().UTC(),
		})
		return errors.Join(err, finishErr)
	}
	if res.Cancelled {
		return nil
	}

	reg := res.Registration
	switch reg.Outcome {
	case models.OutcomeSuccess:
		return m.finishRegistration(ctx, eventID, models.StatusRegistered, reg.Detail, reg)
	case models.OutcomePaymentBlocked:
		m.notifier.Alert(ctx, "Payment guard blocked a registration",
			fmt.Sprintf("Event %q (%s): %s. Nothing was submitted.", event.Title, event.ID, reg.Detail))
		return m.finishRegistration(ctx, eventID, models.StatusPaymentBlocked, reg.Detail, reg)
	default:
		return m.finishRegistration(ctx, eventID, models.StatusManualRequired, reg.Detail, reg)
	}
}

// beginRegistration decides the route under the event lock and moves the
// event out of approved. proceed is true when automation should run.
func (m *Manager) beginRegistration(ctx context.Context, eventID string) (*models.Event, bool, error) {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	event, err := m.store.Events.GetByID(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	if event.Status != models.StatusApproved {
		return nil, false, nil
	}

	manual := func(reason string, verdict *models.ConflictVerdict) (*models.Event, bool, error) {
		result := &models.RegistrationResult{
			Outcome:     models.OutcomeTerminalFailure,
			Detail:      reason,
			Fallback:    m.registrar.Fallback(event, reason),
			CompletedAt: m.now().UTC(),
		}
		if _, err := m.apply(ctx, event, models.StatusManualRequired, reason, verdict, result); err != nil {
			return nil, false, err
		}
		m.sendFallback(ctx, event, result.Fallback)
		return event, false, nil
	}

	if !event.IsFree() {
		return manual(fmt.Sprintf("event costs %.2f; registration and payment are left to you", event.Cost), nil)
	}
	if event.RegistrationURL == "" {
		return manual("event has no registration link", nil)
	}

	verdict := m.checker.Check(ctx, event.Start, event.EndOrDefault(), m.config.BufferMinutes)
	if verdict.Blocking {
		return manual("a blocking calendar conflict appeared after approval", verdict)
	}

	if _, err := m.apply(ctx, event, models.StatusRegistering, "approved, starting automation", verdict, nil); err != nil {
		return nil, false, err
	}
	return event, true, nil
}

func (m *Manager) finishRegistration(ctx context.Context, eventID, to, reason string, result *models.RegistrationResult) error {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	event, err := m.store.Events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == models.StatusCancelled {
		log.Printf("Event %s was cancelled during registration; recording nothing further", eventID)
		return nil
	}
	if _, err := m.apply(ctx, event, to, reason, nil, result); err != nil {
		return err
	}

	switch to {
	case models.StatusRegistered:
		if err := m.notifier.SendRegistered(ctx, event); err != nil {
			log.Printf("Event %s: failed to send confirmation: %v", eventID, err)
		}
	default:
		m.sendFallback(ctx, event, result.Fallback)
	}
	return nil
}

func (m *Manager) sendFallback(ctx context.Context, event *models.Event, fallback *models.ManualFallback) {
	if fallback == nil {
		return
	}
	if err := m.notifier.SendManualFallback(ctx, event, fallback); err != nil {
		log.Printf("Event %s: failed to send manual registration link: %v", event.ID, err)
	}
}

// ConfirmRegistration records a human's acknowledgement that they completed
// a manual registration.
func (m *Manager) ConfirmRegistration(ctx context.Context, eventID string) error {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	event, err := m.store.Events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == models.StatusRegistered {
		return nil
	}
	if event.Status != models.StatusManualRequired {
		log.Printf("Event %s: payment confirmation ignored in status %s", eventID, event.Status)
		return nil
	}

	result := &models.RegistrationResult{Outcome: models.OutcomeSuccess}
	if event.RegistrationResult != nil {
		*result = *event.RegistrationResult
		result.Outcome = models.OutcomeSuccess
	}
	result.AckByHuman = true
	result.CompletedAt = m.now().UTC()

	_, err = m.apply(ctx, event, models.StatusRegistered, "confirmed by human", nil, result)
	return err
}

// Withdraw cancels an event before registration completes.
func (m *Manager) Withdraw(ctx context.Context, eventID, reason string) (*models.Event, error) {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	event, err := m.store.Events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status == models.StatusCancelled {
		return event, nil
	}
	if !Withdrawable(event.Status) {
		return nil, fmt.Errorf("%w: event %s is %s", ErrInvalidTransition, eventID, event.Status)
	}

	wasVisible := event.Status == models.StatusProposed ||
		event.Status == models.StatusApproved ||
		event.Status == models.StatusRegistering

	if approval, err := m.store.Approvals.GetUnresolvedForEvent(ctx, eventID); err == nil {
		if _, err := m.notifier.Resolve(ctx, approval, models.ResolutionCancelled); err != nil {
			return nil, err
		}
		defer m.refreshPendingGauge(ctx)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if event, err = m.apply(ctx, event, models.StatusCancelled, reason, nil, nil); err != nil {
		return nil, err
	}
	if wasVisible {
		if err := m.notifier.SendCancelled(ctx, event); err != nil {
			log.Printf("Event %s: failed to send cancellation: %v", eventID, err)
		}
	}
	return event, nil
}

// SweepExpired expires every approval past its deadline. It is safe to run
// alongside reply handling: the approval compare-and-swap decides the winner.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.store.Approvals.ListExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("listing expired approvals: %w", err)
	}

	count := 0
	for i := range expired {
		ok, err := m.expire(ctx, &expired[i])
		if err != nil {
			log.Printf("Approval %s: expiry failed: %v", expired[i].ID, err)
			continue
		}
		if ok {
			count++
		}
	}

	if count > 0 {
		log.Printf("Expired %d pending approvals", count)
	}
	m.refreshPendingGauge(ctx)
	return count, nil
}

func (m *Manager) expire(ctx context.Context, approval *models.PendingApproval) (bool, error) {
	unlock := m.locks.Lock(approval.EventID)
	defer unlock()

	ok, err := m.notifier.Resolve(ctx, approval, models.ResolutionExpired)
	if err != nil || !ok {
		return false, err
	}

	event, err := m.store.Events.GetByID(ctx, approval.EventID)
	if err != nil {
		return true, err
	}
	if event.Status != models.StatusProposed {
		return true, nil
	}
	_, err = m.apply(ctx, event, models.StatusExpired, "no reply before expiry", nil, nil)
	return true, err
}

// Recover resumes work after a restart: registrations cut off mid-run go to
// a human, approved events are registered, and upstream events are re-driven.
func (m *Manager) Recover(ctx context.Context) error {
	interrupted, err := m.store.Events.List(ctx, models.StatusRegistering)
	if err != nil {
		return err
	}
	for i := range interrupted {
		event := &interrupted[i]
		reason := "registration was interrupted by a restart"
		result := &models.RegistrationResult{
			Outcome:     models.OutcomeTerminalFailure,
			Detail:      reason,
			Fallback:    m.registrar.Fallback(event, reason),
			CompletedAt: m.now().UTC(),
		}
		if err := m.finishRegistration(ctx, event.ID, models.StatusManualRequired, reason, result); err != nil {
			log.Printf("Event %s: recovery failed: %v", event.ID, err)
		}
	}

	approved, err := m.RedriveApproved(ctx)
	if err != nil {
		return err
	}

	for _, status := range []string{models.StatusDiscovered, models.StatusFiltered, models.StatusConflictChecked} {
		events, err := m.store.Events.List(ctx, status)
		if err != nil {
			return err
		}
		for _, event := range events {
			if err := m.Enqueue(ctx, event.ID); err != nil {
				return err
			}
		}
	}

	log.Printf("Recovered %d interrupted and %d approved events", len(interrupted), approved)
	return nil
}

func (m *Manager) refreshPendingGauge(ctx context.Context) {
	if n, err := m.store.Approvals.CountUnresolved(ctx); err == nil {
		metrics.PendingApprovals.Set(float64(n))
	}
}
