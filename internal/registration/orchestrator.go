package registration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/family-event-planner/backend/internal/guard"
	"github.com/family-event-planner/backend/internal/metrics"
	"github.com/family-event-planner/backend/internal/storage/models"
	"github.com/family-event-planner/backend/internal/websocket"
)

// errCancelled stops an attempt at a phase boundary.
var errCancelled = errors.New("event cancelled")

// EventSource reads the current state of an event.
type EventSource interface {
	GetByID(ctx context.Context, id string) (*models.Event, error)
}

// AttemptLog persists registration attempts.
type AttemptLog interface {
	Append(ctx context.Context, a *models.RegistrationAttempt) error
	HasPaymentBlock(ctx context.Context, eventID string) (bool, error)
}

// Config holds orchestrator settings.
type Config struct {
	MaxAttempts    int
	Concurrency    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Result is the outcome of a registration run.
type Result struct {
	// Registration is what gets stored on the event. Nil when Cancelled.
	Registration *models.RegistrationResult
	// Last is the final persisted attempt.
	Last *models.RegistrationAttempt
	// Guard is set when the payment guard blocked the run.
	Guard *guard.Verdict
	// Cancelled is true when the event was withdrawn during the run.
	Cancelled bool
}

// Orchestrator runs venue adapters against registration pages, behind the
// payment guard, on a bounded pool.
type Orchestrator struct {
	registry    *Registry
	browser     Browser
	profile     FamilyProfile
	events      EventSource
	attempts    AttemptLog
	evidence    *EvidenceStore
	fallback    *FallbackBuilder
	broadcaster *websocket.EventBroadcaster
	config      Config
	sem         chan struct{}
}

// NewOrchestrator creates a new registration orchestrator.
func NewOrchestrator(
	registry *Registry,
	browser Browser,
	profile FamilyProfile,
	events EventSource,
	attempts AttemptLog,
	evidence *EvidenceStore,
	fallback *FallbackBuilder,
	broadcaster *websocket.EventBroadcaster,
	config Config,
) *Orchestrator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 2
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 2 * time.Minute
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 5 * time.Second
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff * 12
	}
	return &Orchestrator{
		registry:    registry,
		browser:     browser,
		profile:     profile,
		events:      events,
		attempts:    attempts,
		evidence:    evidence,
		fallback:    fallback,
		broadcaster: broadcaster,
		config:      config,
		sem:         make(chan struct{}, config.Concurrency),
	}
}

// Fallback returns the manual fallback for an event.
func (o *Orchestrator) Fallback(event *models.Event, reason string) *models.ManualFallback {
	return o.fallback.Build(event, reason)
}

// attemptOutcome is what a single adapter run produced.
type attemptOutcome struct {
	outcome string
	phase   string
	detail  string
	page    *Page
	verdict *guard.Verdict
	err     error
}

// Register runs the event's adapter until it succeeds, hits a terminal
// failure, or exhausts the attempt bound. It returns an error only when the
// run could not be recorded or ctx ended; every other failure is a Result
// carrying a manual fallback.
func (o *Orchestrator) Register(ctx context.Context, event *models.Event) (*Result, error) {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.sem }()

	adapter := o.registry.ForSource(event.Source)

	blocked, err := o.attempts.HasPaymentBlock(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("checking attempt history: %w", err)
	}
	if blocked {
		return nil, fmt.Errorf("event %s was payment blocked; no further attempts allowed", event.ID)
	}

	// A priced event must never reach a form. Record the trip without opening anything.
	if event.Cost > 0 {
		verdict := guard.Inspect(guard.Snapshot{URL: event.RegistrationURL, DeclaredCost: event.Cost})
		return o.finish(ctx, event, adapter, 1, attemptOutcome{
			outcome: models.OutcomePaymentBlocked,
			phase:   "precheck",
			detail:  verdict.Reason,
			verdict: &verdict,
		})
	}

	if event.RegistrationURL == "" {
		return o.finish(ctx, event, adapter, 1, attemptOutcome{
			outcome: models.OutcomeTerminalFailure,
			phase:   "precheck",
			detail:  "event has no registration url",
		})
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.config.InitialBackoff
	b.MaxInterval = o.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for n := 1; ; n++ {
		out := o.attempt(ctx, adapter, event, n)
		if ctx.Err() != nil && !errors.Is(out.err, errCancelled) {
			return nil, ctx.Err()
		}

		if out.outcome != models.OutcomeRetryableFailure || n >= o.config.MaxAttempts {
			return o.finish(ctx, event, adapter, n, out)
		}

		if _, err := o.record(ctx, event, adapter, n, out); err != nil {
			return nil, err
		}

		wait := b.NextBackOff()
		log.Printf("Event %s: attempt %d/%d failed (%s), retrying in %s", event.ID, n, o.config.MaxAttempts, out.detail, wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// attempt runs one open, fill, guard, submit cycle. Cancellation is checked
// between phases.
func (o *Orchestrator) attempt(parent context.Context, adapter Adapter, event *models.Event, n int) attemptOutcome {
	ctx, cancel := context.WithTimeout(parent, o.config.AttemptTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.RegistrationDuration.WithLabelValues(adapter.ID()).Observe(time.Since(start).Seconds())
	}()

	if err := o.checkpoint(ctx, event.ID); err != nil {
		return failure("open", nil, err)
	}
	page, err := o.browser.Open(ctx, event.RegistrationURL)
	if err != nil {
		return failure("open", nil, err)
	}

	if err := o.checkpoint(ctx, event.ID); err != nil {
		return failure("fill", page, err)
	}
	if err := adapter.Fill(ctx, page, o.profile); err != nil {
		return failure("fill", page, err)
	}

	verdict := guard.Inspect(guard.Snapshot{URL: page.URL.String(), HTML: page.HTML, DeclaredCost: event.Cost})
	if !verdict.Allowed {
		return attemptOutcome{
			outcome: models.OutcomePaymentBlocked,
			phase:   "guard",
			detail:  verdict.Reason,
			page:    page,
			verdict: &verdict,
		}
	}

	if err := o.checkpoint(ctx, event.ID); err != nil {
		return failure("submit", page, err)
	}
	result, err := adapter.Submit(ctx, page)

	// A submit that lands on a payment step is an anomaly, whatever the adapter thinks.
	if result != nil {
		after := guard.Inspect(guard.Snapshot{URL: result.URL.String(), HTML: result.HTML})
		if !after.Allowed {
			return attemptOutcome{
				outcome: models.OutcomePaymentBlocked,
				phase:   "confirm",
				detail:  "payment requested after submit: " + after.Reason,
				page:    result,
				verdict: &after,
			}
		}
	}

	if err != nil {
		if result == nil {
			result = page
		}
		return failure("submit", result, err)
	}

	return attemptOutcome{
		outcome: models.OutcomeSuccess,
		phase:   "confirm",
		detail:  "registration confirmed",
		page:    result,
	}
}

// checkpoint returns errCancelled if the event was withdrawn.
func (o *Orchestrator) checkpoint(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := o.events.GetByID(ctx, eventID)
	if err != nil {
		return Transient(fmt.Errorf("reading event status: %w", err))
	}
	if current.Status == models.StatusCancelled {
		return errCancelled
	}
	return nil
}

func failure(phase string, page *Page, err error) attemptOutcome {
	out := attemptOutcome{phase: phase, page: page, detail: err.Error(), err: err}
	switch {
	case errors.Is(err, errCancelled):
		out.outcome = models.OutcomeTerminalFailure
	case errors.Is(err, ErrAlreadyRegistered):
		out.outcome = models.OutcomeSuccess
	case IsTransient(err):
		out.outcome = models.OutcomeRetryableFailure
	default:
		out.outcome = models.OutcomeTerminalFailure
	}
	return out
}

// record persists one attempt with its evidence and publishes it.
func (o *Orchestrator) record(ctx context.Context, event *models.Event, adapter Adapter, n int, out attemptOutcome) (*models.RegistrationAttempt, error) {
	ref := ""
	if o.evidence != nil {
		var err error
		ref, err = o.evidence.Save(event.ID, n, out.phase, out.page, out.outcome+": "+out.detail)
		if err != nil {
			log.Printf("Event %s: failed to save evidence for attempt %d: %v", event.ID, n, err)
		}
	}

	attempt := &models.RegistrationAttempt{
		EventID:       event.ID,
		AdapterID:     adapter.ID(),
		AttemptNumber: n,
		Outcome:       out.outcome,
		Detail:        out.detail,
		EvidenceRef:   ref,
	}
	// Persistence must outlive a cancelled run so the audit trail is complete.
	if err := o.attempts.Append(context.WithoutCancel(ctx), attempt); err != nil {
		return nil, fmt.Errorf("recording attempt %d for event %s: %w", n, event.ID, err)
	}

	metrics.RegistrationAttempts.WithLabelValues(adapter.ID(), out.outcome).Inc()
	o.broadcaster.BroadcastRegistrationAttempt(attempt)
	return attempt, nil
}

// finish records the final attempt and builds the run's result.
func (o *Orchestrator) finish(ctx context.Context, event *models.Event, adapter Adapter, n int, out attemptOutcome) (*Result, error) {
	attempt, err := o.record(ctx, event, adapter, n, out)
	if err != nil {
		return nil, err
	}

	res := &Result{Last: attempt}
	if errors.Is(out.err, errCancelled) {
		log.Printf("Event %s: cancelled during registration, aborted before %s", event.ID, out.phase)
		res.Cancelled = true
		return res, nil
	}

	reg := &models.RegistrationResult{
		Outcome:     out.outcome,
		AdapterID:   adapter.ID(),
		Attempts:    n,
		Detail:      out.detail,
		EvidenceRef: attempt.EvidenceRef,
		CompletedAt: attempt.CreatedAt,
	}
	res.Registration = reg

	switch out.outcome {
	case models.OutcomeSuccess:
		log.Printf("Event %s: registered via %s after %d attempt(s)", event.ID, adapter.ID(), n)
	case models.OutcomePaymentBlocked:
		res.Guard = out.verdict
		metrics.GuardTrips.Inc()
		url := event.RegistrationURL
		if out.page != nil {
			url = out.page.URL.String()
		}
		var signals []string
		if out.verdict != nil {
			signals = out.verdict.Signals
		}
		o.broadcaster.BroadcastPaymentBlocked(event, url, out.detail, signals)
		reg.Fallback = o.fallback.Build(event, "payment required: "+out.detail)
	default:
		if out.outcome == models.OutcomeRetryableFailure {
			reg.Detail = fmt.Sprintf("gave up after %d attempts: %s", n, out.detail)
		}
		log.Printf("Event %s: registration needs a human: %s", event.ID, reg.Detail)
		reg.Fallback = o.fallback.Build(event, reg.Detail)
	}
	return res, nil
}
