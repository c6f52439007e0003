package calendar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/family-event-planner/backend/internal/storage/models"
)

// fakeLister returns canned entries or errors per account.
type fakeLister struct {
	mu      sync.Mutex
	entries map[string][]models.CalendarEntry
	errs    map[string]error
	panics  map[string]bool
	block   map[string]bool
	calls   []string
}

func (f *fakeLister) ListEvents(ctx context.Context, accountID string, start, end time.Time) ([]models.CalendarEntry, error) {
	f.mu.Lock()
	f.calls = append(f.calls, accountID)
	f.mu.Unlock()

	if f.panics[accountID] {
		panic("boom")
	}
	if f.block[accountID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.errs[accountID]; err != nil {
		return nil, err
	}
	return f.entries[accountID], nil
}

var accounts = []Account{
	{ID: "primary", Role: RoleBlocking},
	{ID: "partner", Role: RoleWarning},
}

var eventStart = time.Date(2026, 11, 7, 10, 0, 0, 0, time.UTC)

func entryAt(start time.Time, d time.Duration) models.CalendarEntry {
	return models.CalendarEntry{ID: start.Format(time.RFC3339), Title: "busy", Start: start, End: start.Add(d)}
}

func TestCheckBlockingWithUnreachableWarningAccount(t *testing.T) {
	lister := &fakeLister{
		entries: map[string][]models.CalendarEntry{
			"primary": {entryAt(eventStart.Add(30*time.Minute), time.Hour)},
		},
		errs: map[string]error{"partner": errors.New("401 unauthorized")},
	}
	checker := NewChecker(lister, accounts, time.Second, time.UTC)

	v := checker.Check(context.Background(), eventStart, eventStart.Add(2*time.Hour), 0)

	assert.True(t, v.Blocking)
	assert.False(t, v.Warning)
	assert.True(t, v.Accessible["primary"])
	assert.False(t, v.Accessible["partner"])
	assert.Len(t, v.Conflicts["primary"], 1)
	assert.Empty(t, v.SystemWarning)
}

func TestCheckUnreachableAuthoritativeAccountDegradesToWarning(t *testing.T) {
	lister := &fakeLister{
		errs: map[string]error{"primary": errors.New("503 service unavailable")},
	}
	checker := NewChecker(lister, accounts, time.Second, time.UTC)

	v := checker.Check(context.Background(), eventStart, eventStart.Add(time.Hour), 15)

	assert.False(t, v.Blocking)
	assert.True(t, v.Warning)
	assert.False(t, v.NoVerdict())
	assert.Contains(t, v.SystemWarning, "primary")
	assert.Equal(t, []string{"primary"}, v.Unreachable())
	assert.Equal(t, []string{"primary", "partner"}, v.Accounts)
	assert.False(t, checker.HasConflict(context.Background(), eventStart, eventStart.Add(time.Hour), 15))
}

func TestCheckWarningOnlyFromAdvisoryAccount(t *testing.T) {
	lister := &fakeLister{
		entries: map[string][]models.CalendarEntry{
			"partner": {entryAt(eventStart, time.Hour)},
		},
	}
	checker := NewChecker(lister, accounts, time.Second, time.UTC)

	v := checker.Check(context.Background(), eventStart, eventStart.Add(time.Hour), 0)

	assert.False(t, v.Blocking)
	assert.True(t, v.Warning)
	assert.True(t, v.Accessible["primary"])
	assert.True(t, v.Accessible["partner"])
}

func TestCheckAllAccountsUnreachable(t *testing.T) {
	lister := &fakeLister{
		errs: map[string]error{
			"primary": errors.New("timeout"),
			"partner": errors.New("dns"),
		},
	}
	checker := NewChecker(lister, accounts, time.Second, time.UTC)

	v := checker.Check(context.Background(), eventStart, eventStart.Add(time.Hour), 15)
	assert.False(t, v.Blocking)
	assert.False(t, v.Warning)
	assert.True(t, v.NoVerdict())
	assert.Equal(t, SystemWarningNoCalendars, v.SystemWarning)

	assert.False(t, checker.HasConflict(context.Background(), eventStart, eventStart.Add(time.Hour), 15))
}

func TestCheckBuffer(t *testing.T) {
	// Existing entry ends 10 minutes before the event starts.
	lister := &fakeLister{
		entries: map[string][]models.CalendarEntry{
			"primary": {entryAt(eventStart.Add(-70*time.Minute), time.Hour)},
		},
	}
	checker := NewChecker(lister, accounts, time.Second, time.UTC)

	assert.False(t, checker.Check(context.Background(), eventStart, eventStart.Add(time.Hour), 0).Blocking)
	assert.False(t, checker.Check(context.Background(), eventStart, eventStart.Add(time.Hour), 5).Blocking)
	assert.True(t, checker.Check(context.Background(), eventStart, eventStart.Add(time.Hour), 15).Blocking)
}

func TestCheckAllDayEntryBlocksWholeDay(t *testing.T) {
	day := time.Date(2026, 11, 7, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{
		entries: map[string][]models.CalendarEntry{
			"primary": {{ID: "trip", Title: "Trip", Start: day, End: day, AllDay: true}},
		},
	}
	checker := NewChecker(lister, accounts, time.Second, time.UTC)

	evening := time.Date(2026, 11, 7, 19, 0, 0, 0, time.UTC)
	assert.True(t, checker.Check(context.Background(), evening, evening.Add(time.Hour), 0).Blocking)

	nextDay := time.Date(2026, 11, 8, 9, 0, 0, 0, time.UTC)
	assert.False(t, checker.Check(context.Background(), nextDay, nextDay.Add(time.Hour), 0).Blocking)
}

func TestCheckSlowAccountDoesNotStallOthers(t *testing.T) {
	lister := &fakeLister{
		entries: map[string][]models.CalendarEntry{
			"primary": {entryAt(eventStart, time.Hour)},
		},
		block: map[string]bool{"partner": true},
	}
	checker := NewChecker(lister, accounts, 50*time.Millisecond, time.UTC)

	began := time.Now()
	v := checker.Check(context.Background(), eventStart, eventStart.Add(time.Hour), 0)

	assert.Less(t, time.Since(began), 2*time.Second)
	assert.True(t, v.Blocking)
	assert.False(t, v.Accessible["partner"])
}

func TestCheckRecoversFromListerPanic(t *testing.T) {
	lister := &fakeLister{panics: map[string]bool{"primary": true, "partner": true}}
	checker := NewChecker(lister, accounts, time.Second, time.UTC)

	assert.NotPanics(t, func() {
		assert.False(t, checker.HasConflict(context.Background(), eventStart, eventStart.Add(time.Hour), 0))
	})
}

func TestValidateAccounts(t *testing.T) {
	require.NoError(t, Validate(accounts))
	assert.Error(t, Validate([]Account{{ID: "a", Role: RoleWarning}}))
	assert.Error(t, Validate([]Account{{ID: "a", Role: "owner"}}))
	assert.Error(t, Validate([]Account{{ID: "a", Role: RoleBlocking}, {ID: "a", Role: RoleWarning}}))
}
