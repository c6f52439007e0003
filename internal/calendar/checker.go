package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/family-event-planner/backend/internal/metrics"
	"github.com/family-event-planner/backend/internal/storage/models"
)

// Role decides how an account's conflicts are treated.
type Role string

// Account roles
const (
	RoleBlocking Role = "blocking"
	RoleWarning  Role = "warning"
)

// Account is one configured calendar account.
type Account struct {
	ID   string `yaml:"id" json:"id"`
	Role Role   `yaml:"role" json:"role"`
	URL  string `yaml:"url" json:"-"`
}

// SystemWarningNoCalendars is recorded when no account could be reached.
const SystemWarningNoCalendars = "no calendar account was reachable; proceed with caution"

// systemWarningBlockingDown is recorded when an authoritative account could
// not be reached but another account answered.
const systemWarningBlockingDown = "authoritative calendar %s unreachable; a blocking conflict may be missed"

// Checker merges the entries of every configured account into a conflict verdict.
type Checker struct {
	lister   Lister
	accounts []Account
	timeout  time.Duration
	loc      *time.Location
}

// NewChecker creates a conflict checker. Each account query is bounded by timeout.
func NewChecker(lister Lister, accounts []Account, timeout time.Duration, loc *time.Location) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if loc == nil {
		loc = time.Local
	}
	return &Checker{
		lister:   lister,
		accounts: accounts,
		timeout:  timeout,
		loc:      loc,
	}
}

// Accounts returns the configured accounts.
func (c *Checker) Accounts() []Account {
	return c.accounts
}

type accountResult struct {
	entries []models.CalendarEntry
	err     error
}

// Check queries every account in parallel and returns the merged verdict.
// A failing account is recorded as inaccessible and never fails the check.
// Entries starting or ending within bufferMinutes of the event count as
// overlapping; all-day entries cover their whole day.
func (c *Checker) Check(ctx context.Context, start, end time.Time, bufferMinutes int) *models.ConflictVerdict {
	if !end.After(start) {
		end = start.Add(models.DefaultEventDuration)
	}
	buffer := time.Duration(bufferMinutes) * time.Minute
	if buffer < 0 {
		buffer = 0
	}

	// Widen the query so all-day entries on the event's days come back.
	queryStart := start.Add(-buffer).Add(-24 * time.Hour)
	queryEnd := end.Add(buffer).Add(24 * time.Hour)

	results := make([]accountResult, len(c.accounts))
	var wg sync.WaitGroup
	for i, account := range c.accounts {
		wg.Add(1)
		go func(i int, account Account) {
			defer wg.Done()
			results[i] = c.query(ctx, account, queryStart, queryEnd)
		}(i, account)
	}
	wg.Wait()

	verdict := &models.ConflictVerdict{
		Conflicts:  make(map[string][]models.CalendarEntry),
		Accessible: make(map[string]bool, len(c.accounts)),
		Accounts:   make([]string, 0, len(c.accounts)),
		CheckedAt:  time.Now().UTC(),
	}

	var blockingDown []string
	for i, account := range c.accounts {
		verdict.Accounts = append(verdict.Accounts, account.ID)
		res := results[i]
		if res.err != nil {
			log.Printf("Calendar account %s unreachable: %v", account.ID, res.err)
			metrics.CalendarFailures.WithLabelValues(account.ID).Inc()
			verdict.Accessible[account.ID] = false
			if account.Role == RoleBlocking {
				blockingDown = append(blockingDown, account.ID)
			}
			continue
		}
		verdict.Accessible[account.ID] = true

		for _, entry := range res.entries {
			if !c.conflicts(entry, start, end, buffer) {
				continue
			}
			verdict.Conflicts[account.ID] = append(verdict.Conflicts[account.ID], entry)
			switch account.Role {
			case RoleBlocking:
				verdict.Blocking = true
			default:
				verdict.Warning = true
			}
		}
	}

	switch {
	case len(c.accounts) > 0 && verdict.NoVerdict():
		verdict.Blocking = false
		verdict.Warning = false
		verdict.SystemWarning = SystemWarningNoCalendars
		log.Printf("All %d calendar accounts unreachable; no conflict verdict", len(c.accounts))
	case len(blockingDown) > 0 && !verdict.Blocking:
		// A silent authoritative account is never read as "no conflict".
		verdict.Warning = true
		verdict.SystemWarning = fmt.Sprintf(systemWarningBlockingDown, strings.Join(blockingDown, ", "))
		log.Printf("Calendar verdict degraded to warning: %s", verdict.SystemWarning)
	}

	return verdict
}

func (c *Checker) query(ctx context.Context, account Account, start, end time.Time) accountResult {
	queryCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan accountResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- accountResult{err: fmt.Errorf("calendar lister panic: %v", r)}
			}
		}()
		entries, err := c.lister.ListEvents(queryCtx, account.ID, start, end)
		done <- accountResult{entries: entries, err: err}
	}()

	// A lister that ignores its context must not stall the other accounts.
	select {
	case res := <-done:
		return res
	case <-queryCtx.Done():
		return accountResult{err: fmt.Errorf("querying %s: %w", account.ID, queryCtx.Err())}
	}
}

func (c *Checker) conflicts(entry models.CalendarEntry, start, end time.Time, buffer time.Duration) bool {
	entryStart, entryEnd := entry.Start, entry.End
	if entry.AllDay {
		entryStart, entryEnd = c.dayBounds(entry.Start, entry.End)
	}
	if !entryEnd.After(entryStart) {
		entryEnd = entryStart.Add(time.Minute)
	}
	return overlaps(entryStart, entryEnd, start.Add(-buffer), end.Add(buffer))
}

// dayBounds widens an all-day entry to midnight-to-midnight in the checker's zone.
func (c *Checker) dayBounds(start, end time.Time) (time.Time, time.Time) {
	s := start.In(c.loc)
	dayStart := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, c.loc)

	e := end.In(c.loc)
	if !e.After(s) {
		e = s
	}
	dayEnd := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, c.loc)
	if !dayEnd.After(dayStart) || e.After(dayEnd) {
		dayEnd = dayEnd.AddDate(0, 0, 1)
	}
	return dayStart, dayEnd
}

// HasConflict reports whether the event hits a blocking conflict. It never
// panics and returns false on any unexpected failure.
func (c *Checker) HasConflict(ctx context.Context, start, end time.Time, bufferMinutes int) (conflict bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Conflict check panicked: %v", r)
			conflict = false
		}
	}()

	verdict := c.Check(ctx, start, end, bufferMinutes)
	if verdict == nil {
		return false
	}
	return verdict.Blocking
}

// Validate checks that the account list has at least one blocking account
// and only known roles.
func Validate(accounts []Account) error {
	seen := make(map[string]bool)
	blocking := 0
	for _, a := range accounts {
		if a.ID == "" {
			return errors.New("calendar account with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate calendar account %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Role {
		case RoleBlocking:
			blocking++
		case RoleWarning:
		default:
			return fmt.Errorf("calendar account %q: unknown role %q", a.ID, a.Role)
		}
	}
	if len(accounts) > 0 && blocking == 0 {
		return fmt.Errorf("at least one calendar account must have role %q", RoleBlocking)
	}
	return nil
}
