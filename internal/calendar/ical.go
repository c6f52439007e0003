// Package calendar reads household calendar accounts and decides whether a
// candidate event conflicts with anything already on them.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/family-event-planner/backend/internal/storage/models"
)

// ErrUnknownAccount is returned when listing an account that is not configured.
var ErrUnknownAccount = errors.New("unknown calendar account")

// Lister lists the entries of one calendar account that overlap a window.
type Lister interface {
	ListEvents(ctx context.Context, accountID string, start, end time.Time) ([]models.CalendarEntry, error)
}

// FeedLister lists entries from iCal/ICS feeds, one feed URL per account.
type FeedLister struct {
	httpClient *http.Client
	feeds      map[string]string
	loc        *time.Location
}

// NewFeedLister creates a lister over the given account feeds. Floating
// times and all-day dates are interpreted in loc.
func NewFeedLister(accounts []Account, loc *time.Location) *FeedLister {
	if loc == nil {
		loc = time.Local
	}
	feeds := make(map[string]string, len(accounts))
	for _, a := range accounts {
		feeds[a.ID] = a.URL
	}
	return &FeedLister{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		feeds:      feeds,
		loc:        loc,
	}
}

// ListEvents downloads the account feed and returns entries overlapping [start, end).
func (f *FeedLister) ListEvents(ctx context.Context, accountID string, start, end time.Time) ([]models.CalendarEntry, error) {
	url, ok := f.feeds[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar returned status %d", resp.StatusCode)
	}

	return ParseEntries(resp.Body, start, end, f.loc)
}

// ParseEntries decodes an iCal stream and returns the entries overlapping
// [start, end), with recurring entries expanded. Cancelled entries and
// entries marked transparent (free time) are skipped.
func ParseEntries(r io.Reader, start, end time.Time, loc *time.Location) ([]models.CalendarEntry, error) {
	dec := ical.NewDecoder(r)

	var entries []models.CalendarEntry
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding calendar: %w", err)
		}

		for _, event := range cal.Events() {
			if skipEvent(event) {
				continue
			}
			expanded, err := expandEvent(event, start, end, loc)
			if err != nil {
				// One malformed entry should not hide the rest of the calendar.
				continue
			}
			entries = append(entries, expanded...)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Start.Before(entries[j].Start) })
	return entries, nil
}

func skipEvent(event ical.Event) bool {
	if p := event.Props.Get(ical.PropStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		return true
	}
	if p := event.Props.Get(ical.PropTransparency); p != nil && strings.EqualFold(p.Value, "TRANSPARENT") {
		return true
	}
	return false
}

func expandEvent(event ical.Event, start, end time.Time, loc *time.Location) ([]models.CalendarEntry, error) {
	startProp := event.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, errors.New("missing DTSTART")
	}

	first, err := event.DateTimeStart(loc)
	if err != nil {
		return nil, fmt.Errorf("parsing DTSTART: %w", err)
	}
	last, err := event.DateTimeEnd(loc)
	if err != nil {
		return nil, fmt.Errorf("parsing DTEND: %w", err)
	}

	allDay := startProp.ValueType() == ical.ValueDate
	duration := last.Sub(first)
	if duration <= 0 {
		duration = time.Minute
		if allDay {
			duration = 24 * time.Hour
		}
	}

	base := models.CalendarEntry{
		Title:  propText(event.Component, ical.PropSummary),
		AllDay: allDay,
	}
	uid := propText(event.Component, ical.PropUID)

	set, err := RecurrenceSet(event.Component, first, loc)
	if err != nil {
		return nil, fmt.Errorf("parsing recurrence: %w", err)
	}

	if set == nil {
		entry := base
		entry.ID = uid
		entry.Start = first
		entry.End = first.Add(duration)
		if !overlaps(entry.Start, entry.End, start, end) {
			return nil, nil
		}
		return []models.CalendarEntry{entry}, nil
	}

	// Occurrences that start before the window may still run into it.
	var entries []models.CalendarEntry
	for _, occ := range set.Between(start.Add(-duration), end, true) {
		entry := base
		entry.ID = uid + "/" + occ.UTC().Format("20060102T150405Z")
		entry.Start = occ
		entry.End = occ.Add(duration)
		if overlaps(entry.Start, entry.End, start, end) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func propText(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		if text, err := p.Text(); err == nil {
			return text
		}
		return p.Value
	}
	return ""
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
