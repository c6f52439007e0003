package registration

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/family-event-planner/backend/internal/storage/models"
)

const googleCalendarTemplate = "https://calendar.google.com/calendar/render"

// FallbackBuilder produces the links a human needs to finish a registration
// that automation could not complete.
type FallbackBuilder struct {
	publicURL string
	profile   FamilyProfile
}

// NewFallbackBuilder creates a builder. publicURL is where this server's
// calendar.ics endpoint is reachable.
func NewFallbackBuilder(publicURL string, profile FamilyProfile) *FallbackBuilder {
	return &FallbackBuilder{
		publicURL: strings.TrimRight(publicURL, "/"),
		profile:   profile,
	}
}

// Build returns the manual fallback for an event.
func (b *FallbackBuilder) Build(event *models.Event, reason string) *models.ManualFallback {
	return &models.ManualFallback{
		RegistrationURL: PrefilledURL(event.RegistrationURL, b.profile.Values(event.Start)),
		CalendarURL:     CalendarLink(event),
		ICSPath:         b.publicURL + "/api/events/" + url.PathEscape(event.ID) + "/calendar.ics",
		Reason:          reason,
	}
}

// PrefilledURL adds profile values to a registration URL's query. Parameters
// the venue already set are kept. Returns "" for an empty or invalid URL.
func PrefilledURL(rawURL string, values map[string]string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	for k, v := range values {
		if v != "" && q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// CalendarLink returns a Google Calendar "add event" link.
func CalendarLink(event *models.Event) string {
	const layout = "20060102T150405Z"
	q := url.Values{}
	q.Set("action", "TEMPLATE")
	q.Set("text", event.Title)
	q.Set("dates", event.Start.UTC().Format(layout)+"/"+event.EndOrDefault().UTC().Format(layout))
	if event.Location != "" {
		q.Set("location", event.Location)
	}
	if event.RegistrationURL != "" {
		q.Set("details", "Register: "+event.RegistrationURL)
	}
	return googleCalendarTemplate + "?" + q.Encode()
}

// WriteICS writes a single-event calendar file for the event.
func WriteICS(w io.Writer, event *models.Event, now time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//family-event-planner//EN")

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, event.ID+"@family-event-planner")
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeStart, event.Start.UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, event.EndOrDefault().UTC())
	vevent.Props.SetText(ical.PropSummary, event.Title)
	if event.Location != "" {
		vevent.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.RegistrationURL != "" {
		link := ical.NewProp(ical.PropURL)
		link.Value = event.RegistrationURL
		vevent.Props.Set(link)
	}
	cal.Children = append(cal.Children, vevent.Component)

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encoding calendar: %w", err)
	}
	return nil
}
