// Package discovery turns venue calendars and pushed scraper output into
// discovered events for the lifecycle manager.
package discovery

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/emersion/go-ical"

	"github.com/family-event-planner/backend/internal/calendar"
	"github.com/family-event-planner/backend/internal/storage/models"
)

// Feed is a venue calendar published as iCal.
type Feed struct {
	Source      string `yaml:"source"`
	URL         string `yaml:"url"`
	IntervalMin int    `yaml:"interval_min"`
}

var linkRe = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// Parser reads venue feeds into discovered events.
type Parser struct {
	converter *md.Converter
	loc       *time.Location
	horizon   time.Duration
}

// NewParser creates a feed parser. Recurring events are expanded up to
// horizon ahead of the parse time.
func NewParser(loc *time.Location, horizon time.Duration) *Parser {
	if loc == nil {
		loc = time.Local
	}
	if horizon <= 0 {
		horizon = 60 * 24 * time.Hour
	}
	return &Parser{
		converter: md.NewConverter("", true, nil),
		loc:       loc,
		horizon:   horizon,
	}
}

// Parse decodes a feed and returns the upcoming events in it.
func (p *Parser) Parse(r io.Reader, source string, now time.Time) ([]models.DiscoveredEvent, error) {
	dec := ical.NewDecoder(r)
	until := now.Add(p.horizon)

	var events []models.DiscoveredEvent
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding feed: %w", err)
		}

		for _, e := range cal.Events() {
			found, err := p.parseEvent(e, source, now, until)
			if err != nil {
				continue
			}
			events = append(events, found...)
		}
	}
	return events, nil
}

func (p *Parser) parseEvent(e ical.Event, source string, now, until time.Time) ([]models.DiscoveredEvent, error) {
	if s := e.Props.Get(ical.PropStatus); s != nil && strings.EqualFold(s.Value, "CANCELLED") {
		return nil, nil
	}

	uid := text(e.Component, ical.PropUID)
	if uid == "" {
		return nil, errors.New("missing UID")
	}
	start, err := e.DateTimeStart(p.loc)
	if err != nil {
		return nil, fmt.Errorf("parsing DTSTART: %w", err)
	}
	end, err := e.DateTimeEnd(p.loc)
	if err != nil {
		return nil, fmt.Errorf("parsing DTEND: %w", err)
	}
	duration := end.Sub(start)

	description := p.plain(text(e.Component, ical.PropDescription))
	summary := text(e.Component, ical.PropSummary)
	details := summary + "\n" + description

	base := models.DiscoveredEvent{
		Source:          source,
		Title:           summary,
		Description:     description,
		Location:        text(e.Component, ical.PropLocation),
		Cost:            ParseCost(details),
		RegistrationURL: registrationURL(e.Component, description),
	}
	base.AgeMin, base.AgeMax = ParseAges(details)

	set, err := calendar.RecurrenceSet(e.Component, start, p.loc)
	if err != nil {
		return nil, err
	}

	occurrences := []time.Time{start}
	if set != nil {
		occurrences = set.Between(now, until, true)
	}

	var out []models.DiscoveredEvent
	for _, occ := range occurrences {
		if !occ.After(now) || occ.After(until) {
			continue
		}
		d := base
		d.SourceID = uid
		if set != nil {
			d.SourceID = uid + "/" + occ.UTC().Format("20060102T150405Z")
		}
		d.Start = occ
		if duration > 0 {
			occEnd := occ.Add(duration)
			d.End = &occEnd
		}
		out = append(out, d)
	}
	return out, nil
}

// plain converts an HTML description to text. Plain descriptions pass through.
func (p *Parser) plain(description string) string {
	description = strings.TrimSpace(description)
	if !strings.Contains(description, "<") {
		return description
	}
	converted, err := p.converter.ConvertString(description)
	if err != nil {
		return description
	}
	return strings.TrimSpace(converted)
}

// registrationURL prefers the event's URL property, then the first link in
// the description.
func registrationURL(comp *ical.Component, description string) string {
	if u := text(comp, ical.PropURL); validURL(u) {
		return u
	}
	for _, link := range linkRe.FindAllString(description, -1) {
		if validURL(link) {
			return link
		}
	}
	return ""
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func text(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	if v, err := p.Text(); err == nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(p.Value)
}

// Validate checks a pushed event before it is ingested.
func Validate(d models.DiscoveredEvent) error {
	switch {
	case strings.TrimSpace(d.Source) == "":
		return errors.New("source is required")
	case strings.TrimSpace(d.SourceID) == "":
		return errors.New("source_id is required")
	case strings.TrimSpace(d.Title) == "":
		return errors.New("title is required")
	case d.Start.IsZero():
		return errors.New("start is required")
	case d.End != nil && d.End.Before(d.Start):
		return errors.New("end is before start")
	case d.Cost < 0:
		return errors.New("cost cannot be negative")
	case d.RegistrationURL != "" && !validURL(d.RegistrationURL):
		return fmt.Errorf("invalid registration_url %q", d.RegistrationURL)
	case d.AgeMin != nil && d.AgeMax != nil && *d.AgeMin > *d.AgeMax:
		return errors.New("age_min is greater than age_max")
	}
	return nil
}
