package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/family-event-planner/backend/internal/storage/models"
)

const venueFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Library//Events//EN
BEGIN:VEVENT
UID:storytime-1
DTSTAMP:20260101T000000Z
DTSTART:20261105T150000Z
DTEND:20261105T160000Z
SUMMARY:Preschool Story Time
DESCRIPTION:<p>Stories and songs for <b>ages 3-5</b>. Free!</p><p>Register at https://library.example/register/1</p>
LOCATION:Main Branch
END:VEVENT
BEGIN:VEVENT
UID:lego-1
DTSTAMP:20260101T000000Z
DTSTART:20261106T180000Z
DTEND:20261106T190000Z
SUMMARY:Lego Lab
DESCRIPTION:Materials fee: $15. Ages 6+
URL:https://library.example/lego
END:VEVENT
BEGIN:VEVENT
UID:cancelled-1
DTSTAMP:20260101T000000Z
DTSTART:20261107T180000Z
SUMMARY:Cancelled Show
STATUS:CANCELLED
END:VEVENT
BEGIN:VEVENT
UID:old-1
DTSTAMP:20260101T000000Z
DTSTART:20250101T180000Z
SUMMARY:Last Year
END:VEVENT
BEGIN:VEVENT
UID:weekly-1
DTSTAMP:20260101T000000Z
DTSTART:20261102T170000Z
DTEND:20261102T173000Z
RRULE:FREQ=WEEKLY;COUNT=10
SUMMARY:Baby Rhyme Time
DESCRIPTION:Ages 2 and under
END:VEVENT
END:VCALENDAR
`

func parseTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func TestParseFeed(t *testing.T) {
	now := parseTime(t, "2026-11-01T00:00:00Z")
	p := NewParser(time.UTC, 14*24*time.Hour)

	events, err := p.Parse(strings.NewReader(venueFeed), "library", now)
	require.NoError(t, err)

	byID := make(map[string]models.DiscoveredEvent)
	for _, e := range events {
		byID[e.SourceID] = e
	}

	story, ok := byID["storytime-1"]
	require.True(t, ok)
	assert.Equal(t, "Preschool Story Time", story.Title)
	assert.Equal(t, "library", story.Source)
	assert.Equal(t, 0.0, story.Cost)
	require.NotNil(t, story.AgeMin)
	require.NotNil(t, story.AgeMax)
	assert.Equal(t, 3, *story.AgeMin)
	assert.Equal(t, 5, *story.AgeMax)
	assert.Equal(t, "https://library.example/register/1", story.RegistrationURL)
	assert.NotContains(t, story.Description, "<p>")
	require.NotNil(t, story.End)
	assert.Equal(t, time.Hour, story.End.Sub(story.Start))

	lego := byID["lego-1"]
	assert.Equal(t, 15.0, lego.Cost)
	require.NotNil(t, lego.AgeMin)
	assert.Equal(t, 6, *lego.AgeMin)
	assert.Nil(t, lego.AgeMax)
	assert.Equal(t, "https://library.example/lego", lego.RegistrationURL)

	assert.NotContains(t, byID, "cancelled-1")
	assert.NotContains(t, byID, "old-1")

	weekly := 0
	for id, e := range byID {
		if strings.HasPrefix(id, "weekly-1/") {
			weekly++
			require.NotNil(t, e.AgeMax)
			assert.Equal(t, 2, *e.AgeMax)
		}
	}
	assert.Equal(t, 2, weekly, "only occurrences inside the horizon")
}

func TestParseCost(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"Free for everyone", 0},
		{"Tickets $12.50 per child", 12.5},
		{"Fee: 8", 8},
		{"Free admission, parking $5", 5},
		{"Bring $0 and a smile", 0},
		{"Room 101", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCost(tt.text), tt.text)
	}
	assert.True(t, IsFree("Free!"))
	assert.False(t, IsFree("Free admission, parking $5"))
}

func TestParseAges(t *testing.T) {
	lo, hi := ParseAges("For ages 4 to 8")
	require.NotNil(t, lo)
	require.NotNil(t, hi)
	assert.Equal(t, 4, *lo)
	assert.Equal(t, 8, *hi)

	lo, hi = ParseAges("Ages 10+")
	require.NotNil(t, lo)
	assert.Equal(t, 10, *lo)
	assert.Nil(t, hi)

	lo, hi = ParseAges("everyone welcome")
	assert.Nil(t, lo)
	assert.Nil(t, hi)
}

func TestValidate(t *testing.T) {
	valid := models.DiscoveredEvent{
		Source: "zoo", SourceID: "1", Title: "Feeding", Start: time.Now(),
		RegistrationURL: "https://zoo.example/r",
	}
	assert.NoError(t, Validate(valid))

	bad := valid
	bad.RegistrationURL = "javascript:alert(1)"
	assert.Error(t, Validate(bad))

	bad = valid
	bad.SourceID = ""
	assert.Error(t, Validate(bad))

	bad = valid
	bad.Cost = -1
	assert.Error(t, Validate(bad))
}

type recordingIngester struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (r *recordingIngester) Ingest(_ context.Context, d models.DiscoveredEvent) (*models.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := d.Source + "/" + d.SourceID
	created := !r.seen[key]
	r.seen[key] = true
	return &models.Event{ID: key, Source: d.Source, SourceID: d.SourceID}, created, nil
}

func TestSyncFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.ics" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, venueFeed)
	}))
	defer server.Close()

	ingester := &recordingIngester{seen: make(map[string]bool)}
	svc := NewSyncService([]Feed{
		{Source: "library", URL: server.URL + "/events.ics"},
		{Source: "broken", URL: server.URL + "/missing.ics"},
	}, ingester, NewParser(time.UTC, 14*24*time.Hour))
	svc.now = func() time.Time { return parseTime(t, "2026-11-01T00:00:00Z") }

	results := svc.SyncAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, 4, results[0].Found)
	assert.Equal(t, 4, results[0].Created)
	assert.NoError(t, results[0].Error)
	assert.Error(t, results[1].Error)

	again, err := svc.SyncFeed(context.Background(), svc.Feeds()[0])
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)
}
