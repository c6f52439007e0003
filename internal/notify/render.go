package notify

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/family-event-planner/backend/internal/storage/models"
)

const descriptionLimit = 400

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// Renderer turns pipeline state into human-readable messages.
type Renderer struct {
	converter *md.Converter
	loc       *time.Location
	templates *template.Template
}

// NewRenderer creates a renderer that shows times in loc.
func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.Local
	}
	r := &Renderer{
		converter: md.NewConverter("", true, nil),
		loc:       loc,
	}
	r.templates = template.Must(template.New("messages").Funcs(template.FuncMap{
		"when":  r.when,
		"cost":  formatCost,
		"ages":  formatAges,
		"clip":  clip,
		"join":  strings.Join,
		"upper": strings.ToUpper,
	}).Parse(messageTemplates))
	return r
}

const messageTemplates = `
{{define "proposal_email"}}{{.Event.Title}}
When: {{when .Event.Start}}{{if .Event.Location}}
Where: {{.Event.Location}}{{end}}
Cost: {{cost .Event.Cost}}{{with ages .Event}}
Ages: {{.}}{{end}}{{if .Event.RegistrationURL}}
Link: {{.Event.RegistrationURL}}{{end}}
{{with .Description}}
{{.}}
{{end}}{{range .Warnings}}
Heads up: {{.}}{{end}}

Reply YES to sign up or NO to skip (ref {{.Key}}).
{{end}}
{{define "proposal_sms"}}{{.Event.Title}}, {{when .Event.Start}}{{if .Event.Location}} at {{.Event.Location}}{{end}} ({{cost .Event.Cost}}).{{range .Warnings}} Heads up: {{.}}.{{end}} Reply YES or NO (ref {{.Key}}){{end}}
{{define "reprompt"}}Sorry, we couldn't tell whether that was a yes or a no for {{.Event.Title}} on {{when .Event.Start}}. Reply YES or NO (ref {{.Key}}){{end}}
{{define "ambiguous"}}You have more than one open question. Please reply again and include the ref:{{range .Pending}}
{{.Key}}: {{.Title}}{{end}}{{end}}
{{define "fallback"}}We couldn't register for {{.Event.Title}} on {{when .Event.Start}} automatically ({{.Fallback.Reason}}).{{if .Fallback.RegistrationURL}}
Register here: {{.Fallback.RegistrationURL}}{{end}}
Add to calendar: {{.Fallback.CalendarURL}}{{if .Key}}
Reply DONE once you've registered (ref {{.Key}}).{{end}}{{end}}
{{define "registered"}}You're registered for {{.Event.Title}} on {{when .Event.Start}}{{if .Event.Location}} at {{.Event.Location}}{{end}}.{{end}}
{{define "cancelled"}}{{.Event.Title}} on {{when .Event.Start}} was cancelled. Nothing further will happen for it.{{end}}
`

type proposalData struct {
	Event       *models.Event
	Key         string
	Description string
	Warnings    []string
}

type pendingRef struct {
	Key   string
	Title string
}

// Proposal renders the yes/no question for an event.
func (r *Renderer) Proposal(event *models.Event, verdict *models.ConflictVerdict, key, channel string) Message {
	data := proposalData{
		Event:    event,
		Key:      key,
		Warnings: r.warnings(verdict),
	}
	if channel == models.ChannelEmail {
		data.Description = r.PlainDescription(event.Description)
	}

	name := "proposal_sms"
	if channel == models.ChannelEmail {
		name = "proposal_email"
	}
	return Message{
		Subject: fmt.Sprintf("Sign up for %s on %s? (ref %s)", event.Title, r.when(event.Start), key),
		Body:    r.execute(name, data),
	}
}

// Reprompt renders the follow-up sent after an unclear reply.
func (r *Renderer) Reprompt(event *models.Event, key string) Message {
	return Message{
		Subject: fmt.Sprintf("Re: %s (ref %s)", event.Title, key),
		Body:    r.execute("reprompt", proposalData{Event: event, Key: key}),
	}
}

// Ambiguous renders the request to name which question a reply answers.
func (r *Renderer) Ambiguous(pending []pendingRef) Message {
	return Message{
		Subject: "Which event did you mean?",
		Body:    r.execute("ambiguous", struct{ Pending []pendingRef }{pending}),
	}
}

// ManualFallback renders the hand-off when automation could not finish.
func (r *Renderer) ManualFallback(event *models.Event, fallback *models.ManualFallback, key string) Message {
	return Message{
		Subject: fmt.Sprintf("Please register for %s yourself", event.Title),
		Body: r.execute("fallback", struct {
			Event    *models.Event
			Fallback *models.ManualFallback
			Key      string
		}{event, fallback, key}),
	}
}

// Registered renders the confirmation of a completed registration.
func (r *Renderer) Registered(event *models.Event) Message {
	return Message{
		Subject: fmt.Sprintf("Registered: %s", event.Title),
		Body:    r.execute("registered", proposalData{Event: event}),
	}
}

// Cancelled renders the notice that an event was withdrawn.
func (r *Renderer) Cancelled(event *models.Event) Message {
	return Message{
		Subject: fmt.Sprintf("Cancelled: %s", event.Title),
		Body:    r.execute("cancelled", proposalData{Event: event}),
	}
}

// Alert renders an operator alert.
func (r *Renderer) Alert(title, detail string) Message {
	return Message{Subject: title, Body: title + "\n\n" + detail}
}

// PlainDescription converts an HTML or plain description to short plain text.
func (r *Renderer) PlainDescription(description string) string {
	text := strings.TrimSpace(description)
	if text == "" {
		return ""
	}
	if strings.Contains(text, "<") {
		if converted, err := r.converter.ConvertString(text); err == nil {
			text = converted
		}
	}
	text = blankLinesRe.ReplaceAllString(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	return clip(strings.TrimSpace(text), descriptionLimit)
}

func (r *Renderer) warnings(v *models.ConflictVerdict) []string {
	if v == nil {
		return nil
	}
	var out []string
	for _, e := range v.EntriesFor(v.AccountOrder()...) {
		out = append(out, fmt.Sprintf("%s is on the calendar %s", e.Title, r.clock(e)))
	}
	if v.NoVerdict() {
		if v.SystemWarning != "" {
			out = append(out, "calendars could not be checked")
		}
		return out
	}
	for _, id := range v.Unreachable() {
		out = append(out, fmt.Sprintf("the %s calendar could not be checked", id))
	}
	return out
}

func (r *Renderer) clock(e models.CalendarEntry) string {
	if e.AllDay {
		return "all day"
	}
	return "at " + e.Start.In(r.loc).Format("3:04pm")
}

func (r *Renderer) when(t time.Time) string {
	return t.In(r.loc).Format("Mon Jan 2 3:04pm")
}

func (r *Renderer) execute(name string, data any) string {
	var b bytes.Buffer
	if err := r.templates.ExecuteTemplate(&b, name, data); err != nil {
		return fmt.Sprintf("(message %s could not be rendered: %v)", name, err)
	}
	return strings.TrimSpace(b.String())
}

func formatCost(cost float64) string {
	if cost <= 0 {
		return "Free"
	}
	return fmt.Sprintf("$%.2f", cost)
}

func formatAges(e *models.Event) string {
	switch {
	case e.AgeMin != nil && e.AgeMax != nil:
		return fmt.Sprintf("%d-%d", *e.AgeMin, *e.AgeMax)
	case e.AgeMin != nil:
		return fmt.Sprintf("%d+", *e.AgeMin)
	case e.AgeMax != nil:
		return fmt.Sprintf("up to %d", *e.AgeMax)
	}
	return ""
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}
