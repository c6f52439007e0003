package registration

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Adapter ids
const (
	AdapterGeneric = "generic"
	AdapterLibCal  = "libcal"
)

// FormAdapter fills a single HTML registration form. Fields are matched to
// the family profile through an explicit name map first, then through the
// field's name, label, placeholder and autocomplete hints.
type FormAdapter struct {
	id           string
	formSelector string
	fieldMap     map[string]string
	confirmation []string
	duplicate    []string
	full         []string
	now          func() time.Time
}

// NewGenericAdapter returns the fallback adapter used for venues without
// their own adapter.
func NewGenericAdapter() *FormAdapter {
	return &FormAdapter{
		id:           AdapterGeneric,
		confirmation: defaultConfirmation,
		duplicate:    defaultDuplicate,
		full:         defaultFull,
		now:          time.Now,
	}
}

// NewLibCalAdapter returns an adapter for LibCal-hosted library event pages.
func NewLibCalAdapter() *FormAdapter {
	return &FormAdapter{
		id:           AdapterLibCal,
		formSelector: "form#s-lc-event-form, form[action*='register']",
		fieldMap: map[string]string{
			"fname": FieldFirstName,
			"lname": FieldLastName,
			"email": FieldEmail,
			"phone": FieldPhone,
		},
		confirmation: append([]string{"you have successfully registered", "registration is complete"}, defaultConfirmation...),
		duplicate:    append([]string{"already registered for this event"}, defaultDuplicate...),
		full:         append([]string{"registration is full", "added to the waitlist"}, defaultFull...),
		now:          time.Now,
	}
}

var (
	defaultConfirmation = []string{
		"thank you for registering", "thanks for registering", "registration confirmed",
		"registration successful", "you're registered", "you are registered",
		"you're signed up", "you are signed up", "confirmation number", "see you there",
	}
	defaultDuplicate = []string{
		"already registered", "already signed up", "duplicate registration",
	}
	defaultFull = []string{
		"event is full", "registration is closed", "no spots remaining", "sold out", "waitlist",
	}
)

func (a *FormAdapter) ID() string {
	return a.id
}

// Fill enters the profile into the page's form. Unknown fields are left alone.
func (a *FormAdapter) Fill(ctx context.Context, page *Page, profile FamilyProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.formSelector != "" {
		page.SelectForm(a.formSelector)
	}
	if !page.HasForm() {
		if a.matches(page.Text(), a.full) {
			return ErrEventFull
		}
		if a.matches(page.Text(), a.duplicate) {
			return ErrAlreadyRegistered
		}
		return ErrNoForm
	}

	values := profile.Values(a.now())
	filled := 0
	for _, f := range page.Fields() {
		if f.Type == "checkbox" {
			if f.Required {
				page.Set(f.Name, "on")
			}
			continue
		}
		key, ok := a.fieldMap[f.Name]
		if !ok {
			key = matchField(f)
		}
		v := values[key]
		if key == "" || v == "" {
			continue
		}
		if f.Type == "select" {
			v = pickOption(f.Options, v)
			if v == "" {
				continue
			}
		}
		page.Set(f.Name, v)
		filled++
	}

	if missing := page.Missing(); len(missing) > 0 {
		return fmt.Errorf("required fields not filled: %s", strings.Join(missing, ", "))
	}
	log.Printf("Adapter %s filled %d fields on %s", a.id, filled, page.URL)
	return nil
}

// Submit posts the form and checks the response for a confirmation.
func (a *FormAdapter) Submit(ctx context.Context, page *Page) (*Page, error) {
	result, err := page.Submit(ctx)
	if err != nil {
		return nil, err
	}

	text := result.Text()
	switch {
	case a.matches(text, a.duplicate):
		return result, ErrAlreadyRegistered
	case a.matches(text, a.confirmation):
		return result, nil
	case a.matches(text, a.full):
		return result, ErrEventFull
	}
	return result, ErrNoConfirmation
}

func (a *FormAdapter) matches(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// fieldRules map hint words to profile keys. Earlier rules win, so the
// child and count rules come before the plain name rules.
var fieldRules = []struct {
	key   string
	words []string
}{
	{FieldChildAge, []string{"child", "age"}},
	{FieldChildAge, []string{"childage"}},
	{FieldChildAge, []string{"age"}},
	{FieldChildAge, []string{"ages"}},
	{FieldChildName, []string{"childname"}},
	{FieldChildName, []string{"child"}},
	{FieldChildName, []string{"kid"}},
	{FieldChildName, []string{"participant"}},
	{FieldNumChildren, []string{"attendees"}},
	{FieldNumChildren, []string{"guests"}},
	{FieldNumChildren, []string{"party", "size"}},
	{FieldNumChildren, []string{"tickets"}},
	{FieldNumChildren, []string{"seats"}},
	{FieldNumChildren, []string{"quantity"}},
	{FieldEmail, []string{"email"}},
	{FieldEmail, []string{"e", "mail"}},
	{FieldPhone, []string{"phone"}},
	{FieldPhone, []string{"tel"}},
	{FieldPhone, []string{"mobile"}},
	{FieldPostalCode, []string{"zip"}},
	{FieldPostalCode, []string{"zipcode"}},
	{FieldPostalCode, []string{"postal"}},
	{FieldPostalCode, []string{"postcode"}},
	{FieldFirstName, []string{"firstname"}},
	{FieldFirstName, []string{"fname"}},
	{FieldFirstName, []string{"first"}},
	{FieldFirstName, []string{"given"}},
	{FieldLastName, []string{"lastname"}},
	{FieldLastName, []string{"lname"}},
	{FieldLastName, []string{"last"}},
	{FieldLastName, []string{"surname"}},
	{FieldLastName, []string{"family"}},
	{FieldFullName, []string{"fullname"}},
	{FieldFullName, []string{"name"}},
}

// matchField guesses the profile key a form field asks for.
func matchField(f Field) string {
	switch f.Type {
	case "email":
		return FieldEmail
	case "tel":
		return FieldPhone
	}

	words := make(map[string]bool)
	for _, h := range f.Hints() {
		for _, w := range strings.FieldsFunc(h, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			words[w] = true
		}
	}

	for _, rule := range fieldRules {
		all := true
		for _, w := range rule.words {
			if !words[w] {
				all = false
				break
			}
		}
		if all {
			return rule.key
		}
	}
	return ""
}

// pickOption returns the select option equal to v, or for numeric values the
// first range option ("3-5") containing it.
func pickOption(options []string, v string) string {
	for _, o := range options {
		if strings.EqualFold(o, v) {
			return o
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return ""
	}
	for _, o := range options {
		lo, hi, ok := strings.Cut(o, "-")
		if !ok {
			continue
		}
		l, err1 := strconv.Atoi(strings.TrimSpace(lo))
		h, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 == nil && err2 == nil && n >= l && n <= h {
			return o
		}
	}
	return ""
}
