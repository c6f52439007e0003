package registration

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Field describes one input of the selected form.
type Field struct {
	Name         string
	ID           string
	Type         string
	Label        string
	Placeholder  string
	Autocomplete string
	Required     bool
	Options      []string
}

// Hints returns the lower-cased strings that describe what the field wants.
func (f Field) Hints() []string {
	hints := []string{f.Name, f.ID, f.Label, f.Placeholder, f.Autocomplete}
	out := hints[:0]
	for _, h := range hints {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Page is a loaded registration page with at most one selected form whose
// values are edited in place before submission.
type Page struct {
	URL    *url.URL
	Status int
	HTML   string

	session *session
	doc     *goquery.Document
	form    *goquery.Selection
	fields  []Field
	values  url.Values
}

func newPage(s *session, u *url.URL, status int, body string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}
	p := &Page{
		URL:     u,
		Status:  status,
		HTML:    body,
		session: s,
		doc:     doc,
		values:  url.Values{},
	}
	p.selectDefaultForm()
	return p, nil
}

// Document returns the parsed page.
func (p *Page) Document() *goquery.Document {
	return p.doc
}

// Text returns the page's visible text, lower-cased and whitespace-collapsed.
func (p *Page) Text() string {
	body := p.doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	return strings.ToLower(strings.Join(strings.Fields(body.Text()), " "))
}

// HasForm returns true if a form is selected.
func (p *Page) HasForm() bool {
	return p.form != nil && p.form.Length() > 0
}

// SelectForm selects the first form matching selector. Returns false if none matches.
func (p *Page) SelectForm(selector string) bool {
	form := p.doc.Find(selector).Filter("form").First()
	if form.Length() == 0 {
		return false
	}
	p.useForm(form)
	return true
}

// selectDefaultForm picks the first form that is not a site search box.
func (p *Page) selectDefaultForm() {
	var chosen *goquery.Selection
	p.doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		role, _ := form.Attr("role")
		action, _ := form.Attr("action")
		if role == "search" || strings.Contains(strings.ToLower(action), "search") {
			return true
		}
		if form.Find("input, select, textarea").Not("[type=hidden]").Length() == 0 {
			return true
		}
		chosen = form
		return false
	})
	if chosen != nil {
		p.useForm(chosen)
	}
}

func (p *Page) useForm(form *goquery.Selection) {
	p.form = form
	p.fields = nil
	p.values = url.Values{}

	labels := make(map[string]string)
	form.Find("label[for]").Each(func(_ int, l *goquery.Selection) {
		forID, _ := l.Attr("for")
		labels[forID] = strings.TrimSpace(l.Text())
	})

	form.Find("input, select, textarea").Each(func(_ int, in *goquery.Selection) {
		name, _ := in.Attr("name")
		if name == "" {
			return
		}
		typ := strings.ToLower(in.AttrOr("type", "text"))
		if goquery.NodeName(in) == "select" {
			typ = "select"
		}
		if goquery.NodeName(in) == "textarea" {
			typ = "textarea"
		}

		switch typ {
		case "submit", "button", "image", "reset", "file":
			return
		case "hidden":
			p.values.Set(name, in.AttrOr("value", ""))
			return
		case "checkbox", "radio":
			if _, checked := in.Attr("checked"); checked {
				p.values.Add(name, in.AttrOr("value", "on"))
			}
		case "select":
			if v := in.Find("option[selected]").First().AttrOr("value", ""); v != "" {
				p.values.Set(name, v)
			}
		default:
			if v, ok := in.Attr("value"); ok {
				p.values.Set(name, v)
			}
		}

		id, _ := in.Attr("id")
		label := labels[id]
		if label == "" {
			label = strings.TrimSpace(in.Closest("label").Text())
		}
		f := Field{
			Name:         name,
			ID:           id,
			Type:         typ,
			Label:        label,
			Placeholder:  in.AttrOr("placeholder", ""),
			Autocomplete: in.AttrOr("autocomplete", ""),
		}
		_, f.Required = in.Attr("required")
		if typ == "select" {
			in.Find("option").Each(func(_ int, o *goquery.Selection) {
				f.Options = append(f.Options, o.AttrOr("value", strings.TrimSpace(o.Text())))
			})
		}
		p.fields = append(p.fields, f)
	})
}

// Fields returns the editable fields of the selected form.
func (p *Page) Fields() []Field {
	return p.fields
}

// Set assigns a field value. Returns false if the form has no such field.
func (p *Page) Set(name, value string) bool {
	for _, f := range p.fields {
		if f.Name == name {
			p.values.Set(name, value)
			return true
		}
	}
	return false
}

// Value returns the current value of a field.
func (p *Page) Value(name string) string {
	return p.values.Get(name)
}

// Values returns a copy of the form values that would be submitted.
func (p *Page) Values() url.Values {
	out := url.Values{}
	for k, v := range p.values {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Missing returns required fields that still have no value.
func (p *Page) Missing() []string {
	var missing []string
	for _, f := range p.fields {
		if f.Required && p.values.Get(f.Name) == "" {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// action resolves the form's method and target URL.
func (p *Page) action() (string, *url.URL, error) {
	method := strings.ToUpper(p.form.AttrOr("method", "GET"))
	target, err := p.URL.Parse(p.form.AttrOr("action", ""))
	if err != nil {
		return "", nil, fmt.Errorf("resolving form action: %w", err)
	}
	return method, target, nil
}

// Submit sends the selected form and returns the resulting page.
func (p *Page) Submit(ctx context.Context) (*Page, error) {
	if !p.HasForm() {
		return nil, ErrPageDetached
	}
	return p.session.submit(ctx, p)
}
