// Package guard inspects registration pages for anything that could lead to
// a payment being submitted. Its verdict is final: callers must not submit a
// form the guard has not allowed.
package guard

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Snapshot is the state of a registration page right before submission.
type Snapshot struct {
	URL          string
	HTML         string
	DeclaredCost float64
}

// Verdict is the result of inspecting a snapshot.
type Verdict struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason,omitempty"`
	Signals []string `json:"signals,omitempty"`
}

// Signal names
const (
	SignalDeclaredCost = "declared_cost"
	SignalCardField    = "card_field"
	SignalKeyword      = "payment_keyword"
	SignalButton       = "payment_button"
	SignalPrice        = "price"
	SignalProcessor    = "payment_processor"
	SignalUnparseable  = "unparseable_page"
)

var (
	cardFieldRe = regexp.MustCompile(`(?i)(card.?num|cc.?num|credit.?card|debit.?card|cardholder|cvv|cvc|csc|security.?code|exp(iry|iration)?.?(date|month|year|mm|yy)|\bexp\b)`)
	buttonRe    = regexp.MustCompile(`(?i)\b(pay|pay now|checkout|check out|purchase|buy|place order|add to cart)\b`)
	priceRe     = regexp.MustCompile(`\$\s?(\d{1,5}(?:[.,]\d{2})?)`)
	processorRe = regexp.MustCompile(`(?i)(stripe\.com|paypal\.com|squareup\.com|braintree|authorize\.net|checkout\.com)`)
)

var paymentKeywords = []string{
	"credit card", "debit card", "card number", "payment information", "payment details",
	"billing address", "billing information", "amount due", "total due", "pay now",
	"proceed to payment", "enter payment",
}

// Phrases that mention payment only to rule it out. Stripped before scanning.
var negations = []string{
	"no payment required", "no payment is required", "no payment necessary",
	"no payment needed", "no credit card required", "no credit card needed",
	"free of charge", "no cost to attend", "no fee",
}

// Inspect decides whether submitting the page is allowed. Any single signal
// blocks. A declared cost above zero blocks regardless of page content.
func Inspect(s Snapshot) Verdict {
	var signals []string
	var reasons []string

	if s.DeclaredCost > 0 {
		log.Printf("SAFETY: event with declared cost %.2f reached the submit step (%s)", s.DeclaredCost, s.URL)
		signals = append(signals, SignalDeclaredCost)
		reasons = append(reasons, fmt.Sprintf("declared cost %.2f", s.DeclaredCost))
	}

	doc, err := html.Parse(strings.NewReader(s.HTML))
	if err != nil {
		signals = append(signals, SignalUnparseable)
		reasons = append(reasons, "page could not be parsed")
		return block(s, signals, reasons)
	}

	page := scan(doc)

	for _, field := range page.fields {
		if field.isCard() {
			signals = append(signals, SignalCardField)
			reasons = append(reasons, "card field "+field.label())
			break
		}
	}

	text := stripNegations(strings.ToLower(page.text.String()))
	for _, kw := range paymentKeywords {
		if strings.Contains(text, kw) {
			signals = append(signals, SignalKeyword)
			reasons = append(reasons, fmt.Sprintf("keyword %q", kw))
			break
		}
	}

	for _, b := range page.buttons {
		if buttonRe.MatchString(b) {
			signals = append(signals, SignalButton)
			reasons = append(reasons, fmt.Sprintf("button %q", strings.TrimSpace(b)))
			break
		}
	}

	if amount, ok := firstPrice(stripNegations(strings.ToLower(page.formText.String()))); ok {
		signals = append(signals, SignalPrice)
		reasons = append(reasons, fmt.Sprintf("price $%.2f in form", amount))
	}

	for _, src := range page.embeds {
		if processorRe.MatchString(src) {
			signals = append(signals, SignalProcessor)
			reasons = append(reasons, "embedded payment processor "+src)
			break
		}
	}

	if len(signals) == 0 {
		return Verdict{Allowed: true}
	}
	return block(s, signals, reasons)
}

func block(s Snapshot, signals, reasons []string) Verdict {
	v := Verdict{
		Allowed: false,
		Reason:  strings.Join(reasons, "; "),
		Signals: signals,
	}
	log.Printf("SAFETY: payment guard blocked %s: %s", s.URL, v.Reason)
	return v
}

type field struct {
	attrs []string
}

func (f field) isCard() bool {
	for _, a := range f.attrs {
		if strings.HasPrefix(strings.ToLower(a), "cc-") || cardFieldRe.MatchString(a) {
			return true
		}
	}
	return false
}

func (f field) label() string {
	for _, a := range f.attrs {
		if a != "" {
			return a
		}
	}
	return "(unnamed)"
}

type pageScan struct {
	fields   []field
	buttons  []string
	embeds   []string
	text     strings.Builder
	formText strings.Builder
}

func scan(doc *html.Node) *pageScan {
	p := &pageScan{}

	var walk func(n *html.Node, inForm bool)
	walk = func(n *html.Node, inForm bool) {
		switch n.Type {
		case html.TextNode:
			p.text.WriteString(n.Data)
			p.text.WriteByte(' ')
			if inForm {
				p.formText.WriteString(n.Data)
				p.formText.WriteByte(' ')
			}
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "form":
				inForm = true
			case "input", "select", "textarea":
				f := field{attrs: []string{
					attr(n, "name"), attr(n, "id"), attr(n, "autocomplete"),
					attr(n, "placeholder"), attr(n, "aria-label"), attr(n, "data-stripe"),
				}}
				p.fields = append(p.fields, f)
				if typ := strings.ToLower(attr(n, "type")); typ == "submit" || typ == "button" {
					p.buttons = append(p.buttons, attr(n, "value"))
				}
				if v := attr(n, "value"); v != "" && inForm && strings.ToLower(attr(n, "type")) != "hidden" {
					p.formText.WriteString(v)
					p.formText.WriteByte(' ')
				}
			case "button":
				p.buttons = append(p.buttons, textOf(n)+" "+attr(n, "value"))
			case "a":
				if strings.Contains(strings.ToLower(attr(n, "class")), "btn") || attr(n, "role") == "button" {
					p.buttons = append(p.buttons, textOf(n))
				}
			case "iframe":
				p.embeds = append(p.embeds, attr(n, "src"))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inForm)
		}
	}

	// The main walk skips script bodies, so script sources are collected first.
	var scripts func(n *html.Node)
	scripts = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" {
			if src := attr(n, "src"); src != "" {
				p.embeds = append(p.embeds, src)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			scripts(c)
		}
	}
	scripts(doc)
	walk(doc, false)

	return p
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func stripNegations(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	for _, n := range negations {
		text = strings.ReplaceAll(text, n, " ")
	}
	return text
}

func firstPrice(text string) (float64, bool) {
	for _, m := range priceRe.FindAllStringSubmatch(text, -1) {
		amount, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err == nil && amount > 0 {
			return amount, true
		}
	}
	return 0, false
}
