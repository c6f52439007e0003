// Package classifier turns free-text replies to proposals into approval intents.
package classifier

import (
	"strings"
	"unicode"
)

// Intent is what a reply asks the pipeline to do.
type Intent string

// Intent constants
const (
	IntentApprove        Intent = "approve"
	IntentReject         Intent = "reject"
	IntentPaymentConfirm Intent = "payment_confirm"
	IntentCancel         Intent = "cancel"
	IntentUnclear        Intent = "unclear"
)

// Confidence qualifies an intent.
type Confidence string

// Confidence constants
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Result is the outcome of classifying a reply.
type Result struct {
	Intent     Intent     `json:"intent"`
	Confidence Confidence `json:"confidence"`
}

var unclear = Result{Intent: IntentUnclear, Confidence: ConfidenceLow}

// Single-word tokens per intent. Matched against whole words only.
var wordTokens = map[string]Intent{
	"y": IntentApprove, "yes": IntentApprove, "yeah": IntentApprove, "yep": IntentApprove,
	"yup": IntentApprove, "ya": IntentApprove, "yea": IntentApprove, "sure": IntentApprove,
	"ok": IntentApprove, "okay": IntentApprove, "k": IntentApprove, "approve": IntentApprove,
	"approved": IntentApprove, "accept": IntentApprove, "absolutely": IntentApprove,
	"definitely": IntentApprove, "go": IntentApprove, "1": IntentApprove, "si": IntentApprove,

	"n": IntentReject, "no": IntentReject, "nope": IntentReject, "nah": IntentReject,
	"pass": IntentReject, "skip": IntentReject, "reject": IntentReject, "rejected": IntentReject,
	"decline": IntentReject, "declined": IntentReject, "0": IntentReject,

	"paid": IntentPaymentConfirm, "done": IntentPaymentConfirm, "complete": IntentPaymentConfirm,
	"completed": IntentPaymentConfirm, "finished": IntentPaymentConfirm,

	"cancel": IntentCancel, "cancelled": IntentCancel, "canceled": IntentCancel,
	"withdraw": IntentCancel, "stop": IntentCancel,
}

// Multi-word phrases, matched before single words. The words of a matched
// phrase are consumed so "not now" never contributes a stray token.
var phraseTokens = []struct {
	phrase string
	intent Intent
}{
	{"sign us up", IntentApprove},
	{"count us in", IntentApprove},
	{"sounds good", IntentApprove},
	{"sounds great", IntentApprove},
	{"lets do it", IntentApprove},
	{"let's do it", IntentApprove},
	{"do it", IntentApprove},
	{"go for it", IntentApprove},
	{"we're in", IntentApprove},
	{"were in", IntentApprove},
	{"not now", IntentReject},
	{"not interested", IntentReject},
	{"not this time", IntentReject},
	{"no thanks", IntentReject},
	{"no thank you", IntentReject},
	{"can't make it", IntentReject},
	{"cant make it", IntentReject},
	{"i paid", IntentPaymentConfirm},
	{"payment sent", IntentPaymentConfirm},
	{"all set", IntentPaymentConfirm},
	{"cancel it", IntentCancel},
	{"call it off", IntentCancel},
}

// Phrases that signal hesitation. Their presence always yields unclear.
var hedges = []string{"not sure", "maybe", "idk", "dunno", "don't know", "dont know", "let me check", "?"}

// Words that flip a following approval token into a rejection ("not ok").
var negators = map[string]bool{
	"not": true, "don't": true, "dont": true, "never": true,
	"can't": true, "cant": true, "won't": true, "wont": true,
}

var emojiTokens = map[string]Intent{
	"👍": IntentApprove, "✅": IntentApprove, "👌": IntentApprove, "✔": IntentApprove,
	"🙌": IntentApprove, "🎉": IntentApprove, "💯": IntentApprove,
	"👎": IntentReject, "❌": IntentReject, "🚫": IntentReject, "🙅": IntentReject,
	"💳": IntentPaymentConfirm, "💸": IntentPaymentConfirm,
	"🛑": IntentCancel,
}

// Classify maps a free-text reply to an intent. It is case-insensitive and
// never guesses: contradictory or hedged replies are unclear with low confidence.
func Classify(text string) Result {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return unclear
	}

	for _, h := range hedges {
		if strings.Contains(normalized, h) {
			return unclear
		}
	}

	found := make(map[Intent]int)

	for emoji, intent := range emojiTokens {
		if strings.Contains(normalized, emoji) {
			found[intent]++
		}
	}

	words := tokenize(normalized)
	words = consumePhrases(words, found)

	for i, w := range words {
		if w == "" {
			continue
		}
		intent, ok := wordTokens[w]
		if !ok {
			continue
		}
		if i > 0 && negators[words[i-1]] {
			if intent != IntentApprove {
				// "not done", "don't cancel": too easy to misread
				return unclear
			}
			intent = IntentReject
		}
		found[intent]++
	}

	if len(found) != 1 {
		return unclear
	}

	var intent Intent
	for k := range found {
		intent = k
	}

	confidence := ConfidenceMedium
	if isCanonical(words, found[intent]) {
		confidence = ConfidenceHigh
	}

	return Result{Intent: intent, Confidence: confidence}
}

// tokenize splits on anything that is not a letter, digit or apostrophe.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
}

// consumePhrases records phrase matches and blanks out their words.
func consumePhrases(words []string, found map[Intent]int) []string {
	out := make([]string, len(words))
	copy(out, words)

	for _, p := range phraseTokens {
		pw := strings.Fields(p.phrase)
		for i := 0; i+len(pw) <= len(out); i++ {
			match := true
			for j, w := range pw {
				if out[i+j] != w {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			found[p.intent]++
			for j := range pw {
				out[i+j] = ""
			}
		}
	}

	return out
}

// isCanonical is true when the reply consists only of intent tokens: no
// surrounding words that a human reader might weigh differently.
func isCanonical(words []string, matches int) bool {
	extra := 0
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, ok := wordTokens[w]; ok {
			continue
		}
		if fillers[w] || negators[w] {
			continue
		}
		extra++
	}
	return extra == 0 && matches > 0
}

// Words that do not change the meaning of a short reply.
var fillers = map[string]bool{
	"please": true, "thanks": true, "thank": true, "you": true, "pls": true, "plz": true,
	"ref": true, "oh": true, "hi": true, "hey": true,
}
