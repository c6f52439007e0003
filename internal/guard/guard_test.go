package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const freeForm = `<html><body>
<h1>Toddler Story Time</h1>
<p>This program is free. No payment required.</p>
<form action="/register" method="post">
  <label>Parent name <input name="parent_name" autocomplete="name"></label>
  <label>Email <input name="email" type="email"></label>
  <label>Child age <input name="child_age"></label>
  <button type="submit">Register</button>
</form>
</body></html>`

func TestInspectAllowsFreeForm(t *testing.T) {
	v := Inspect(Snapshot{URL: "https://library.example/register", HTML: freeForm})
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Signals)
}

func TestInspectBlocksDeclaredCostRegardlessOfPage(t *testing.T) {
	for _, page := range []string{freeForm, "", "<p>hello</p>"} {
		v := Inspect(Snapshot{HTML: page, DeclaredCost: 15})
		assert.False(t, v.Allowed)
		assert.Contains(t, v.Signals, SignalDeclaredCost)
	}

	v := Inspect(Snapshot{HTML: freeForm, DeclaredCost: 0.01})
	assert.False(t, v.Allowed)
}

func TestInspectSignals(t *testing.T) {
	tests := []struct {
		name   string
		html   string
		signal string
	}{
		{
			name:   "card number field",
			html:   `<form><input name="cardNumber"><button>Register</button></form>`,
			signal: SignalCardField,
		},
		{
			name:   "cvv field",
			html:   `<form><input id="cvv" maxlength="4"></form>`,
			signal: SignalCardField,
		},
		{
			name:   "autocomplete cc",
			html:   `<form><input name="f3" autocomplete="cc-exp"></form>`,
			signal: SignalCardField,
		},
		{
			name:   "expiry field",
			html:   `<form><input name="exp_month"></form>`,
			signal: SignalCardField,
		},
		{
			name:   "keyword in text",
			html:   `<p>Please enter your billing address below.</p>`,
			signal: SignalKeyword,
		},
		{
			name:   "pay button",
			html:   `<form><input name="name"><button type="submit">Pay now</button></form>`,
			signal: SignalButton,
		},
		{
			name:   "checkout submit input",
			html:   `<form><input type="submit" value="Checkout"></form>`,
			signal: SignalButton,
		},
		{
			name:   "price in form",
			html:   `<form><p>Registration fee: $12.00</p><button>Register</button></form>`,
			signal: SignalPrice,
		},
		{
			name:   "stripe iframe",
			html:   `<form><iframe src="https://js.stripe.com/v3/elements"></iframe></form>`,
			signal: SignalProcessor,
		},
		{
			name:   "paypal script",
			html:   `<head><script src="https://www.paypal.com/sdk/js"></script></head><body><form></form></body>`,
			signal: SignalProcessor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Inspect(Snapshot{URL: "https://venue.example", HTML: tt.html})
			assert.False(t, v.Allowed)
			assert.Contains(t, v.Signals, tt.signal)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestInspectIgnoresNegatedPaymentMentions(t *testing.T) {
	page := `<body><p>No credit card required. Free of charge for residents.</p>
<form><p>Cost: $0</p><input name="first_name"><button>Sign up</button></form></body>`

	v := Inspect(Snapshot{HTML: page})
	assert.True(t, v.Allowed, v.Reason)
}

func TestInspectIgnoresScriptText(t *testing.T) {
	page := `<body><script>var label = "credit card";</script><form><button>Register</button></form></body>`

	v := Inspect(Snapshot{HTML: page})
	assert.True(t, v.Allowed, v.Reason)
}

func TestInspectDoesNotMatchPayInsideWords(t *testing.T) {
	page := `<form><button>Display options</button><button>Register</button></form>`

	v := Inspect(Snapshot{HTML: page})
	assert.True(t, v.Allowed, v.Reason)
}
