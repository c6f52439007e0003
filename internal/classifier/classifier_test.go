package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyCanonicalTokensIgnoreCase(t *testing.T) {
	yes := Classify("YES")
	assert.Equal(t, yes, Classify("yes"))
	assert.Equal(t, yes, Classify("Y"))
	assert.Equal(t, Result{Intent: IntentApprove, Confidence: ConfidenceHigh}, yes)

	no := Classify("NO")
	assert.Equal(t, no, Classify("n"))
	assert.Equal(t, Result{Intent: IntentReject, Confidence: ConfidenceHigh}, no)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		intent     Intent
		confidence Confidence
	}{
		{"single digit approve", "1", IntentApprove, ConfidenceHigh},
		{"single digit reject", "0", IntentReject, ConfidenceHigh},
		{"sure", "Sure", IntentApprove, ConfidenceHigh},
		{"pass", "pass", IntentReject, ConfidenceHigh},
		{"not now", "not now", IntentReject, ConfidenceHigh},
		{"no thanks", "No thanks!", IntentReject, ConfidenceHigh},
		{"negated approval", "not ok", IntentReject, ConfidenceHigh},
		{"cannot go", "we can't go", IntentReject, ConfidenceMedium},
		{"phrase approve", "Sounds good, sign us up", IntentApprove, ConfidenceHigh},
		{"approve with chatter", "yes see you there", IntentApprove, ConfidenceMedium},
		{"thumbs up", "👍", IntentApprove, ConfidenceHigh},
		{"thumbs down", "👎", IntentReject, ConfidenceHigh},
		{"paid", "paid", IntentPaymentConfirm, ConfidenceHigh},
		{"done", "Done", IntentPaymentConfirm, ConfidenceHigh},
		{"complete", "complete", IntentPaymentConfirm, ConfidenceHigh},
		{"i paid", "I paid it", IntentPaymentConfirm, ConfidenceMedium},
		{"cancel", "cancel", IntentCancel, ConfidenceHigh},
		{"call it off", "please call it off", IntentCancel, ConfidenceHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text)
			assert.Equal(t, tt.intent, got.Intent)
			assert.Equal(t, tt.confidence, got.Confidence)
		})
	}
}

func TestClassifyUnclear(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"\n\t",
		"yes no",
		"Y or N",
		"yes 👎",
		"sure, actually pass",
		"not sure",
		"maybe",
		"yes?",
		"what time is it",
		"not done yet",
		"paid and cancel",
	}

	for _, text := range inputs {
		got := Classify(text)
		assert.Equal(t, IntentUnclear, got.Intent, "input %q", text)
		assert.Equal(t, ConfidenceLow, got.Confidence, "input %q", text)
	}
}

func TestPaymentConfirmNeverApproves(t *testing.T) {
	for _, text := range []string{"paid", "done", "complete", "all set", "payment sent"} {
		assert.NotEqual(t, IntentApprove, Classify(text).Intent, "input %q", text)
		assert.Equal(t, IntentPaymentConfirm, Classify(text).Intent, "input %q", text)
	}
}
