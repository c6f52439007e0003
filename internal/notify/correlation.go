package notify

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

// Key characters skip look-alikes (0/O, 1/I/L) so keys survive being retyped.
const keyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const keyLength = 4

var keyCandidateRe = regexp.MustCompile(`\b[A-Za-z0-9]{4}\b`)

// NewCorrelationKey returns a random key containing at least one letter and
// one digit, so ordinary words are never mistaken for a key.
func NewCorrelationKey() (string, error) {
	bound := big.NewInt(int64(len(keyAlphabet)))
	for {
		var b strings.Builder
		for i := 0; i < keyLength; i++ {
			n, err := rand.Int(rand.Reader, bound)
			if err != nil {
				return "", err
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
		if key := b.String(); isKeyShaped(key) {
			return key, nil
		}
	}
}

// FindCorrelationKeys returns the key-shaped tokens in a reply, upper-cased,
// in order of appearance.
func FindCorrelationKeys(text string) []string {
	var keys []string
	for _, m := range keyCandidateRe.FindAllString(text, -1) {
		m = strings.ToUpper(m)
		if isKeyShaped(m) {
			keys = append(keys, m)
		}
	}
	return keys
}

// StripCorrelationKeys removes key-shaped tokens so they do not affect
// classification.
func StripCorrelationKeys(text string) string {
	return keyCandidateRe.ReplaceAllStringFunc(text, func(m string) string {
		if isKeyShaped(strings.ToUpper(m)) {
			return " "
		}
		return m
	})
}

func isKeyShaped(s string) bool {
	if len(s) != keyLength {
		return false
	}
	letters, digits := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r >= 'A' && r <= 'Z':
			letters++
		default:
			return false
		}
	}
	return letters > 0 && digits > 0
}
