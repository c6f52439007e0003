package discovery

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	priceRe     = regexp.MustCompile(`\$\s?(\d{1,4}(?:\.\d{2})?)`)
	labelCostRe = regexp.MustCompile(`(?i)\b(?:cost|fee|price|admission)s?\s*[:\-]?\s*(\d{1,4}(?:\.\d{2})?)\b`)
	freeRe      = regexp.MustCompile(`(?i)\b(free|no cost|no charge)\b`)

	ageRangeRe = regexp.MustCompile(`(?i)\bages?\s*(\d{1,2})\s*(?:-|–|—|to|through)\s*(\d{1,2})\b`)
	ageUpRe    = regexp.MustCompile(`(?i)\bages?\s*(\d{1,2})\s*(?:\+|and up|and older|& up)`)
	ageUnderRe = regexp.MustCompile(`(?i)\bages?\s*(\d{1,2})\s*(?:and under|and younger|& under)`)
)

// ParseCost returns the highest price mentioned in text. Text that only
// says "free", or mentions no price at all, costs 0.
func ParseCost(text string) float64 {
	highest := 0.0
	for _, re := range []*regexp.Regexp{priceRe, labelCostRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > highest {
				highest = v
			}
		}
	}
	return highest
}

// IsFree reports whether text explicitly advertises the event as free.
func IsFree(text string) bool {
	return freeRe.MatchString(text) && ParseCost(text) == 0
}

// ParseAges extracts an age range ("ages 3-6", "ages 5+", "ages 2 and under").
// Either bound may be nil.
func ParseAges(text string) (minAge, maxAge *int) {
	text = strings.ReplaceAll(text, "\u00a0", " ")

	if m := ageRangeRe.FindStringSubmatch(text); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		if lo > hi {
			lo, hi = hi, lo
		}
		return &lo, &hi
	}
	if m := ageUpRe.FindStringSubmatch(text); m != nil {
		lo, _ := strconv.Atoi(m[1])
		return &lo, nil
	}
	if m := ageUnderRe.FindStringSubmatch(text); m != nil {
		hi, _ := strconv.Atoi(m[1])
		return nil, &hi
	}
	return nil, nil
}
