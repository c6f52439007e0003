package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// RecurrenceSet builds the occurrence set of a recurring component anchored
// at first. Returns nil for components without an RRULE.
func RecurrenceSet(comp *ical.Component, first time.Time, loc *time.Location) (*rrule.Set, error) {
	ruleProp := comp.Props.Get(ical.PropRecurrenceRule)
	if ruleProp == nil {
		return nil, nil
	}

	opt, err := rrule.StrToROptionInLocation(ruleProp.Value, loc)
	if err != nil {
		return nil, fmt.Errorf("parsing RRULE %q: %w", ruleProp.Value, err)
	}
	opt.Dtstart = first

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("building RRULE: %w", err)
	}

	set := &rrule.Set{}
	set.RRule(rule)

	for _, exProp := range comp.Props.Values(ical.PropExceptionDates) {
		for _, value := range strings.Split(exProp.Value, ",") {
			single := ical.Prop{Name: exProp.Name, Params: exProp.Params, Value: strings.TrimSpace(value)}
			t, err := single.DateTime(loc)
			if err != nil {
				continue
			}
			set.ExDate(t)
		}
	}

	return set, nil
}
