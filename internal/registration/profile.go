package registration

import (
	"strconv"
	"strings"
	"time"
)

// FamilyProfile is what registration forms ask about.
type FamilyProfile struct {
	ParentFirstName string  `yaml:"parent_first_name" json:"parent_first_name"`
	ParentLastName  string  `yaml:"parent_last_name" json:"parent_last_name"`
	Email           string  `yaml:"email" json:"email"`
	Phone           string  `yaml:"phone" json:"phone"`
	PostalCode      string  `yaml:"postal_code" json:"postal_code"`
	Children        []Child `yaml:"children" json:"children"`
}

// Child is one child in the family.
type Child struct {
	FirstName string    `yaml:"first_name" json:"first_name"`
	Birthdate time.Time `yaml:"birthdate" json:"birthdate"`
}

// AgeOn returns the child's age in whole years on the given day.
func (c Child) AgeOn(t time.Time) int {
	if c.Birthdate.IsZero() {
		return 0
	}
	b := c.Birthdate
	age := t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// ParentName returns the parent's full name.
func (p FamilyProfile) ParentName() string {
	return strings.TrimSpace(p.ParentFirstName + " " + p.ParentLastName)
}

// ChildrenAges returns every child's age on the given day.
func (p FamilyProfile) ChildrenAges(on time.Time) []int {
	ages := make([]int, 0, len(p.Children))
	for _, c := range p.Children {
		ages = append(ages, c.AgeOn(on))
	}
	return ages
}

// Canonical profile field keys used by adapters and the manual fallback link.
const (
	FieldFirstName   = "first_name"
	FieldLastName    = "last_name"
	FieldFullName    = "name"
	FieldEmail       = "email"
	FieldPhone       = "phone"
	FieldPostalCode  = "postal_code"
	FieldChildName   = "child_name"
	FieldChildAge    = "child_age"
	FieldNumChildren = "attendees"
)

// Values returns the profile as canonical field values for an event on the given day.
func (p FamilyProfile) Values(on time.Time) map[string]string {
	v := map[string]string{
		FieldFirstName:   p.ParentFirstName,
		FieldLastName:    p.ParentLastName,
		FieldFullName:    p.ParentName(),
		FieldEmail:       p.Email,
		FieldPhone:       p.Phone,
		FieldPostalCode:  p.PostalCode,
		FieldNumChildren: strconv.Itoa(len(p.Children)),
	}
	if len(p.Children) > 0 {
		v[FieldChildName] = p.Children[0].FirstName
		v[FieldChildAge] = strconv.Itoa(p.Children[0].AgeOn(on))
	}
	return v
}
