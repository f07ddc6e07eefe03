// Package rating holds the domain values shared by the pipeline: subjects,
// rating snapshots, cache entries, and change classification.
package rating

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Subject identifies a tracked restaurant as "<postal code>:<restaurant>",
// where restaurant is the listing id or primary slug.
type Subject string

var ErrInvalidSubject = errors.New("invalid subject")

var (
	postalRe     = regexp.MustCompile(`^[0-9A-Za-z]{3,10}$`)
	restaurantRe = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z._-]{0,127}$`)
)

// ParseSubject validates raw. A bare restaurant id is placed in defaultPostal.
func ParseSubject(raw, defaultPostal string) (Subject, error) {
	s := strings.TrimSpace(raw)
	postal, restaurant, found := strings.Cut(s, ":")
	if !found {
		postal, restaurant = strings.TrimSpace(defaultPostal), s
	}
	postal = strings.TrimSpace(postal)
	restaurant = strings.TrimSpace(restaurant)
	if !postalRe.MatchString(postal) {
		return "", fmt.Errorf("%w: postal code %q", ErrInvalidSubject, postal)
	}
	if !restaurantRe.MatchString(restaurant) {
		return "", fmt.Errorf("%w: restaurant %q", ErrInvalidSubject, restaurant)
	}
	return Subject(postal + ":" + restaurant), nil
}

// PostalCode is empty for subjects without a postal part.
func (s Subject) PostalCode() string {
	postal, _, found := strings.Cut(string(s), ":")
	if !found {
		return ""
	}
	return postal
}

func (s Subject) Restaurant() string {
	_, restaurant, found := strings.Cut(string(s), ":")
	if !found {
		return string(s)
	}
	return restaurant
}

func (s Subject) String() string { return string(s) }
