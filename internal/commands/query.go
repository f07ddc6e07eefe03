package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ratingbot/internal/rating"
	"ratingbot/internal/source"
)

// defaultIgnoredCities lists cities whose restaurants leak into a postal
// code's listing from far away.
var defaultIgnoredCities = map[string][]string{
	"64293": {"frankfurt"},
}

// listingQuery is a parsed /ratings or /random request.
type listingQuery struct {
	Postal string
	Count  int
	Random bool
	Filter source.Filter
}

var errQuery = errors.New("invalid arguments")

// parseListingQuery reads "[postal] [count] [key:value ...]". Keys:
//
//	postal:64293      postal code
//	count:3           number of results
//	score:4.5         minimum score
//	votes:20          minimum vote count
//	ignore:a,b        cities to ignore (substring match)
//	cuisine:pizza,... cuisines to include
//	exclude:sushi,... cuisines to exclude
//	random:yes        random order instead of best first
//
// Repeated list keys accumulate; scalar keys take the last value.
func parseListingQuery(args []string, base listingQuery) (listingQuery, error) {
	q := base
	q.Filter.IgnoreCities = append([]string(nil), base.Filter.IgnoreCities...)
	keepDefaultIgnore := true
	postalGiven := false
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, ":")
		if !ok {
			// Counts are one or two digits, postal codes at least three.
			switch {
			case isCount(arg):
				q.Count, _ = strconv.Atoi(arg)
			case !postalGiven:
				q.Postal = arg
				postalGiven = true
			default:
				return q, fmt.Errorf("%w: unexpected %q", errQuery, arg)
			}
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if val == "" {
			return q, fmt.Errorf("%w: %s has no value", errQuery, key)
		}
		switch key {
		case "postal", "postal_code", "plz":
			q.Postal = val
			postalGiven = true
		case "count", "n":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return q, fmt.Errorf("%w: count %q", errQuery, val)
			}
			q.Count = n
		case "score", "min_score", "minimum_rating_score":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil || f < 0 || f > 5 {
				return q, fmt.Errorf("%w: score %q must be between 0 and 5", errQuery, val)
			}
			q.Filter.MinScore = f
		case "votes", "min_votes", "minimum_rating_votes":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return q, fmt.Errorf("%w: votes %q", errQuery, val)
			}
			q.Filter.MinVotes = n
		case "ignore", "cities_to_ignore":
			if isFalse(val) {
				q.Filter.IgnoreCities = nil
				keepDefaultIgnore = false
				continue
			}
			q.Filter.IgnoreCities = append(q.Filter.IgnoreCities, splitList(val)...)
		case "cuisine", "cuisines", "cuisines_to_include":
			q.Filter.Cuisines = append(q.Filter.Cuisines, splitList(val)...)
		case "exclude", "cuisines_to_exclude":
			q.Filter.ExcludeCuisines = append(q.Filter.ExcludeCuisines, splitList(val)...)
		case "random":
			switch {
			case isTrue(val):
				q.Random = true
			case isFalse(val):
				q.Random = false
			default:
				return q, fmt.Errorf("%w: random %q", errQuery, val)
			}
		default:
			return q, fmt.Errorf("%w: unknown key %q", errQuery, key)
		}
	}

	if q.Postal == "" {
		return q, fmt.Errorf("%w: postal code missing", errQuery)
	}
	if _, err := rating.ParseSubject(q.Postal+":x", ""); err != nil {
		return q, fmt.Errorf("%w: postal code %q", errQuery, q.Postal)
	}
	if keepDefaultIgnore {
		q.Filter.IgnoreCities = append(q.Filter.IgnoreCities, defaultIgnoredCities[q.Postal]...)
	}
	q.Count = min(max(q.Count, 1), maxTop)
	return q, nil
}

func isCount(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 1 && len(s) < 3
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}

func isFalse(s string) bool {
	switch strings.ToLower(s) {
	case "no", "false", "0", "off", "none":
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
