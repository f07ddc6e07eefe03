package source

import (
	"math/rand/v2"
	"regexp"
	"slices"
	"strings"
)

// Filter narrows a listing down to restaurants worth suggesting. The zero
// value keeps every rated restaurant with at least one vote.
type Filter struct {
	MinScore float64
	MinVotes int
	// IgnoreCities drops restaurants whose city contains any entry, ignoring case.
	IgnoreCities []string
	// Cuisines keeps restaurants serving at least one of them. Empty keeps all.
	Cuisines        []string
	ExcludeCuisines []string
}

// Match reports whether r carries a usable rating and passes every criterion.
func (f Filter) Match(r Restaurant) bool {
	if r.RatingErr != nil || r.Rating.Votes < max(f.MinVotes, 1) || r.Rating.Score < f.MinScore {
		return false
	}
	city := strings.ToLower(r.City)
	for _, c := range f.IgnoreCities {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" && strings.Contains(city, c) {
			return false
		}
	}
	if len(f.Cuisines) > 0 && !r.ServesAny(f.Cuisines) {
		return false
	}
	return !r.ServesAny(f.ExcludeCuisines)
}

var cuisineSuffix = regexp.MustCompile(`_\d+$`)

// CuisineName turns a listing cuisine id such as "italian-pizza_12" into
// "italian pizza". Purely numeric ids have no name and return "".
func CuisineName(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" || strings.Trim(id, "0123456789") == "" {
		return ""
	}
	id = cuisineSuffix.ReplaceAllString(id, "")
	return strings.Join(strings.FieldsFunc(id, func(r rune) bool { return r == '-' || r == '_' || r == ' ' }), " ")
}

// ServesAny matches cuisines by raw id or by name.
func (r Restaurant) ServesAny(cuisines []string) bool {
	for _, want := range cuisines {
		name := CuisineName(want)
		for _, have := range r.Cuisines {
			if strings.EqualFold(have, want) || (name != "" && CuisineName(have) == name) {
				return true
			}
		}
	}
	return false
}

// CuisineNames returns the named cuisines of r, skipping numeric ids.
func (r Restaurant) CuisineNames() []string {
	out := make([]string, 0, len(r.Cuisines))
	for _, c := range r.Cuisines {
		if n := CuisineName(c); n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// Select returns up to n restaurants matching f, best score first. n <= 0
// returns all of them.
func (l *Listing) Select(f Filter, n int) []Restaurant {
	out := make([]Restaurant, 0, len(l.Restaurants))
	for _, r := range l.Restaurants {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sortByRating(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Pick returns up to n distinct restaurants matching f in random order.
func (l *Listing) Pick(f Filter, n int, rng *rand.Rand) []Restaurant {
	out := l.Select(f, 0)
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
