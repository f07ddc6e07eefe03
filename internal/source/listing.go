package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ratingbot/internal/rating"
)

// Listing is the parsed restaurant list of one postal code.
type Listing struct {
	PostalCode  string
	FetchedAt   time.Time
	Restaurants []Restaurant
}

type Restaurant struct {
	ID   string
	Slug string
	Name string
	City string
	// Cuisines are the raw cuisine ids, e.g. "italian-pizza_12".
	Cuisines []string
	Rating   rating.Rating
	// RatingErr is set when the entry carries no usable rating.
	RatingErr error
}

type listingDoc struct {
	Restaurants json.RawMessage `json:"restaurants"`
}

type restaurantDoc struct {
	ID          string `json:"id"`
	PrimarySlug string `json:"primarySlug"`
	Brand       struct {
		Name string `json:"name"`
	} `json:"brand"`
	Rating *struct {
		Votes *json.Number `json:"votes"`
		Score *json.Number `json:"score"`
	} `json:"rating"`
	Location struct {
		City string `json:"city"`
	} `json:"location"`
	CuisineTypes []json.RawMessage `json:"cuisineTypes"`
}

// cuisineIDs accepts both plain string ids and {"id": ...} objects.
func cuisineIDs(raw []json.RawMessage) []string {
	out := make([]string, 0, len(raw))
	for _, m := range raw {
		var id string
		if err := json.Unmarshal(m, &id); err != nil {
			var obj struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(m, &obj) != nil {
				continue
			}
			id = obj.ID
		}
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// ParseListing decodes a listing response. The API returns "restaurants" as
// an object keyed by id; an empty listing may come back as an array.
func ParseListing(postal string, body []byte, fetchedAt time.Time) (*Listing, error) {
	var doc listingDoc
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	raw := bytes.TrimSpace(doc.Restaurants)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New(`listing has no "restaurants" field`)
	}

	var docs []restaurantDoc
	switch raw[0] {
	case '{':
		var m map[string]restaurantDoc
		if err := decodeNumbers(raw, &m); err != nil {
			return nil, fmt.Errorf("decode restaurants: %w", err)
		}
		for _, d := range m {
			docs = append(docs, d)
		}
	case '[':
		if err := decodeNumbers(raw, &docs); err != nil {
			return nil, fmt.Errorf("decode restaurants: %w", err)
		}
	default:
		return nil, errors.New(`"restaurants" is neither object nor array`)
	}

	l := &Listing{PostalCode: postal, FetchedAt: fetchedAt, Restaurants: make([]Restaurant, 0, len(docs))}
	for _, d := range docs {
		if d.ID == "" && d.PrimarySlug == "" {
			continue
		}
		r := Restaurant{
			ID:       d.ID,
			Slug:     d.PrimarySlug,
			Name:     strings.TrimSpace(d.Brand.Name),
			City:     strings.TrimSpace(d.Location.City),
			Cuisines: cuisineIDs(d.CuisineTypes),
		}
		r.Rating, r.RatingErr = parseRating(d)
		l.Restaurants = append(l.Restaurants, r)
	}
	sort.Slice(l.Restaurants, func(i, j int) bool { return l.Restaurants[i].ID < l.Restaurants[j].ID })
	return l, nil
}

func decodeNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func parseRating(d restaurantDoc) (rating.Rating, error) {
	if d.Rating == nil || d.Rating.Score == nil || d.Rating.Votes == nil {
		return rating.Rating{}, errors.New("rating missing")
	}
	score, err := d.Rating.Score.Float64()
	if err != nil {
		return rating.Rating{}, fmt.Errorf("rating score: %w", err)
	}
	votes, err := d.Rating.Votes.Int64()
	if err != nil {
		// Some payloads send votes as 12.0.
		f, ferr := d.Rating.Votes.Float64()
		if ferr != nil || f != float64(int64(f)) {
			return rating.Rating{}, fmt.Errorf("rating votes: %w", err)
		}
		votes = int64(f)
	}
	if score < 0 || score > 5 {
		return rating.Rating{}, fmt.Errorf("rating score %v out of range", score)
	}
	if votes < 0 {
		return rating.Rating{}, fmt.Errorf("rating votes %d negative", votes)
	}
	return rating.Rating{Score: score, Votes: int(votes)}, nil
}

// Find matches restaurant against id or primary slug, ignoring case.
func (l *Listing) Find(restaurant string) (Restaurant, bool) {
	for _, r := range l.Restaurants {
		if strings.EqualFold(r.ID, restaurant) || strings.EqualFold(r.Slug, restaurant) {
			return r, true
		}
	}
	return Restaurant{}, false
}

// Top returns up to n rated restaurants, best score first, skipping entries
// with no votes.
func (l *Listing) Top(n int) []Restaurant {
	return l.Select(Filter{}, n)
}

func sortByRating(rs []Restaurant) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Rating.Score != rs[j].Rating.Score {
			return rs[i].Rating.Score > rs[j].Rating.Score
		}
		return rs[i].Rating.Votes > rs[j].Rating.Votes
	})
}

// Ref is the restaurant part of a subject: the primary slug, else the id.
func (r Restaurant) Ref() string {
	if r.Slug != "" {
		return r.Slug
	}
	return r.ID
}

// Snapshot extracts subject's rating from the listing.
func (l *Listing) Snapshot(subject rating.Subject, observedAt time.Time) (rating.Snapshot, error) {
	r, ok := l.Find(subject.Restaurant())
	if !ok {
		return rating.Snapshot{}, schema(subject, fmt.Errorf("restaurant %q not in listing for %s", subject.Restaurant(), l.PostalCode))
	}
	if r.RatingErr != nil {
		return rating.Snapshot{}, schema(subject, r.RatingErr)
	}
	return rating.NewSnapshot(subject, r.Name, r.Rating, observedAt), nil
}

// Normalize is the single parse step from a raw listing body to a snapshot.
func Normalize(subject rating.Subject, body []byte, observedAt time.Time) (rating.Snapshot, error) {
	l, err := ParseListing(subject.PostalCode(), body, observedAt)
	if err != nil {
		return rating.Snapshot{}, schema(subject, err)
	}
	return l.Snapshot(subject, observedAt)
}
