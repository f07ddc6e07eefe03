package rating

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Rating is the normalized rating of a restaurant.
type Rating struct {
	Score float64 `json:"score"`
	Votes int     `json:"votes"`
}

func (r Rating) String() string { return fmt.Sprintf("%.1f (%d votes)", r.Score, r.Votes) }

// Snapshot is one fetched observation. Treat it as immutable.
type Snapshot struct {
	Subject     Subject   `json:"subject"`
	Name        string    `json:"name,omitempty"`
	Value       Rating    `json:"value"`
	ObservedAt  time.Time `json:"observed_at"`
	Fingerprint string    `json:"fingerprint"`
}

// NewSnapshot builds a snapshot whose fingerprint covers only the rating, so
// changes in unrelated listing fields never count as a change.
func NewSnapshot(subject Subject, name string, value Rating, observedAt time.Time) Snapshot {
	return Snapshot{
		Subject:     subject,
		Name:        name,
		Value:       value,
		ObservedAt:  observedAt,
		Fingerprint: Fingerprint(value),
	}
}

// Fingerprint is the hex SHA-256 of the score rounded to two decimals and
// the vote count.
func Fingerprint(r Rating) string {
	score := math.Round(r.Score*100) / 100
	sum := sha256.Sum256(fmt.Appendf(nil, "score=%.2f;votes=%d", score, r.Votes))
	return hex.EncodeToString(sum[:])
}

// DisplayName falls back to the restaurant part of the subject.
func (s Snapshot) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Subject.Restaurant()
}

// CacheEntry is the last snapshot that went through the full pipeline for a
// subject. SeenAt moves forward on every observation, including unchanged
// ones that are never persisted.
type CacheEntry struct {
	Subject  Subject   `json:"subject"`
	Last     Snapshot  `json:"last"`
	StoredAt time.Time `json:"stored_at"`
	SeenAt   time.Time `json:"seen_at,omitzero"`
}

// LastSeen is the later of StoredAt and SeenAt.
func (e CacheEntry) LastSeen() time.Time {
	if e.SeenAt.After(e.StoredAt) {
		return e.SeenAt
	}
	return e.StoredAt
}
