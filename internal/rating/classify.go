package rating

// Classification is the change detector verdict for a fresh snapshot.
type Classification int

const (
	FirstObservation Classification = iota + 1
	Unchanged
	Changed
)

func (c Classification) String() string {
	switch c {
	case FirstObservation:
		return "first_observation"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// Notifies reports whether subscribers hear about this classification.
func (c Classification) Notifies() bool { return c == FirstObservation || c == Changed }

// Classify compares cur with the cached entry. Only fingerprints are compared.
func Classify(prev *CacheEntry, cur Snapshot) Classification {
	if prev == nil {
		return FirstObservation
	}
	if prev.Last.Fingerprint == cur.Fingerprint {
		return Unchanged
	}
	return Changed
}

// Change is the difference between two observations, for message text only.
type Change struct {
	ScoreDelta float64
	VotesDelta int
	Previous   *Rating
}

func Delta(prev *CacheEntry, cur Snapshot) Change {
	if prev == nil {
		return Change{}
	}
	p := prev.Last.Value
	return Change{
		ScoreDelta: cur.Value.Score - p.Score,
		VotesDelta: cur.Value.Votes - p.Votes,
		Previous:   &p,
	}
}
