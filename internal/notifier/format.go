package notifier

import (
	"fmt"
	"strings"

	"ratingbot/internal/rating"
)

// FormatChange renders the plain text message for snap. A nil prev means the
// subject was just (re)discovered.
func FormatChange(snap rating.Snapshot, prev *rating.CacheEntry) string {
	var b strings.Builder
	class := rating.Classify(prev, snap)

	switch class {
	case rating.FirstObservation:
		fmt.Fprintf(&b, "Now tracking %s\n", snap.DisplayName())
	default:
		fmt.Fprintf(&b, "Rating changed: %s\n", snap.DisplayName())
	}
	fmt.Fprintf(&b, "Score: %.1f / 5 (%d votes)\n", snap.Value.Score, snap.Value.Votes)

	if d := rating.Delta(prev, snap); d.Previous != nil {
		fmt.Fprintf(&b, "Change: %s score, %s votes (was %s)\n",
			signed(d.ScoreDelta), signedInt(d.VotesDelta), d.Previous.String())
	}
	fmt.Fprintf(&b, "Subject: %s", snap.Subject)
	if !snap.ObservedAt.IsZero() {
		fmt.Fprintf(&b, "\nObserved: %s", snap.ObservedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}

func signed(v float64) string {
	if v >= 0 {
		return fmt.Sprintf("+%.2f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

func signedInt(v int) string {
	if v >= 0 {
		return fmt.Sprintf("+%d", v)
	}
	return fmt.Sprintf("%d", v)
}
