package rating

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubject(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    Subject
		wantErr bool
	}{
		{raw: "64293:pizza-roma", want: "64293:pizza-roma"},
		{raw: " 10115 : N0O7O03N ", want: "10115:N0O7O03N"},
		{raw: "order-42", want: "64293:order-42"},
		{raw: "", wantErr: true},
		{raw: "64293:", wantErr: true},
		{raw: ":pizza", wantErr: true},
		{raw: "64293:pizza roma", wantErr: true},
		{raw: "64293:-pizza", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSubject(tc.raw, "64293")
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidSubject, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestSubjectParts(t *testing.T) {
	t.Parallel()

	s := Subject("64293:pizza-roma")
	assert.Equal(t, "64293", s.PostalCode())
	assert.Equal(t, "pizza-roma", s.Restaurant())

	bare := Subject("order-42")
	assert.Empty(t, bare.PostalCode())
	assert.Equal(t, "order-42", bare.Restaurant())
}

func TestFingerprintIgnoresNoise(t *testing.T) {
	t.Parallel()

	a := Fingerprint(Rating{Score: 4.2, Votes: 10})
	b := Fingerprint(Rating{Score: 4.2000001, Votes: 10})
	c := Fingerprint(Rating{Score: 4.21, Votes: 10})
	d := Fingerprint(Rating{Score: 4.2, Votes: 11})
	assert.Equal(t, a, b, "sub-precision noise changed fingerprint")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := &CacheEntry{
		Subject: "order-42",
		Last:    Snapshot{Subject: "order-42", Value: Rating{Score: 3.5}, Fingerprint: "abc", ObservedAt: t0},
	}

	cases := []struct {
		name string
		prev *CacheEntry
		cur  Snapshot
		want Classification
	}{
		{"no entry", nil, Snapshot{Fingerprint: "abc"}, FirstObservation},
		{"same fingerprint", prev, Snapshot{Value: Rating{Score: 3.5}, Fingerprint: "abc", ObservedAt: t0.Add(time.Hour)}, Unchanged},
		{"same fingerprint, value ignored", prev, Snapshot{Value: Rating{Score: 9}, Fingerprint: "abc"}, Unchanged},
		{"new fingerprint", prev, Snapshot{Value: Rating{Score: 4.0}, Fingerprint: "def"}, Changed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.prev, tc.cur), tc.name)
	}
	assert.True(t, FirstObservation.Notifies())
	assert.True(t, Changed.Notifies())
	assert.False(t, Unchanged.Notifies())
}

func TestDelta(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Delta(nil, Snapshot{}).Previous, "nil prev must produce empty change")

	prev := &CacheEntry{Last: Snapshot{Value: Rating{Score: 3.5, Votes: 10}}}
	d := Delta(prev, Snapshot{Value: Rating{Score: 4.0, Votes: 12}})
	assert.Equal(t, 0.5, d.ScoreDelta)
	assert.Equal(t, 2, d.VotesDelta)
	require.NotNil(t, d.Previous)
	assert.Equal(t, 3.5, d.Previous.Score)
}

func TestNewSnapshot(t *testing.T) {
	t.Parallel()

	s := NewSnapshot("64293:x", "", Rating{Score: 4, Votes: 3}, time.Now())
	assert.Equal(t, Fingerprint(Rating{Score: 4, Votes: 3}), s.Fingerprint)
	assert.Equal(t, "x", s.DisplayName())
}

func TestCacheEntryLastSeen(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := CacheEntry{StoredAt: t0}
	assert.Equal(t, t0, e.LastSeen())
	e.SeenAt = t0.Add(time.Hour)
	assert.Equal(t, t0.Add(time.Hour), e.LastSeen())
	e.SeenAt = t0.Add(-time.Hour)
	assert.Equal(t, t0, e.LastSeen())
}
