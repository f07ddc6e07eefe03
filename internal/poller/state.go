package poller

import (
	"errors"
	"sort"
	"time"

	"ratingbot/internal/rating"
)

type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateClassifying State = "classifying"
	StateNotifying   State = "notifying"
	StatePersisting  State = "persisting"
)

// SubjectState is the per-subject view shown by /status.
type SubjectState struct {
	Subject   rating.Subject   `json:"subject"`
	State     State            `json:"state"`
	LastPoll  time.Time        `json:"last_poll,omitzero"`
	LastClass string           `json:"last_class,omitempty"`
	LastErr   string           `json:"last_err,omitempty"`
	Polls     int              `json:"polls"`
	Changes   int              `json:"changes"`
	Failures  int              `json:"failures"`
	Last      *rating.Snapshot `json:"last,omitempty"`
}

// Outcome is the result of one Poll.
type Outcome struct {
	Subject      rating.Subject
	Snapshot     rating.Snapshot
	Class        rating.Classification
	Delivered    int
	NotifyFailed int
	Removed      []int64
	Skipped      bool
}

type TickReport struct {
	ID         string        `json:"id"`
	Started    time.Time     `json:"started"`
	Took       time.Duration `json:"took"`
	Polled     int           `json:"polled"`
	Changed    int           `json:"changed"`
	FirstSeen  int           `json:"first_seen"`
	Unchanged  int           `json:"unchanged"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Delivered  int           `json:"delivered"`
	Removed    int           `json:"removed_chats"`
	Overlapped bool          `json:"overlapped,omitempty"`
}

func (r *TickReport) add(out Outcome, err error) {
	switch {
	case out.Skipped || errors.Is(err, ErrInFlight):
		r.Skipped++
		return
	case err != nil:
		r.Polled++
		r.Failed++
		return
	}
	r.Polled++
	switch out.Class {
	case rating.Changed:
		r.Changed++
	case rating.FirstObservation:
		r.FirstSeen++
	case rating.Unchanged:
		r.Unchanged++
	}
	r.Delivered += out.Delivered
	r.Removed += len(out.Removed)
}

func (s *Service) acquire(subject rating.Subject) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[subject]; busy {
		return false
	}
	s.inFlight[subject] = struct{}{}
	st := s.stateLocked(subject)
	st.State = StateFetching
	return true
}

func (s *Service) release(subject rating.Subject, out Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, subject)
	st := s.stateLocked(subject)
	st.State = StateIdle
	st.LastPoll = s.now()
	st.Polls++
	if err != nil {
		st.Failures++
		st.LastErr = err.Error()
		return
	}
	st.LastErr = ""
	st.LastClass = out.Class.String()
	if out.Class.Notifies() {
		st.Changes++
	}
	snap := out.Snapshot
	st.Last = &snap
}

func (s *Service) setState(subject rating.Subject, state State) {
	s.mu.Lock()
	s.stateLocked(subject).State = state
	s.mu.Unlock()
}

func (s *Service) stateLocked(subject rating.Subject) *SubjectState {
	st := s.states[subject]
	if st == nil {
		st = &SubjectState{Subject: subject, State: StateIdle}
		s.states[subject] = st
	}
	return st
}

// State returns the state of one subject.
func (s *Service) State(subject rating.Subject) (SubjectState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[subject]
	if !ok {
		return SubjectState{}, false
	}
	return *st, true
}

// States returns a sorted copy of all subject states.
func (s *Service) States() []SubjectState {
	s.mu.Lock()
	out := make([]SubjectState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}
