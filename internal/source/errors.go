package source

import (
	"errors"
	"fmt"
	"net/http"

	"ratingbot/internal/rating"
)

var (
	// ErrSourceUnavailable covers transport failures, non-2xx responses and an
	// open circuit. The next tick retries.
	ErrSourceUnavailable = errors.New("rating source unavailable")
	// ErrSourceSchema means the response did not contain a usable rating.
	ErrSourceSchema = errors.New("rating source schema mismatch")
)

// SourceError wraps a fetch failure with its kind and context.
type SourceError struct {
	Kind    error
	Subject rating.Subject
	Status  int
	Err     error
}

func (e *SourceError) Error() string {
	msg := e.Kind.Error()
	if e.Subject != "" {
		msg += " (" + string(e.Subject) + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(": http %d %s", e.Status, statusReason(e.Status))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func unavailable(subject rating.Subject, status int, err error) error {
	return &SourceError{Kind: ErrSourceUnavailable, Subject: subject, Status: status, Err: err}
}

func schema(subject rating.Subject, err error) error {
	return &SourceError{Kind: ErrSourceSchema, Subject: subject, Err: err}
}

// statusReason names the statuses operators most often have to act on.
func statusReason(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "unauthorized (check source.token)"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate limited"
	default:
		return http.StatusText(code)
	}
}

// httpStatusError carries a non-2xx status out of the breaker callback.
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return fmt.Sprintf("http status %d", e.code) }
