package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind classifies a dependency failure for retry purposes.
type ErrorKind string

const (
	// KindTransient covers network errors, timeouts and 5xx-class
	// responses. Only transient errors are retried.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers validation and other 4xx-class responses.
	KindPermanent ErrorKind = "permanent"
)

// DependencyError is the structured, classified failure surfaced from any
// outbound call. It is what reaches the registry when retries are
// exhausted; it is never silently swallowed.
type DependencyError struct {
	Dependency string
	Kind       ErrorKind
	// RetryAfter carries a server-specified delay (rate limiting). When
	// set, it is honored verbatim instead of computed backoff.
	RetryAfter time.Duration
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s dependency error (%s): %v", e.Kind, e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func (e *DependencyError) Retryable() bool { return e.Kind == KindTransient }

// StatusError carries an HTTP-style status from a collaborator response so
// classification can map it without the transport leaking upward.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("status %d", e.Code)
}

// Classify maps an arbitrary failure from a dependency call into a
// DependencyError. Timeouts, cancelled deadlines, network failures and
// 5xx responses are transient; 4xx responses are permanent, except
// rate limiting which is transient with the server-specified delay.
func Classify(dependency string, err error) *DependencyError {
	var depErr *DependencyError
	if errors.As(err, &depErr) {
		return depErr
	}

	classified := &DependencyError{Dependency: dependency, Kind: KindTransient, Err: err}

	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		switch {
		case statusErr.Code == http.StatusTooManyRequests:
			classified.RetryAfter = statusErr.RetryAfter
		case statusErr.Code >= 500:
			// transient
		case statusErr.Code >= 400:
			classified.Kind = KindPermanent
		}
	case errors.Is(err, context.DeadlineExceeded):
		// transient
	case isNetError(err):
		// transient
	}

	return classified
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Permanent builds a permanent DependencyError for failures known not to
// deserve a retry (validation, malformed requests).
func Permanent(dependency string, err error) *DependencyError {
	return &DependencyError{Dependency: dependency, Kind: KindPermanent, Err: err}
}

// Transient builds a transient DependencyError.
func Transient(dependency string, err error) *DependencyError {
	return &DependencyError{Dependency: dependency, Kind: KindTransient, Err: err}
}
