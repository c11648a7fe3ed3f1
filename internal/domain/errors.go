package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidLocator      = errors.New("invalid share locator")
	ErrAmbiguousTarget     = errors.New("locator addresses a folder, nodeId required")
	ErrNotFound            = errors.New("not found")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrMidStreamFault      = errors.New("mid-stream fault")
	ErrUnsupported         = errors.New("unsupported operation")
)

// UpstreamError carries the provider failure behind ErrUpstreamUnavailable.
// The wrapped error is for logs only and must not reach clients.
type UpstreamError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, ErrUpstreamUnavailable)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, ErrUpstreamUnavailable, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamUnavailable}
	}
	return []error{ErrUpstreamUnavailable, e.Err}
}

// Upstream wraps err as an UpstreamError. Errors that already belong to the
// relay taxonomy are returned untouched.
func Upstream(provider string, err error) error {
	if err == nil {
		return nil
	}
	if IsKnown(err) {
		return err
	}
	return &UpstreamError{
		Provider: provider,
		Timeout:  errors.Is(err, context.DeadlineExceeded),
		Err:      err,
	}
}

// IsKnown reports whether err already maps onto one of the relay error kinds.
func IsKnown(err error) bool {
	for _, target := range []error{
		ErrInvalidLocator,
		ErrAmbiguousTarget,
		ErrNotFound,
		ErrRangeNotSatisfiable,
		ErrUpstreamUnavailable,
		ErrMidStreamFault,
		ErrUnsupported,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTimeout reports whether err is an upstream failure caused by a deadline.
func IsTimeout(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Timeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrorKind names the taxonomy entry of err for logs, metrics and journal records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidLocator):
		return "invalid_locator"
	case errors.Is(err, ErrAmbiguousTarget):
		return "ambiguous_target"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRangeNotSatisfiable):
		return "range_not_satisfiable"
	case errors.Is(err, ErrMidStreamFault):
		return "mid_stream_fault"
	case errors.Is(err, ErrUpstreamUnavailable):
		if IsTimeout(err) {
			return "upstream_timeout"
		}
		return "upstream_unavailable"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, context.Canceled):
		return "client_gone"
	default:
		return "internal"
	}
}
