package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindUnavailable     Kind = "unavailable"
	KindTimeout         Kind = "timeout"
	KindInvalidResponse Kind = "invalid_response"
	KindRateLimited     Kind = "rate_limited"
)

// Sentinel errors matched by errors.Is against an *Error of the same kind.
var (
	ErrUnavailable     = errors.New("provider unavailable")
	ErrTimeout         = errors.New("provider timed out")
	ErrInvalidResponse = errors.New("provider returned an invalid response")
	ErrRateLimited     = errors.New("provider rate limited")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindInvalidResponse:
		return ErrInvalidResponse
	case KindRateLimited:
		return ErrRateLimited
	default:
		return ErrUnavailable
	}
}

// Error is a classified failure from one provider.
type Error struct {
	Provider models.ProviderID
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind.sentinel(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NewError returns an *Error of the given kind.
func NewError(id models.ProviderID, kind Kind, err error) *Error {
	return &Error{Provider: id, Kind: kind, Err: err}
}

// Classify wraps err as an *Error for provider id. Errors that are already
// classified are returned unchanged.
func Classify(id models.ProviderID, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(id, KindTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return NewError(id, KindTimeout, err)
	default:
		return NewError(id, KindUnavailable, err)
	}
}

// KindOf returns the kind of a provider error, or "" for other errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
