// Package core provides the ambient stack shared by every other package:
// structured logging, a classified error taxonomy, and process-wide
// configuration layering.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is().
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrMaxRetriesExceeded   = errors.New("maximum retries exceeded")
	ErrCachePolicyViolation = errors.New("cache policy violation")
	ErrNoKeyStrategy        = errors.New("no cache key strategy yielded a key")
	ErrNoProvider           = errors.New("no provider supports this call")
	ErrNilItem              = errors.New("nil input item")
	ErrKillSwitchTriggered  = errors.New("kill switch triggered")
	ErrContextCanceled      = errors.New("context canceled")
)

// Kind classifies an error into one of the five families spec.md §7
// describes. Kind is carried on FrameworkError so callers can branch on
// it without string matching.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindNonRetryable  Kind = "non_retryable"
	KindConfiguration Kind = "configuration"
	KindCancelled     Kind = "cancelled"
	KindKillSwitch    Kind = "kill_switch"
)

// FrameworkError carries structured, wrappable error context: the
// operation that failed, its classification, an optional entity id, and
// the underlying cause.
type FrameworkError struct {
	Op             string
	Kind           Kind
	ID             string
	Message        string
	TriggeringStep string
	Err            error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// NewFrameworkError wraps err with an operation name and classification.
func NewFrameworkError(op string, kind Kind, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// NonRetryable wraps err as a NonRetryableFailure.
func NonRetryable(op string, err error) *FrameworkError {
	return NewFrameworkError(op, KindNonRetryable, err)
}

// Transient wraps err as a TransientFailure.
func Transient(op string, err error) *FrameworkError {
	return NewFrameworkError(op, KindTransient, err)
}

// IsKind reports whether err (or anything in its cause chain) is a
// *FrameworkError carrying the given Kind.
func IsKind(err error, kind Kind) bool {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

func IsTransient(err error) bool     { return IsKind(err, KindTransient) }
func IsNonRetryable(err error) bool  { return IsKind(err, KindNonRetryable) }
func IsConfiguration(err error) bool { return IsKind(err, KindConfiguration) }
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled) || errors.Is(err, ErrContextCanceled)
}
func IsKillSwitch(err error) bool { return IsKind(err, KindKillSwitch) }

// IsCachePolicyViolation reports whether err is a REQUIRE_CACHE miss or
// any other cache-policy enforcement failure. These are always
// non-retryable (spec.md §4.4 "all cache-policy violations").
func IsCachePolicyViolation(err error) bool {
	return errors.Is(err, ErrCachePolicyViolation)
}
