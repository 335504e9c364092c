package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/mbarcia/pipelineframework/core"
)

// transientPrefixes are SQL-state-shaped prefixes treated as transient
// (spec.md §4.6: "known transient SQL state prefixes such as 08xxx").
var transientPrefixes = []string{"08", "53", "57", "58"}

// duplicateKeyMarkers are the SQL-state / message-based signals of a
// duplicate-key violation (spec.md §4.6: SQL state 23505 or message
// match of "duplicate key"/"unique constraint").
var duplicateKeyMarkers = []string{"23505", "duplicate key", "unique constraint"}

// IsDuplicateKey reports whether err represents a duplicate-key
// violation, by SQL state code or message substring match.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range duplicateKeyMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is a connection-level or
// timeout-shaped failure eligible for the engine's retry budget
// (spec.md §4.6: "connection refused/closed/reset, timeout, known
// transient SQL state prefixes").
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	connectionMarkers := []string{"connection refused", "connection closed", "connection reset", "timeout", "broken pipe", "i/o timeout"}
	for _, marker := range connectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	for _, prefix := range transientPrefixes {
		if strings.Contains(msg, "sqlstate "+prefix) || strings.Contains(msg, "sql state "+prefix) {
			return true
		}
	}
	return false
}

// Classify wraps a raw persistence error as a core.FrameworkError,
// transient if IsTransient, non-retryable otherwise (spec.md §4.6:
// "all other persistence failures are wrapped as non-retryable").
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return core.Transient(op, err)
	}
	return core.NonRetryable(op, err)
}
