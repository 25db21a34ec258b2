// Package cerr classifies pipeline failures so callers can decide between
// retrying, closing a connection, or dropping a single event.
package cerr

import (
	"errors"
	"fmt"
	"strings"
)

// Category buckets every failure the engine reports.
type Category string

const (
	CategoryConnection  Category = "connection"
	CategoryParse       Category = "parse"
	CategoryValidation  Category = "validation"
	CategoryCooldown    Category = "cooldown"
	CategoryDataLogging Category = "data_logging"
	CategoryOperational Category = "operational"
)

// ConnKind splits connection errors by retry policy.
type ConnKind string

const (
	ConnTransient  ConnKind = "transient"
	ConnFatalAuth  ConnKind = "fatal_auth"
	ConnFatalOther ConnKind = "fatal_other"
)

// Error is the taxonomy node carried across the bus boundary.
type Error struct {
	Category  Category
	Kind      ConnKind // set for CategoryConnection only
	EventType string   // canonical event type being processed, when known
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps a recoverable connection error.
func Transient(reason string, err error) *Error {
	return &Error{Category: CategoryConnection, Kind: ConnTransient, Reason: reason, Err: err}
}

// AuthFailed wraps a fatal authentication rejection. Connections carrying
// this error are never retried.
func AuthFailed(reason string, err error) *Error {
	return &Error{Category: CategoryConnection, Kind: ConnFatalAuth, Reason: reason, Err: err}
}

// Fatal wraps a non-auth fatal connection error.
func Fatal(reason string, err error) *Error {
	return &Error{Category: CategoryConnection, Kind: ConnFatalOther, Reason: reason, Err: err}
}

// Parse wraps a malformed-frame error; the connection keeps reading.
func Parse(reason string, err error) *Error {
	return &Error{Category: CategoryParse, Reason: reason, Err: err}
}

// Validation marks an event dropped for a missing or invalid field.
func Validation(eventType, reason string) *Error {
	return &Error{Category: CategoryValidation, EventType: eventType, Reason: reason}
}

// Cooldown marks a gate rejection.
func Cooldown(reason string) *Error {
	return &Error{Category: CategoryCooldown, Reason: reason}
}

// DataLogging wraps a datalog write failure; it never propagates to the
// main flow.
func DataLogging(err error) *Error {
	return &Error{Category: CategoryDataLogging, Reason: "append", Err: err}
}

// Operational wraps everything else.
func Operational(reason string, err error) *Error {
	return &Error{Category: CategoryOperational, Reason: reason, Err: err}
}

// CategoryOf extracts the taxonomy category, defaulting to operational.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryOperational
}

// IsAuthFailure reports whether err is a fatal auth rejection. Auth failures
// close the connection permanently.
func IsAuthFailure(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category == CategoryConnection && ce.Kind == ConnFatalAuth
	}
	return false
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category == CategoryConnection &&
			(ce.Kind == ConnFatalAuth || ce.Kind == ConnFatalOther)
	}
	return false
}

var transientMarkers = []string{
	"econnreset",
	"etimedout",
	"connection reset",
	"timeout",
	"temporarily unavailable",
	" 502", "status 502", "502 ",
	" 503", "status 503", "503 ",
}

// IsTransientNetwork matches transport resets, timeouts and 5xx statuses by
// message. Used where the source error is an opaque transport error.
func IsTransientNetwork(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Category == CategoryConnection {
		return ce.Kind == ConnTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// APIStatusFatal reports whether an HTTP status on a live connection should
// close it and schedule a reconnect (400/403/429 per upstream contract).
func APIStatusFatal(status int) bool {
	switch status {
	case 400, 403, 429:
		return true
	}
	return false
}

// AuthStatus reports whether an HTTP status during authentication is a
// permanent rejection.
func AuthStatus(status int) bool {
	return status == 401 || status == 403
}
