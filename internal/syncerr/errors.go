// Package syncerr defines the error types surfaced by fetches and mutations.
// Each type reports an HTTP status so that handlers can map failures without
// inspecting messages.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// NetworkError indicates the backend could not be reached or did not answer in
// time.
type NetworkError struct {
	Op    string
	Cause error
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("%s: backend unreachable: %v", e.Op, e.Cause)
}

func (e NetworkError) Unwrap() error {
	return e.Cause
}

func (e NetworkError) Status() (int, string) {
	return http.StatusBadGateway, http.StatusText(http.StatusBadGateway)
}

// ServerError is a non-success response from the backend.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// Status passes client errors (4xx) through, and reports backend failures as a
// bad gateway.
func (e ServerError) Status() (int, string) {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		msg := e.Message
		if msg == "" {
			msg = http.StatusText(e.StatusCode)
		}
		return e.StatusCode, msg
	}
	return http.StatusBadGateway, http.StatusText(http.StatusBadGateway)
}

// Temporary reports whether retrying the request could succeed.
func (e ServerError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ValidationError is a precondition that failed before anything was
// dispatched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e ValidationError) Status() (int, string) {
	return http.StatusUnprocessableEntity, e.Error()
}

// Required returns a ValidationError for a missing field.
func Required(field string) ValidationError {
	return ValidationError{Field: field, Reason: "is required"}
}

// StaleWriteConflict reports that keys touched by a mutation were invalidated
// by another mutation that committed while this one was in flight. The write
// itself has been applied (last write wins).
type StaleWriteConflict struct {
	Mutation string
	Keys     []string
}

func (e StaleWriteConflict) Error() string {
	return fmt.Sprintf("%s: stale write: %s changed concurrently", e.Mutation, strings.Join(e.Keys, ", "))
}

func (e StaleWriteConflict) Status() (int, string) {
	return http.StatusConflict, e.Error()
}

// IsTemporary reports whether err is worth retrying: network failures and
// backend errors that signal overload or an internal fault.
func IsTemporary(err error) bool {
	var netErr NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var srvErr ServerError
	if errors.As(err, &srvErr) {
		return srvErr.Temporary()
	}
	return false
}
