package aldes

import "fmt"

// The bridge maps every failure to one of five error kinds. Callers branch
// with errors.As; no raw transport error escapes this package.

// AuthError reports invalid credentials or a session the vendor keeps
// rejecting after one re-authentication attempt.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError reports a network failure, timeout, or 5xx response that
// survived the bounded retry policy.
type TransportError struct {
	Op     string // "fetch products", "send command", ...
	Status int    // last HTTP status, 0 if the request never completed
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: vendor returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports malformed command input, caught before any
// network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DecodeError reports a structurally unparseable vendor payload. Field
// level anomalies are tolerated by the decoder; this is reserved for a
// payload shape the decoder cannot work with at all.
type DecodeError struct {
	DeviceID string
	Fragment string // offending raw fragment, for the logs
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("undecodable payload for device %q: %v", e.DeviceID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BusyError reports a command rejected because another command is already
// in flight for the target device.
type BusyError struct {
	DeviceID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("device %q has a command in flight", e.DeviceID)
}
