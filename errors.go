// Package linkmqtt bridges Linux line-protocol control planes — a cellular
// modem's AT interface, the wpa_supplicant control socket — onto retained
// MQTT topics, and routes inbound MQTT commands back to the device.
package linkmqtt

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured bridge error with context and errno mapping.
type Error struct {
	Op    string    // operation that failed ("dial", "open", "run", "drain")
	Topic string    // MQTT topic or filter involved, if any
	Code  ErrorCode // high-level category
	Errno syscall.Errno
	Msg   string
	Inner error
}

// ErrorCode represents the bridge's failure categories, matching its
// error-policy table: a wedged writer or exhausted timeout budget drains,
// broker loss exits immediately. Recoverable protocol failures (ERROR,
// +CME ERROR, FAIL) never become Go errors; they surface on the fail/warn
// topics and advance the queue.
type ErrorCode string

const (
	ErrCodeWriteAgain    ErrorCode = "write retries exhausted"
	ErrCodeTimeout       ErrorCode = "timeout budget exhausted"
	ErrCodeTransportLost ErrorCode = "transport lost"
	ErrCodeBrokerLost    ErrorCode = "broker connection lost"
	ErrCodeInvariant     ErrorCode = "invariant violation"
	ErrCodeClosed        ErrorCode = "peer closed"
	ErrCodeConfig        ErrorCode = "invalid configuration"
)

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Op != "" && e.Topic != "":
		return fmt.Sprintf("linkmqtt: %s (op=%s topic=%s)", msg, e.Op, e.Topic)
	case e.Op != "":
		return fmt.Sprintf("linkmqtt: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("linkmqtt: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports matching by code: errors.Is(err, &Error{Code: ...}).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError wraps an existing error with bridge context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	e := &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// WrapTopicError wraps an error that concerns a specific topic or filter
func WrapTopicError(op, topic string, code ErrorCode, inner error) *Error {
	e := WrapError(op, code, inner)
	if e != nil {
		e.Topic = topic
	}
	return e
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
