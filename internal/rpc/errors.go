package rpc

import (
	"errors"
	"fmt"

	"parkline/pkg/platform/sentinel"
)

var (
	// ErrRequestTimeout means no matching reply arrived before the deadline.
	// Whether to call again is the caller's decision.
	ErrRequestTimeout = errors.New("rpc: request timed out")
	// ErrChannelClosed means the connection under the channel was lost, or
	// the channel was closed, while the call was outstanding.
	ErrChannelClosed = errors.New("rpc: channel closed")
)

// Code is a stable, machine-readable error code carried in Error replies.
type Code string

const (
	CodeUnknownOperation   Code = "UNKNOWN_OPERATION"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeNoQuorum           Code = "NO_QUORUM"
	CodeInternal           Code = "INTERNAL"
)

// Error is an application-level failure with a code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to err.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf picks the code for err. Storage sentinels map to their codes;
// anything unrecognised is CodeInternal.
func CodeOf(err error) Code {
	var rpcErr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	case errors.Is(err, sentinel.ErrUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, sentinel.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, sentinel.ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// MessageOf returns the message to show a caller. Internal errors are not
// echoed verbatim.
func MessageOf(err error) string {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Message
	}
	switch CodeOf(err) {
	case CodeStorageUnavailable:
		return "storage unavailable"
	case CodeNotFound:
		return "not found"
	case CodeConflict:
		return "conflict"
	default:
		return "internal error"
	}
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
