// Package kerrors implements the structured error taxonomy used across the
// kernel: a single Error type carrying an operation, component, abstract
// error code, and an optional wrapped cause.
package kerrors

import (
	"errors"
	"fmt"
)

// Code is a high-level error category, independent of any particular
// component's internal error representation.
type Code string

const (
	CodeAllocFailure         Code = "alloc failure"
	CodeIoError              Code = "I/O error"
	CodeCorruptedFilesystem  Code = "corrupted filesystem"
	CodeInvalidInput         Code = "invalid input"
	CodeWriteZero            Code = "write returned zero"
	CodeNotFound             Code = "not found"
	CodeAlreadyExists        Code = "already exists"
	CodeNotEmpty             Code = "not empty"
	CodeUnsupported          Code = "unsupported"
	CodeTimeout              Code = "timeout"
)

// Error is the structured error type returned by every kernel package.
type Error struct {
	Op        string // operation that failed, e.g. "heap.Alloc", "fat.Mount"
	Component string // owning component, e.g. "heap", "fat", "blockdev"
	Code      Code
	HWStatus  int32 // raw status code from a hardware call, 0 if not applicable
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", e.Component))
	}
	if e.HWStatus != 0 {
		parts = append(parts, fmt.Sprintf("hwstatus=%d", e.HWStatus))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("kernel: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("kernel: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(Sentinel); ok {
		return e.Code == Code(se)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Sentinel is a minimal error kept for errors.Is ergonomics against a bare
// Code without constructing a full *Error, mirroring the legacy
// string-constant error type kept alongside the structured type.
type Sentinel string

func (s Sentinel) Error() string { return string(s) }

const (
	ErrAllocFailure        Sentinel = Sentinel(CodeAllocFailure)
	ErrIoError             Sentinel = Sentinel(CodeIoError)
	ErrCorruptedFilesystem Sentinel = Sentinel(CodeCorruptedFilesystem)
	ErrInvalidInput        Sentinel = Sentinel(CodeInvalidInput)
	ErrWriteZero           Sentinel = Sentinel(CodeWriteZero)
	ErrNotFound            Sentinel = Sentinel(CodeNotFound)
	ErrAlreadyExists       Sentinel = Sentinel(CodeAlreadyExists)
	ErrNotEmpty            Sentinel = Sentinel(CodeNotEmpty)
	ErrUnsupported         Sentinel = Sentinel(CodeUnsupported)
	ErrTimeout             Sentinel = Sentinel(CodeTimeout)
)

// New creates a structured error.
func New(op, component string, code Code, msg string) *Error {
	return &Error{Op: op, Component: component, Code: code, Msg: msg}
}

// NewHW creates a structured error carrying a raw hardware status code,
// for failures surfaced synchronously from a port call. Any nonzero code
// from a hardware call fails the request; there is no automatic retry.
func NewHW(op, component string, status int32) *Error {
	return &Error{
		Op:        op,
		Component: component,
		Code:      CodeIoError,
		HWStatus:  status,
		Msg:       fmt.Sprintf("hardware call returned status %d", status),
	}
}

// Wrap wraps an existing error with kernel context, preserving the code of
// an already-structured error.
func Wrap(op, component string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ke, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			Component: component,
			Code:      ke.Code,
			HWStatus:  ke.HWStatus,
			Msg:       ke.Msg,
			Inner:     ke.Inner,
		}
	}
	return &Error{
		Op:        op,
		Component: component,
		Code:      CodeIoError,
		Msg:       inner.Error(),
		Inner:     inner,
	}
}

// Is reports whether err carries the given abstract code.
func Is(err error, code Code) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return errors.Is(err, Sentinel(code))
}
