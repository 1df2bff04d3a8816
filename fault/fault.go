// Package fault defines the structured errors returned by queries and
// contract executions.
//
// Every error carries a stable code so callers can branch on the failure
// class without parsing messages.
package fault

import (
	"errors"
	"fmt"
)

type Code string

// error codes - keep in alphabetic order
const (
	CodeAbort                    Code = "abort"
	CodeAccessKeyNotFound        Code = "accessKeyNotFound"
	CodeAccountNotFound          Code = "accountNotFound"
	CodeBlockHeightTooHigh       Code = "blockHeightTooHigh"
	CodeBlockHeightTooLow        Code = "blockHeightTooLow"
	CodeCodeNotFound             Code = "codeNotFound"
	CodeExecutionTimedOut        Code = "executionTimedOut"
	CodeHostError                Code = "hostError"
	CodeMemoryAccessViolation    Code = "memoryAccessViolation"
	CodeMethodNotFound           Code = "methodNotFound"
	CodeNotImplemented           Code = "notImplemented"
	CodePanic                    Code = "panic"
	CodeProhibitedInView         Code = "prohibitedInView"
	CodeStorageError             Code = "storageError"
	CodeUnexpectedPermissionType Code = "unexpectedPermissionType"
	CodeWasmTrap                 Code = "wasmTrap"
)

// Error is a coded error with optional structured data.
type Error struct {
	Code    Code
	Message string
	Data    map[string]any
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// With attaches a data field and returns the receiver.
func (e *Error) With(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// Is matches any *Error carrying the same code, so errors.Is(err, New(code, ""))
// works as a class check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, code Code) bool { return err != nil && CodeOf(err) == code }

// determine the class of an error
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case CodeAccountNotFound, CodeCodeNotFound, CodeAccessKeyNotFound:
		return true
	}
	return false
}

// IsGuest reports whether err was produced by the contract under execution
// rather than by the host or the storage layer.
func IsGuest(err error) bool {
	switch CodeOf(err) {
	case CodePanic, CodeAbort, CodeExecutionTimedOut, CodeNotImplemented,
		CodeProhibitedInView, CodeMethodNotFound, CodeMemoryAccessViolation, CodeWasmTrap:
		return true
	}
	return false
}
