package status

import (
	"errors"
	"fmt"
)

// Code is the canonical RPC code space used across the client for
// classifying backend and persistence failures.
type Code int

const (
	OK                 Code = 0
	Cancelled          Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = map[Code]string{
	OK:                 "ok",
	Cancelled:          "cancelled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid-argument",
	DeadlineExceeded:   "deadline-exceeded",
	NotFound:           "not-found",
	AlreadyExists:      "already-exists",
	PermissionDenied:   "permission-denied",
	ResourceExhausted:  "resource-exhausted",
	FailedPrecondition: "failed-precondition",
	Aborted:            "aborted",
	OutOfRange:         "out-of-range",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	DataLoss:           "data-loss",
	Unauthenticated:    "unauthenticated",
}

func (self Code) String() string {
	if name, ok := codeNames[self]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(self))
}

// Permanent errors abort the operation that hit them. Everything else is
// eligible for retry with backoff. Note `Aborted` is only permanent for
// writes already sent to the backend; see IsPermanentWriteError.
func (self Code) IsPermanent() bool {
	switch self {
	case OK:
		panic("Treated status OK as error.")
	case Cancelled, Unknown, DeadlineExceeded, ResourceExhausted,
		Internal, Unavailable, Unauthenticated:
		return false
	case InvalidArgument, NotFound, AlreadyExists, PermissionDenied,
		FailedPrecondition, Aborted, OutOfRange, Unimplemented, DataLoss:
		return true
	default:
		return true
	}
}

// Aborted is retryable in transaction context but means a hard rejection
// once a write made it onto the write stream, because the stream already
// committed ordering state for the batch.
func (self Code) IsPermanentWriteError() bool {
	return self.IsPermanent() && self != Aborted
}

type Error struct {
	code    Code
	message string
	cause   error
}

func Errorf(code Code, format string, a ...any) *Error {
	return &Error{
		code:    code,
		message: fmt.Sprintf(format, a...),
	}
}

func Wrap(code Code, cause error, message string) *Error {
	return &Error{
		code:    code,
		message: message,
		cause:   cause,
	}
}

func (self *Error) Code() Code {
	return self.code
}

func (self *Error) Error() string {
	if self.cause != nil {
		return fmt.Sprintf("%s: %s: %s", self.code, self.message, self.cause)
	}
	return fmt.Sprintf("%s: %s", self.code, self.message)
}

func (self *Error) Unwrap() error {
	return self.cause
}

// CodeOf extracts the code from any error produced by this client.
// Unclassified errors map to Unknown.
func CodeOf(err error) Code {
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.code
	}
	return Unknown
}

// StorageError marks a persistence-layer fault. Storage faults are never
// surfaced to user callbacks directly; the retryable queue probes until the
// underlying storage recovers.
type StorageError struct {
	cause error
}

func NewStorageError(cause error) *StorageError {
	return &StorageError{
		cause: cause,
	}
}

func (self *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s", self.cause)
}

func (self *StorageError) Unwrap() error {
	return self.cause
}

func IsStorageUnavailable(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}
