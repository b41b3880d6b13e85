// Package syncerr defines the error taxonomy shared by the allocator, the
// pending queue, the identity manager and the sync engine.
//
// Every error carries a Code. Callers test for a category with errors.Is
// against the exported sentinels, which match on Code only, so wrapped and
// annotated errors still classify correctly:
//
//	if errors.Is(err, syncerr.ErrExhausted) { ... }
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes a failure.
type Code string

const (
	// CodeNetworkUnavailable: the backend could not be reached or answered
	// ambiguously (timeout, 5xx). Non-fatal; work is deferred.
	CodeNetworkUnavailable Code = "NETWORK_UNAVAILABLE"

	// CodeNotAuthorized: the device is not approved. Blocks new captures but
	// not the delivery of already queued entries.
	CodeNotAuthorized Code = "NOT_AUTHORIZED"

	// CodeDuplicateReference: the backend already holds this reference.
	// Treated as a confirmation.
	CodeDuplicateReference Code = "DUPLICATE_REFERENCE"

	// CodeExhausted: no unused number is left in the lease and no new lease
	// could be obtained. Fails a single allocation.
	CodeExhausted Code = "BATCH_EXHAUSTED"

	// CodeCounterOverflow: the next number does not fit the configured suffix
	// width.
	CodeCounterOverflow Code = "COUNTER_OVERFLOW"

	// CodeStorageUnavailable: local storage rejected a read or write.
	// Durability cannot be guaranteed; must be surfaced.
	CodeStorageUnavailable Code = "LOCAL_STORAGE_UNAVAILABLE"

	// CodeRejected: the backend refused the request (validation, 4xx).
	// Retrying the same request will not help until something changes.
	CodeRejected Code = "REJECTED"
)

// Error is a classified failure.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed ("allocator.next", "queue.enqueue").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is. They carry no Op, Message or cause.
var (
	ErrNetworkUnavailable = &Error{Code: CodeNetworkUnavailable}
	ErrNotAuthorized      = &Error{Code: CodeNotAuthorized}
	ErrDuplicateReference = &Error{Code: CodeDuplicateReference}
	ErrExhausted          = &Error{Code: CodeExhausted}
	ErrCounterOverflow    = &Error{Code: CodeCounterOverflow}
	ErrStorageUnavailable = &Error{Code: CodeStorageUnavailable}
	ErrRejected           = &Error{Code: CodeRejected}
)

// New creates a classified error.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap classifies err under code. Returns nil if err is nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Storage wraps a local storage failure.
func Storage(op string, err error) error {
	return Wrap(CodeStorageUnavailable, op, err)
}

// Network wraps a transport failure.
func Network(op string, err error) error {
	return Wrap(CodeNetworkUnavailable, op, err)
}

// DuplicateError reports that the backend already holds a reference.
// ExistingMax is the backend's high-water mark for the device: one past the
// highest suffix it has recorded. Merging it into the allocator prevents the
// device from re-issuing any number the backend already knows about.
type DuplicateError struct {
	Reference   string
	ExistingMax int64
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: reference %s already recorded (existing_max=%d)",
		CodeDuplicateReference, e.Reference, e.ExistingMax)
}

// Is makes errors.Is(err, ErrDuplicateReference) succeed.
func (e *DuplicateError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodeDuplicateReference
}

// AsDuplicate extracts a *DuplicateError from err's chain.
func AsDuplicate(err error) (*DuplicateError, bool) {
	var de *DuplicateError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// CodeOf returns the Code of the first classified error in err's chain,
// or "" if err is unclassified.
func CodeOf(err error) Code {
	if _, ok := AsDuplicate(err); ok {
		return CodeDuplicateReference
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether a later attempt may succeed without any state
// change on either side. Unclassified errors are treated as retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetworkUnavailable, CodeStorageUnavailable, "":
		return true
	default:
		return false
	}
}

// IsDuplicate reports whether err is a duplicate-reference rejection.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateReference)
}

// IsExhausted reports whether err means no reference could be issued.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}

// IsNotAuthorized reports whether err is an authorization failure.
func IsNotAuthorized(err error) bool {
	return errors.Is(err, ErrNotAuthorized)
}

// IsNetwork reports whether err is a transport or backend availability
// failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// IsStorage reports whether err is a local storage failure.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
