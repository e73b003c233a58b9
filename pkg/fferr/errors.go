// Package fferr defines the error taxonomy shared by the upload manager,
// the storage providers and the job queue. Retryability is an explicit
// property of the kind so that queue workers never retry validation or
// ownership failures.
package fferr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindUnknown is the zero value. Errors of unknown kind inside job
	// execution are treated as transient.
	KindUnknown Kind = iota

	InvalidArgument
	NotFound
	InvalidChunkIndex
	ChunkSizeMismatch
	SessionNotWritable
	NotCompleted
	SizeMismatch
	Rejected
	SuspiciousContent
	UnsupportedType
	TooLarge
	ProviderFailure
	JobExhausted
)

var kindStrings = map[Kind]string{
	KindUnknown:        "unknown",
	InvalidArgument:    "invalid argument",
	NotFound:           "not found",
	InvalidChunkIndex:  "invalid chunk index",
	ChunkSizeMismatch:  "chunk size mismatch",
	SessionNotWritable: "session not writable",
	NotCompleted:       "upload not completed",
	SizeMismatch:       "size mismatch",
	Rejected:           "rejected by policy",
	SuspiciousContent:  "suspicious content",
	UnsupportedType:    "unsupported type",
	TooLarge:           "too large",
	ProviderFailure:    "provider failure",
	JobExhausted:       "job retries exhausted",
}

func (k Kind) String() string {
	s, ok := kindStrings[k]
	if !ok {
		return "unknown"
	}

	return s
}

// Error carries a kind, the operation that produced it, and an optional
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown when err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether a queue worker should retry err. Provider
// failures and unclassified errors (typically transient I/O) are retryable;
// everything validation-shaped is permanent.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ProviderFailure, KindUnknown:
		return true
	default:
		return false
	}
}
