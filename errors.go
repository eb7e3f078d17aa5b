package volcache

import (
	"errors"
	"fmt"
)

// Kind classifies cache errors.
type Kind uint8

const (
	// KindValidation marks malformed keys or paths. It is never retried.
	KindValidation Kind = iota + 1

	// KindReserve marks a save skipped because another writer is already
	// producing the same entry. Callers can treat it as success.
	KindReserve

	// KindIO marks a filesystem or subprocess failure.
	KindIO
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation error"
	case KindReserve:
		return "reserve cache error"
	case KindIO:
		return "io error"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Error is returned by Cache operations.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the operation that failed, such as "save" or "restore".
	Op string

	// Key is the cache key involved, if any.
	Key string

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "volcache: " + e.Kind.String()
	}
	if e.Op == "" {
		return "volcache: " + e.Err.Error()
	}
	return "volcache: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels matching every Error of a kind via errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrReserve    = &Error{Kind: KindReserve}
	ErrIO         = &Error{Kind: KindIO}
)

// ErrContended is returned by a Reserver when another writer holds the
// reservation. Save reports it as KindReserve.
var ErrContended = errors.New("volcache: entry is being saved by another writer")

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsReserve reports whether err is a reservation conflict.
func IsReserve(err error) bool {
	return errors.Is(err, ErrReserve)
}

func newError(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}
