package types

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the propagation policy: some kinds surface
// immediately, some are candidates for fallback retry.
type Kind string

const (
	KindValidation      Kind = "Validation"
	KindNotFound        Kind = "NotFound"
	KindOptimisticLock  Kind = "OptimisticLock"
	KindRouteMismatch   Kind = "RouteMismatch"
	KindStorageTransient Kind = "StorageTransient"
	KindStoragePermanent Kind = "StoragePermanent"
	KindDocCommit       Kind = "DocCommit"
	KindExternalization Kind = "Externalization"
	KindLockConflict    Kind = "LockConflict"
	KindIntegrity       Kind = "Integrity"
)

// Error is the typed failure returned by every core operation. It carries
// the operation kind and routing context for diagnostics.
type Error struct {
	Kind       Kind
	Op         Op
	Collection string
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = fmt.Sprintf("%s [%s", s, e.Op)
		if e.Collection != "" {
			s += " " + e.Collection
		}
		s += "]"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by Kind so callers can use errors.Is with sentinel
// kinds, e.g. errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// E builds a typed error.
func E(kind Kind, op Op, collection, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Collection: collection, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain, or "" when untyped.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failure is a candidate for fallback enqueue
// under the propagation policy. Validation, NotFound, OptimisticLock and
// RouteMismatch are never retried; permanent storage and integrity failures
// surface immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorageTransient, KindDocCommit, KindLockConflict:
		return true
	default:
		return false
	}
}
