package mail

import (
	"errors"
	"fmt"
)

// Kind says how a failure should be handled by the sync pass
type Kind uint8

const (
	// KindUnknown errors are treated as per-message failures
	KindUnknown Kind = iota
	// KindNotFound means the referenced message or record does not exist
	KindNotFound
	// KindTransient covers failures that may succeed when retried
	KindTransient
	// KindFatal means the account session or repository is unusable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrConflict is returned when a concurrent writer inserted the same message first
var ErrConflict = errors.New("concurrent write conflict")

// Error carries a Kind alongside the failing operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind. A nil err yields nil
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFound wraps err as KindNotFound
func NotFound(op string, err error) error { return E(KindNotFound, op, err) }

// Transient wraps err as KindTransient
func Transient(op string, err error) error { return E(KindTransient, op, err) }

// Fatal wraps err as KindFatal
func Fatal(op string, err error) error { return E(KindFatal, op, err) }

// KindOf returns the outermost Kind attached to err
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is classified as KindNotFound
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsFatal reports whether err is classified as KindFatal
func IsFatal(err error) bool { return KindOf(err) == KindFatal }
