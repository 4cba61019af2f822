package limestone

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, per the engine's error taxonomy: filesystem
// failures, recoverable truncation, invariant violations, readiness, and
// explicit-wait cancellation.
var (
	// ErrIO marks an underlying filesystem failure, fatal to the affected
	// operation.
	ErrIO = errors.New("limestone: io error")

	// ErrTruncated marks a log record that could not be fully read. It is
	// handled internally during recovery (truncate and continue); if it
	// ever escapes to a caller it is surfaced as [ErrIO].
	ErrTruncated = errors.New("limestone: truncated record")

	// ErrInvariantViolation marks a violated on-disk or ordering invariant
	// (e.g. a decreasing epoch, overlapping sessions). Fatal.
	ErrInvariantViolation = errors.New("limestone: invariant violation")

	// ErrNotReady is returned when a cursor is requested before Ready has
	// completed.
	ErrNotReady = errors.New("limestone: datastore not ready")

	// ErrCancelled is returned by explicit wait operations cancelled via
	// their context.
	ErrCancelled = errors.New("limestone: wait cancelled")

	// ErrDeadlineExceeded is returned by explicit wait operations whose
	// deadline elapsed before the awaited condition was observed.
	ErrDeadlineExceeded = errors.New("limestone: wait deadline exceeded")
)

// Error is the uniform error type returned by public Limestone APIs. It
// carries structured context around a wrapped cause.
//
// Use [errors.As] to extract structured fields, and [errors.Is] to check
// against the sentinel kinds above:
//
//	var lErr *limestone.Error
//	if errors.As(err, &lErr) {
//	    fmt.Printf("failed at storage=%d epoch=%d\n", lErr.Storage, lErr.Epoch)
//	}
//
//	if errors.Is(err, limestone.ErrNotReady) { ... }
type Error struct {
	// Path is the on-disk file the error relates to, if any.
	Path string

	// Storage is the storage id the error relates to, if any (zero is a
	// valid storage id, so whether it was set is tracked separately and
	// it is printed only when set).
	Storage StorageID
	hasStorage bool

	// Channel is the channel ordinal the error relates to, if any.
	Channel    uint64
	hasChannel bool

	// Epoch is the epoch the error relates to, if any.
	Epoch    uint64
	hasEpoch bool

	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (path=X storage=Y channel=Z epoch=E)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := e.cause()
	suffix := e.suffix()

	switch {
	case suffix == "":
		return cause
	case cause == "":
		return suffix
	default:
		return cause + " " + suffix
	}
}

func (e *Error) String() string { return e.Error() }

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func (e *Error) cause() string {
	if e.Err == nil {
		return ""
	}

	return e.Err.Error()
}

func (e *Error) suffix() string {
	var parts []string

	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}

	if e.hasStorage {
		parts = append(parts, fmt.Sprintf("storage=%d", e.Storage))
	}

	if e.hasChannel {
		parts = append(parts, fmt.Sprintf("channel=%d", e.Channel))
	}

	if e.hasEpoch {
		parts = append(parts, fmt.Sprintf("epoch=%d", e.Epoch))
	}

	if len(parts) == 0 {
		return ""
	}

	out := "("
	for i, p := range parts {
		if i > 0 {
			out += " "
		}

		out += p
	}

	return out + ")"
}

// errOpt configures an [Error] during construction via [wrap].
type errOpt func(*Error)

func withPath(path string) errOpt {
	return func(e *Error) { e.Path = path }
}

func withStorage(s StorageID) errOpt {
	return func(e *Error) { e.Storage, e.hasStorage = s, true }
}

func withChannel(ordinal uint64) errOpt {
	return func(e *Error) { e.Channel, e.hasChannel = ordinal, true }
}

func withEpoch(epoch uint64) errOpt {
	return func(e *Error) { e.Epoch, e.hasEpoch = epoch, true }
}

// wrap creates an [*Error] with optional structured context, inheriting and
// extending context from an already-wrapped [*Error] rather than
// double-wrapping. Returns nil if err is nil.
func wrap(err error, opts ...errOpt) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	isDirectError := errors.As(err, &existing)

	if isDirectError && len(opts) == 0 {
		return existing
	}

	e := &Error{Err: err}

	if isDirectError {
		*e = *existing
		e.Err = existing.Err
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}
