// Package errs defines the error taxonomy shared across the platform.
// Kinds are stable lowercase strings because they double as metric label
// values (provider_failures{error_kind=...}) and as reasons in status
// artifacts.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for counting and propagation decisions.
type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindInputInvalid     Kind = "input_invalid"
	KindNoFutureExpiries Kind = "no_future_expiries"
	KindProviderFail     Kind = "provider_fail"
	KindInstrumentEmpty  Kind = "instrument_empty"
	KindCoverageLow      Kind = "coverage_low"
	KindBackpressure     Kind = "backpressure"
	KindSnapshotGuard    Kind = "snapshot_guard"
	KindPersistenceFail  Kind = "persistence_fail"
	KindMetricsFail      Kind = "metrics_fail"
	KindTimeout          Kind = "timeout"
	KindRateLimited      Kind = "rate_limited"
)

var (
	// ErrNoFutureExpiries is returned when expiry selection has no
	// candidates left after dedupe, holiday and past-date filtering.
	ErrNoFutureExpiries = &Error{Kind: KindNoFutureExpiries, msg: "no future expiries available"}
	// ErrInvalidEvent is returned when a bus publish carries an empty
	// type or a non-map payload.
	ErrInvalidEvent = &Error{Kind: KindInputInvalid, msg: "invalid event: empty type or non-map payload"}
)

// Error carries a Kind plus optional operation context and a wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.msg)
	case e.Err != nil:
		if e.msg == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.msg, e.Err)
	default:
		return e.msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two kinded errors by Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a kinded error from a format string.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error, preserving the
// chain for errors.Is / errors.As.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the error chain and returns the first Kind found, or
// KindUnknown when the chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
