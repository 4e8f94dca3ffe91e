// Package alerr defines the error kinds surfaced by the active-learning
// controller. Callers match kinds with errors.Is; the *Error wrapper adds the
// iteration, strategy and stage needed to render an actionable message.
package alerr

import (
	"errors"
	"fmt"
	"strings"
)

// #region kinds

var (
	// ErrNotFound reports an expected artifact that is missing.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration reports a malformed epoch range or trajectory shape.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupportedStrategy reports an unknown strategy name. Never retried.
	ErrUnsupportedStrategy = errors.New("unsupported strategy")

	// ErrInvalidArgument reports overlapping accept/reject sets, a negative
	// budget or an out-of-range index.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTrainingFailure reports a trainer collaborator failure.
	ErrTrainingFailure = errors.New("training failure")

	// ErrConcurrencyViolation reports a Commit/Reset started while another
	// writer holds the workspace.
	ErrConcurrencyViolation = errors.New("concurrency violation")
)

// #endregion kinds

// #region error

// Error carries the request context alongside an error kind.
type Error struct {
	Kind      error
	Iteration int // -1 when not tied to an iteration
	Strategy  string
	Stage     string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Iteration >= 0 {
		fmt.Fprintf(&b, " (iteration %d", e.Iteration)
		if e.Strategy != "" {
			fmt.Fprintf(&b, ", strategy %s", e.Strategy)
		}
		b.WriteString(")")
	} else if e.Strategy != "" {
		fmt.Fprintf(&b, " (strategy %s)", e.Strategy)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// #endregion error

// #region constructors

// New builds an *Error of the given kind with a formatted cause.
func New(kind error, stage string, iteration int, format string, args ...any) *Error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Iteration: iteration, Stage: stage, Err: cause}
}

// Wrap attaches a kind and context to an existing error.
func Wrap(kind error, stage string, iteration int, err error) *Error {
	return &Error{Kind: kind, Iteration: iteration, Stage: stage, Err: err}
}

// WithStrategy returns a copy of e annotated with a strategy name.
func (e *Error) WithStrategy(strategy string) *Error {
	cp := *e
	cp.Strategy = strategy
	return &cp
}

// KindOf returns the first known kind in err's chain, or nil.
func KindOf(err error) error {
	for _, k := range []error{
		ErrNotFound, ErrConfiguration, ErrUnsupportedStrategy,
		ErrInvalidArgument, ErrTrainingFailure, ErrConcurrencyViolation,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// #endregion constructors
