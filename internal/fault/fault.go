// Package fault classifies failures that cross a collaborator boundary so
// callers can branch on the kind of failure instead of its concrete type.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies which stage of a turn produced an error.
type Kind int

const (
	// Internal is the kind of any error that was never classified.
	Internal Kind = iota
	// Validation covers bad user input. It is always shown to the user and
	// never mutates state.
	Validation
	// Transcription covers unreadable audio and speech recognizer failures.
	Transcription
	// Generation covers language model failures.
	Generation
	// Synthesis covers speech synthesizer failures.
	Synthesis
	// IO covers temp file creation, download and removal.
	IO
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Transcription:
		return "transcription"
	case Generation:
		return "generation"
	case Synthesis:
		return "synthesis"
	case IO:
		return "io"
	default:
		return "internal"
	}
}

// Error wraps an underlying error with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
