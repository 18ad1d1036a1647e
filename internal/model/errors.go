package model

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to classify failures returned by the
// transport and entity-graph packages.
var (
	ErrTransport         = errors.New("transport error")
	ErrEmptyResponse     = errors.New("empty response")
	ErrNotFound          = errors.New("not found")
	ErrAmbiguous         = errors.New("ambiguous result")
	ErrProgramming       = errors.New("programming error")
	ErrMalformedSelector = errors.New("malformed selector")
	ErrConfiguration     = errors.New("configuration error")
	ErrSocketDown        = errors.New("socket connection lost")
)

// Programming error refinements.
var (
	ErrMissingMetadata = fmt.Errorf("%w: primary key metadata not available", ErrProgramming)
	ErrRowDeleted      = fmt.Errorf("%w: row has been deleted", ErrProgramming)
	ErrBadLimit        = fmt.Errorf("%w: bad limit", ErrProgramming)
)

// TransportError is a failed exchange with the endpoint: a non-2xx status or
// a failure of the socket itself.
type TransportError struct {
	StatusCode int
	Title      string
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Title != "":
		if e.Message != "" {
			return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Title, e.Message)
		}
		return fmt.Sprintf("%d %s", e.StatusCode, e.Title)
	case e.StatusCode != 0:
		return fmt.Sprintf("status %d", e.StatusCode)
	case e.Err != nil:
		return "transport: " + e.Err.Error()
	default:
		return ErrTransport.Error()
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NewTransportError builds a TransportError from a decoded error document.
func NewTransportError(status int, doc *ErrorDocument) *TransportError {
	te := &TransportError{StatusCode: status}
	if doc != nil {
		te.Title = doc.Title
		te.Message = doc.Message
	}
	return te
}

// Cardinality kinds.
const (
	NotFound  = "NotFound"
	Ambiguous = "Ambiguous"
)

// CardinalityError reports that a single-row operation matched zero or more
// than one tuple.
type CardinalityError struct {
	Kind  string
	Count int
}

func (e *CardinalityError) Error() string {
	if e.Kind == Ambiguous {
		return fmt.Sprintf("expected one row, got %d", e.Count)
	}
	return "no row returned"
}

func (e *CardinalityError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == NotFound
	case ErrAmbiguous:
		return e.Kind == Ambiguous
	}
	return false
}

// Cardinality returns a CardinalityError for n tuples where exactly one was
// expected, or nil when n == 1.
func Cardinality(n int) error {
	switch {
	case n == 0:
		return &CardinalityError{Kind: NotFound}
	case n > 1:
		return &CardinalityError{Kind: Ambiguous, Count: n}
	}
	return nil
}

// OperationError adds the name of the failed operation to its cause.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return e.Op + " failed: " + e.Err.Error()
}

func (e *OperationError) Unwrap() error { return e.Err }

// NewOperationError wraps err with op. It returns nil when err is nil.
func NewOperationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, Err: err}
}
