package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error leaving the subsystem wraps exactly one of them.
var (
	ErrSourceResolution = errors.New("source resolution failed")
	ErrFetch            = errors.New("fetch failed")
	ErrArchive          = errors.New("archive error")
	ErrFormat           = errors.New("unsupported format")
	ErrCatalog          = errors.New("catalog error")
	ErrResource         = errors.New("insufficient resources")
)

// Causes carried alongside a kind.
var (
	ErrNotFound     = errors.New("dataset not found")
	ErrUnsafePath   = errors.New("archive entry escapes extraction root")
	ErrSizeMismatch = errors.New("received size does not match content length")
	ErrNoSource     = errors.New("no source accepts identifier")
)

// Error is the typed error returned by the acquisition pipeline.
type Error struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

// NewError builds an Error of the given kind.
func NewError(kind error, op string, key Key, err error) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if key.Identifier != "" {
		e.Key = key.String()
	}
	return e
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (%s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFound returns the catalog error for a missing key.
func NotFound(op string, key Key) error {
	return NewError(ErrCatalog, op, key, ErrNotFound)
}

// KindOf returns the error kind of err, or nil for foreign errors.
func KindOf(err error) error {
	for _, k := range []error{ErrSourceResolution, ErrFetch, ErrArchive, ErrFormat, ErrCatalog, ErrResource} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
