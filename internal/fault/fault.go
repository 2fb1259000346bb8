// Package fault defines the failure kinds shared by the tmpdir lifecycle
// packages and how callbacks treat them.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a lifecycle failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindBaseInaccessible
	KindPathTooLong
	KindPrivilegeDropFailed
	KindNotADirectory
	KindCreateFailed
	KindOwnershipMismatch
	KindRemovalPartialFailure
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindInvalidArgument:       "invalid argument",
	KindBaseInaccessible:      "base inaccessible",
	KindPathTooLong:           "path too long",
	KindPrivilegeDropFailed:   "privilege drop failed",
	KindNotADirectory:         "not a directory",
	KindCreateFailed:          "create failed",
	KindOwnershipMismatch:     "ownership mismatch",
	KindRemovalPartialFailure: "removal partial failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrInvalidArgument       = &Error{Kind: KindInvalidArgument}
	ErrBaseInaccessible      = &Error{Kind: KindBaseInaccessible}
	ErrPathTooLong           = &Error{Kind: KindPathTooLong}
	ErrPrivilegeDropFailed   = &Error{Kind: KindPrivilegeDropFailed}
	ErrNotADirectory         = &Error{Kind: KindNotADirectory}
	ErrCreateFailed          = &Error{Kind: KindCreateFailed}
	ErrOwnershipMismatch     = &Error{Kind: KindOwnershipMismatch}
	ErrRemovalPartialFailure = &Error{Kind: KindRemovalPartialFailure}
)

// Error is a classified failure on a path.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// New builds an *Error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test against the package sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must abort the callback that raised it.
// Cleanup failures leave stale directories behind instead of failing the
// host process.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindOwnershipMismatch, KindRemovalPartialFailure:
		return false
	}
	return true
}
