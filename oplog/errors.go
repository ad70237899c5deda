package oplog

import (
	"errors"

	"github.com/ipfs/go-cid"
)

// Kind is a stable category for programmatic error handling.
//
// Callers should branch on Kind rather than matching error strings.
// Use errors.As to extract *Error for structured handling.
type Kind string

const (
	KindEncoding         Kind = "Encoding"
	KindAccess           Kind = "Access"
	KindMissingAncestor  Kind = "MissingAncestor"
	KindInvalidSignature Kind = "InvalidSignature"
	KindInternal         Kind = "Internal"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("oplog: log closed")

// Error is the log's structured error type.
//
// Hash names the entry the error is about when one is known.
// Message is intended for humans; do not match on it.
type Error struct {
	Kind    Kind
	Hash    cid.Cid
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if e.Hash.Defined() {
		msg = e.Hash.String() + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newError(kind Kind, h cid.Cid, msg string, cause error) error {
	return &Error{Kind: kind, Hash: h, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
