package storage

import "errors"

var (
	// ErrNotFound is returned by Get for absent blocks, including blocks
	// no peer could supply.
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidCID  = errors.New("storage: invalid cid")
	ErrCIDMismatch = errors.New("storage: cid mismatch")
	// ErrImmutable reports two backends holding different bytes for one CID.
	ErrImmutable  = errors.New("storage: immutable object mismatch")
	ErrNoBackends = errors.New("storage: no backends configured")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
