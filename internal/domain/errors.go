package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrLockHeld       = errors.New("lock already held")
	ErrMalformedBatch = errors.New("malformed delivery batch")
	ErrInvalidRow     = errors.New("invalid row")
	ErrContextDone    = errors.New("context cancelled")
)
