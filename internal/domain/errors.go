package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidOrder       = errors.New("invalid order parameters")
	ErrWrongEpoch         = errors.New("order does not belong to the active epoch")
	ErrNoActiveEpoch      = errors.New("no active epoch")
	ErrEpochFull          = errors.New("epoch order limit reached")
	ErrAlreadyMatched     = errors.New("order already matched")
	ErrOrderClosed        = errors.New("order is closed")
	ErrStaleTransition    = errors.New("status changed concurrently")
	ErrIllegalTransition  = errors.New("illegal status transition")
	ErrInvariantViolation = errors.New("matching invariant violated")
	ErrLockHeld           = errors.New("lock already held")
	ErrRateLimited        = errors.New("rate limited")
)
