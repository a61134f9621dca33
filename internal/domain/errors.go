package domain

import "errors"

var (
	ErrUnavailable       = errors.New("provider unavailable")
	ErrStaleQuote        = errors.New("price quote too old")
	ErrMissingQuote      = errors.New("missing price quote")
	ErrDecision          = errors.New("recommendation failed")
	ErrExecution         = errors.New("execution failed")
	ErrInvalidTransition = errors.New("invalid episode transition")
	ErrEpisodeOpen       = errors.New("episode already open")
	ErrNotFound          = errors.New("not found")
	ErrLockHeld          = errors.New("lock already held")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
)
