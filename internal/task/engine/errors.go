package engine

import "errors"

var (
	ErrDisabled  = errors.New("delivery engine disabled")
	ErrStopped   = errors.New("delivery engine stopped")
	ErrStopping  = errors.New("delivery engine stopping")
	ErrQueueFull = errors.New("delivery engine queue full")
	ErrInvalid   = errors.New("invalid job")
)
