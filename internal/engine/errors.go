package engine

import "errors"

var (
	// ErrStopped is returned by RunOnce after Stop.
	ErrStopped = errors.New("engine: stopped")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("engine: run loop already started")
)
