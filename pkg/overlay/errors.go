package overlay

import "errors"

var (
	// ErrStartupTimeout is returned by Start when the sidecar doesn't
	// report state "running" within the startup timeout.
	ErrStartupTimeout = errors.New("overlay: startup timeout")

	// ErrStartupError is returned by Start when the sidecar reports
	// state "error" before reaching "running".
	ErrStartupError = errors.New("overlay: startup error")

	// ErrAlreadyStarted is returned by Start when called twice.
	ErrAlreadyStarted = errors.New("overlay: already started")

	// ErrNotStarted is returned by operations that require a running
	// client.
	ErrNotStarted = errors.New("overlay: not started")
)
