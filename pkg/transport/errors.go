package transport

import "errors"

var (
	// ErrDialTimeout is returned by Connect when neither dialConnected
	// nor dialError arrives within DialTimeout.
	ErrDialTimeout = errors.New("transport: dial timeout")

	// ErrUnknownConnection is returned by operations addressing a
	// connection id the transport has no row for.
	ErrUnknownConnection = errors.New("transport: unknown connection")
)
