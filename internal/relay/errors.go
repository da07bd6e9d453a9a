package relay

import "errors"

// Sentinel errors for relay operations.
var (
	// ErrHostAttachTimeout indicates no connection claimed the tunnel for
	// an allocated port before the configured deadline elapsed.
	ErrHostAttachTimeout = errors.New("relay: host attach timeout")

	// ErrSessionNotFound indicates no session exists for the given port.
	ErrSessionNotFound = errors.New("relay: session not found")
)
