package transport

import "errors"

var (
	// ErrNotConnected is returned when sending while the connection is down.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrNoURL is returned by Run when no URL is configured.
	ErrNoURL = errors.New("transport: url is required")
)
