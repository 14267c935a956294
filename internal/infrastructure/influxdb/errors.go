package influxdb

import "errors"

var (
	// ErrNotConnected is returned once the client is closed.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed is returned when the server does not answer a ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
