package mirror

import "errors"

var (
	// ErrInactiveHome is returned for a broker command addressed to a home
	// other than the active one.
	ErrInactiveHome = errors.New("mirror: command for inactive home")

	// ErrEmptyCommand is returned for a broker command without a payload.
	ErrEmptyCommand = errors.New("mirror: empty command payload")
)
