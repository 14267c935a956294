package session

import "errors"

var (
	// ErrNoHome is returned when an operation needs an active home and
	// none is selected.
	ErrNoHome = errors.New("session: no active home")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("session: already started")
)
