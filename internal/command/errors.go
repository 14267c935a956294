package command

import "errors"

var (
	// ErrInvalidCommand is returned when a command lacks its target or value.
	ErrInvalidCommand = errors.New("command: invalid")

	// ErrClosed is returned by Issue after Close.
	ErrClosed = errors.New("command: tracker closed")
)
