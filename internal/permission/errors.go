package permission

import (
	"errors"
	"fmt"
)

var (
	// ErrDenied is returned when a guard or predicate refuses access.
	ErrDenied = errors.New("permission: denied")

	// ErrStaleBundle is returned when a bundle arrives for a generation or
	// home that is no longer active.
	ErrStaleBundle = errors.New("permission: stale bundle")

	// ErrNoHome is returned by Refresh when no home is active.
	ErrNoHome = errors.New("permission: no active home")

	// ErrNoFetcher is returned by Refresh when the evaluator has no Fetcher.
	ErrNoFetcher = errors.New("permission: no fetcher configured")
)

// Gate names the check that refused access.
type Gate string

// Gates.
const (
	GateMenu     Gate = "menu"
	GateRole     Gate = "role"
	GateResource Gate = "resource"
)

// DeniedError reports which gate refused access. It matches ErrDenied
// under errors.Is.
type DeniedError struct {
	Gate   Gate
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission: denied by %s gate: %s", e.Gate, e.Reason)
}

// Unwrap returns ErrDenied.
func (e *DeniedError) Unwrap() error { return ErrDenied }

func denied(g Gate, format string, args ...any) error {
	return &DeniedError{Gate: g, Reason: fmt.Sprintf(format, args...)}
}
