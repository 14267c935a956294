package entity

import "errors"

// Domain errors for the entity package.
var (
	// ErrStaleSnapshot is returned when a snapshot belongs to a load
	// generation that is no longer current.
	ErrStaleSnapshot = errors.New("entity: stale snapshot")

	// ErrEntityNotFound is returned when an entity id is not in the registry.
	ErrEntityNotFound = errors.New("entity: not found")

	// ErrDeviceNotFound is returned when a device id is not in the registry.
	ErrDeviceNotFound = errors.New("entity: device not found")

	// ErrSnapshotNotFound is returned when no snapshot is cached for a home.
	ErrSnapshotNotFound = errors.New("entity: snapshot not found")

	// ErrInvalidValue is returned when a value cannot be decoded.
	ErrInvalidValue = errors.New("entity: invalid value")
)
