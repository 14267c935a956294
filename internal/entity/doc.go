// Package entity owns the device registry and entity value store for the
// active home.
//
// The Store is the single writer of registry state. Transport events,
// snapshot loads and optimistic commands all go through its mutators;
// everything else reads copies. Every mutation produces a Change that is
// delivered to subscribers in mutation order.
//
// # Values and pending commands
//
// An entity value is the last one observed: arrival order decides, not
// timestamps. A pending marker records an unconfirmed command. It is
// removed exactly once, by the first of:
//   - an authoritative value update (ApplyValueUpdate)
//   - expiry of the command's timer (ExpirePending with the matching token)
//   - the entity disappearing from a fresh snapshot (LoadHome)
//
// # Generations
//
// SetActiveHome starts a new load generation. LoadHome commits a snapshot
// only for the current generation, so a slow fetch for a home the user has
// already left is rejected with ErrStaleSnapshot.
//
// # Persistence
//
// SQLiteRepository keeps the last good snapshot per home so the service
// can serve a warm registry before the backend answers.
package entity
