// Package session orchestrates one user session against the backend.
//
// A Session owns the active-home selection. Switching homes bumps the
// generation of both the entity store and the permission evaluator,
// moves the transport to the new home room and fetches devices and
// permissions concurrently. Each result is committed only if its
// generation is still current, so a slow fetch for a home the user has
// already left is dropped instead of overwriting the new home.
//
// Transport events are routed to the store: telemetry to
// ApplyValueUpdate, discovery to ApplyDiscovery, presence to SetOnline.
// Dashboard and permission pushes for the active home trigger a refetch.
// After every reconnect the session refetches before the new
// connection's first event is dispatched.
package session
