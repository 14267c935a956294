package permission

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Logger defines the logging interface used by the Evaluator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Fetcher loads the bundle for a home from the backend.
type Fetcher interface {
	FetchPermissions(ctx context.Context, homeID string) (*Bundle, error)
}

// Evaluator holds the permission bundle for the active home.
// All methods are safe for concurrent use.
type Evaluator struct {
	mu         sync.RWMutex
	state      State
	homeID     string
	gen        uint64
	bundle     *Bundle
	systemRole string

	fetcher Fetcher
	flight  singleflight.Group
	logger  Logger
}

// NewEvaluator creates an evaluator with no active home. fetcher may be nil
// when bundles are only pushed through Load.
func NewEvaluator(fetcher Fetcher) *Evaluator {
	return &Evaluator{fetcher: fetcher, logger: noopLogger{}}
}

// SetLogger sets the logger for the evaluator.
func (e *Evaluator) SetLogger(logger Logger) {
	e.logger = logger
}

// SetSystemRole records the session's system role, typically taken from
// the access token before any bundle has loaded.
func (e *Evaluator) SetSystemRole(role string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.systemRole = role
}

// SetActiveHome drops the current bundle, enters StateLoading and starts a
// new generation. The system role is session-wide and survives.
func (e *Evaluator) SetActiveHome(homeID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.homeID = homeID
	e.bundle = nil
	e.state = StateLoading
	return e.gen
}

// Load installs b for generation gen and enters StateReady.
// It returns ErrStaleBundle if gen is not current or b is for another home.
func (e *Evaluator) Load(gen uint64, b *Bundle) error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", ErrStaleBundle)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen || b.HomeID != e.homeID {
		return fmt.Errorf("%w: home %s generation %d (active %s)", ErrStaleBundle, b.HomeID, gen, e.homeID)
	}
	e.bundle = b.Clone()
	if b.Role != "" {
		e.systemRole = b.Role
	}
	e.state = StateReady
	e.logger.Info("permissions loaded",
		"home_id", b.HomeID,
		"version", b.Version,
		"home_role", b.HomeRole,
	)
	return nil
}

// HandleVersion reacts to a pushed bundle version for homeID. If the home
// is active and the version differs from the loaded one, the evaluator
// returns to StateLoading and HandleVersion reports true: the caller should
// Refresh.
func (e *Evaluator) HandleVersion(homeID string, version int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if homeID != e.homeID {
		return false
	}
	if e.state == StateReady && e.bundle != nil && e.bundle.Version == version {
		return false
	}
	if e.state == StateReady {
		e.logger.Info("permission version changed", "home_id", homeID, "version", version)
	}
	e.gen++
	e.bundle = nil
	e.state = StateLoading
	return true
}

// Refresh fetches and loads the bundle for the active home. Concurrent
// refreshes for the same generation share one fetch.
func (e *Evaluator) Refresh(ctx context.Context) error {
	if e.fetcher == nil {
		return ErrNoFetcher
	}

	e.mu.RLock()
	homeID, gen := e.homeID, e.gen
	e.mu.RUnlock()
	if homeID == "" {
		return ErrNoHome
	}

	key := homeID + "@" + strconv.FormatUint(gen, 10)
	_, err, shared := e.flight.Do(key, func() (any, error) {
		b, err := e.fetcher.FetchPermissions(ctx, homeID)
		if err != nil {
			return nil, fmt.Errorf("fetching permissions: %w", err)
		}
		return nil, e.Load(gen, b)
	})
	if shared {
		e.logger.Debug("permission refresh shared", "home_id", homeID)
	}
	return err
}

// Can reports whether action on the resource is allowed.
func (e *Evaluator) Can(action, resourceType, resourceKey string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.systemRole == RoleSuperAdmin {
		return true
	}
	if e.state != StateReady || e.bundle == nil {
		return false
	}

	switch resourceType {
	case ResourceMenu:
		return e.bundle.Menus[resourceKey]
	case ResourceDevice:
		return resourceAllows(e.bundle.Devices, resourceKey, action)
	case ResourceRoom:
		return resourceAllows(e.bundle.Rooms, resourceKey, action)
	}
	return false
}

// resourceAllows looks up key, falling back to the wildcard entry when
// key has none.
func resourceAllows(m map[string][]string, key, action string) bool {
	if actions, ok := m[key]; ok {
		return allows(actions, action)
	}
	return allows(m[Wildcard], action)
}

// HasRole reports whether the system role or the home role is one of roles.
// The bypass role always matches.
func (e *Evaluator) HasRole(roles ...string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.systemRole == RoleSuperAdmin {
		return true
	}
	homeRole := ""
	if e.state == StateReady && e.bundle != nil {
		homeRole = e.bundle.HomeRole
	}
	for _, r := range roles {
		if r == "" {
			continue
		}
		if r == e.systemRole || r == homeRole {
			return true
		}
	}
	return false
}

// Status returns a copy of the evaluator's current state.
func (e *Evaluator) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{State: e.state, HomeID: e.homeID, Role: e.systemRole}
	if e.bundle != nil {
		st.Version = e.bundle.Version
		st.HomeRole = e.bundle.HomeRole
		st.Menus = make(map[string]bool, len(e.bundle.Menus))
		for k, v := range e.bundle.Menus {
			st.Menus[k] = v
		}
	}
	return st
}

// Generation returns the current load generation.
func (e *Evaluator) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gen
}
