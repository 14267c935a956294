package entity

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
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

// pendingMark records an unconfirmed command.
type pendingMark struct {
	token     uint64
	requestID string
	since     time.Time
}

// Store is the registry and value store for the active home.
//
// All methods are safe for concurrent use. Subscribers are called after
// the store lock is released, in mutation order; a subscriber may read
// from the store but must not mutate it.
type Store struct {
	// emitMu serialises mutate-then-notify so subscribers observe changes
	// in the order they were made.
	emitMu sync.Mutex

	mu        sync.RWMutex
	homeID    string
	gen       uint64
	loaded    bool
	devices   map[string]*Device
	owner     map[string]string // entity id -> device id
	values    map[string]Value
	confirmed map[string]Value // last authoritative value per entity
	pending   map[string]pendingMark
	nextToken uint64

	subMu     sync.Mutex
	subs      map[int]func(Change)
	nextSubID int

	strict bool
	now    func() time.Time
	logger Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStrictConfirmation makes ApplyValueUpdate clear a pending marker only
// when the update carries the request id of the pending command.
func WithStrictConfirmation(strict bool) StoreOption {
	return func(s *Store) { s.strict = strict }
}

// WithNow sets the time source used to stamp pending markers.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store with no active home.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		devices: make(map[string]*Device),
		owner:   make(map[string]string),
		values:    make(map[string]Value),
		confirmed: make(map[string]Value),
		pending:   make(map[string]pendingMark),
		subs:    make(map[int]func(Change)),
		now:     time.Now,
		logger:  noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Subscribe registers fn for every subsequent Change and returns a func
// that removes it.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// SetActiveHome selects homeID, empties the registry and starts a new
// load generation. The returned token must accompany the LoadHome call
// that fills it.
func (s *Store) SetActiveHome(homeID string) uint64 {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.homeID = homeID
	s.loaded = false
	s.devices = make(map[string]*Device)
	s.owner = make(map[string]string)
	s.values = make(map[string]Value)
	s.confirmed = make(map[string]Value)
	s.pending = make(map[string]pendingMark)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeHome, HomeID: homeID})
	return gen
}

// LoadHome replaces the registry with a snapshot of homeID.
//
// It returns ErrStaleSnapshot if gen is not the current generation or
// homeID is not the active home. Pending markers survive for entities
// still present; for those the optimistic value is kept over the
// snapshot's. Markers for entities absent from the snapshot are dropped.
func (s *Store) LoadHome(gen uint64, homeID string, devices []Device, values map[string]Value) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || homeID != s.homeID {
		current := s.homeID
		s.mu.Unlock()
		return fmt.Errorf("%w: home %s generation %d (active %s)", ErrStaleSnapshot, homeID, gen, current)
	}

	newDevices := make(map[string]*Device, len(devices))
	newOwner := make(map[string]string)
	for i := range devices {
		d := devices[i].DeepCopy()
		newDevices[d.ID] = d
		for _, e := range d.Entities {
			newOwner[e.ID] = d.ID
		}
	}

	newValues := make(map[string]Value, len(values))
	newConfirmed := make(map[string]Value, len(values))
	for id, v := range values {
		if _, ok := newOwner[id]; ok && !v.IsZero() {
			newValues[id] = v
			newConfirmed[id] = v
		}
	}

	dropped := 0
	for id := range s.pending {
		if _, ok := newOwner[id]; !ok {
			delete(s.pending, id)
			dropped++
			continue
		}
		if v, ok := s.values[id]; ok {
			newValues[id] = v
		}
	}

	s.devices = newDevices
	s.owner = newOwner
	s.values = newValues
	s.confirmed = newConfirmed
	s.loaded = true
	s.mu.Unlock()

	s.logger.Info("home loaded",
		"home_id", homeID,
		"devices", len(devices),
		"values", len(newValues),
		"pending_dropped", dropped,
	)
	s.emit(Change{Kind: ChangeHome, HomeID: homeID, Loaded: true})
	return nil
}

// ApplyValueUpdate stores an authoritative value and clears the entity's
// pending marker. Updates for unknown entities, whose device id does not
// own the entity, or that carry no value are dropped and reported as
// false.
func (s *Store) ApplyValueUpdate(u ValueUpdate) bool {
	if u.Value.IsZero() {
		s.logger.Debug("dropping update without a value", "entity_id", u.EntityID)
		return false
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	deviceID, ok := s.owner[u.EntityID]
	if !ok || (u.DeviceID != "" && u.DeviceID != deviceID) {
		s.mu.Unlock()
		s.logger.Debug("dropping update for unknown entity",
			"entity_id", u.EntityID,
			"device_id", u.DeviceID,
		)
		return false
	}

	s.values[u.EntityID] = u.Value
	s.confirmed[u.EntityID] = u.Value
	if mark, ok := s.pending[u.EntityID]; ok {
		if !s.strict || mark.requestID == u.RequestID {
			delete(s.pending, u.EntityID)
		}
	}
	change := s.entityChangeLocked(u.EntityID)
	change.Confirmed = true
	s.mu.Unlock()

	s.emit(change)
	return true
}

// ApplyDiscovery merges announced entities into a device. Known entity ids
// are replaced in place and new ones appended in announcement order.
// Values are untouched. An unknown device gets a placeholder record.
func (s *Store) ApplyDiscovery(disc Discovery) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	d, ok := s.devices[disc.DeviceID]
	if !ok {
		name := disc.Name
		if name == "" {
			name = disc.DeviceID
		}
		d = &Device{ID: disc.DeviceID, Name: name, Online: true}
		s.devices[disc.DeviceID] = d
	} else if disc.Name != "" {
		d.Name = disc.Name
	}
	if disc.MAC != "" {
		d.MAC = disc.MAC
	}

	for _, e := range disc.Entities {
		e = e.clone()
		if prev, moved := s.owner[e.ID]; moved && prev != d.ID {
			if other := s.devices[prev]; other != nil {
				other.Entities = removeEntity(other.Entities, e.ID)
			}
		}
		replaced := false
		for i := range d.Entities {
			if d.Entities[i].ID == e.ID {
				d.Entities[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			d.Entities = append(d.Entities, e)
		}
		s.owner[e.ID] = d.ID
	}
	homeID := s.homeID
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("placeholder device created from discovery", "device_id", disc.DeviceID)
	}
	s.emit(Change{Kind: ChangeDevice, HomeID: homeID, DeviceID: disc.DeviceID})
}

func removeEntity(entities []Entity, id string) []Entity {
	out := entities[:0]
	for _, e := range entities {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// SetOnline changes a device's presence flag. Entity values are kept;
// while offline they read as stale. Unknown devices are dropped and
// reported as false.
func (s *Store) SetOnline(deviceID string, online bool) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	d, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("dropping presence for unknown device", "device_id", deviceID)
		return false
	}
	if d.Online == online {
		s.mu.Unlock()
		return true
	}
	d.Online = online
	homeID := s.homeID
	s.mu.Unlock()

	s.emit(Change{Kind: ChangePresence, HomeID: homeID, DeviceID: deviceID, Online: online})
	return true
}

// BeginCommand marks entityID pending and writes the intended value in
// one step. The returned token identifies this marker for ExpirePending.
// A marker from an earlier command is superseded.
func (s *Store) BeginCommand(entityID string, value Value, requestID string) (uint64, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if _, ok := s.owner[entityID]; !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	s.nextToken++
	token := s.nextToken
	s.pending[entityID] = pendingMark{token: token, requestID: requestID, since: s.now()}
	s.values[entityID] = value
	change := s.entityChangeLocked(entityID)
	s.mu.Unlock()

	s.emit(change)
	return token, nil
}

// ExpirePending clears the pending marker for entityID if it still
// carries token. It reports whether a marker was cleared; false means the
// marker was already cleared or replaced by a newer command. The
// optimistic value stays visible but is never treated as confirmed.
func (s *Store) ExpirePending(entityID string, token uint64) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	mark, ok := s.pending[entityID]
	if !ok || mark.token != token {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, entityID)
	change := s.entityChangeLocked(entityID)
	s.mu.Unlock()

	s.logger.Debug("pending command expired",
		"entity_id", entityID,
		"request_id", mark.requestID,
	)
	s.emit(change)
	return true
}

// ActiveHome returns the active home id and whether its snapshot is loaded.
func (s *Store) ActiveHome() (homeID string, loaded bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.homeID, s.loaded
}

// Generation returns the current load generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Device returns a copy of the device with the given id.
func (s *Store) Device(id string) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

// Devices returns copies of all devices sorted by name, then id.
func (s *Store) Devices() []Device {
	s.mu.RLock()
	devices := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, *d.DeepCopy())
	}
	s.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// DeviceOf returns the id of the device owning entityID.
func (s *Store) DeviceOf(entityID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.owner[entityID]
	return id, ok
}

// EntityState returns the state of entityID.
func (s *Store) EntityState(entityID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.owner[entityID]; !ok {
		return State{}, false
	}
	return s.stateLocked(entityID), true
}

// ConfirmedValue returns the last value the backend reported for
// entityID, ignoring any optimistic value written by a command.
func (s *Store) ConfirmedValue(entityID string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.confirmed[entityID]
	return v, ok
}

// IsPending reports whether entityID has an unconfirmed command.
func (s *Store) IsPending(entityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[entityID]
	return ok
}

// Pending returns the ids of entities with unconfirmed commands, sorted.
func (s *Store) Pending() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the loaded registry with the last confirmed
// value of each entity, or false when the active home has not been loaded
// yet. Optimistic values, pending or expired, are never included.
func (s *Store) Snapshot() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return Snapshot{}, false
	}

	snap := Snapshot{
		HomeID:  s.homeID,
		SavedAt: s.now().UTC(),
		Devices: make([]Device, 0, len(s.devices)),
		Values:  make(map[string]Value, len(s.confirmed)),
	}
	for _, d := range s.devices {
		snap.Devices = append(snap.Devices, *d.DeepCopy())
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })
	for id, v := range s.confirmed {
		snap.Values[id] = v
	}
	return snap, true
}

func (s *Store) stateLocked(entityID string) State {
	v, known := s.values[entityID]
	_, pending := s.pending[entityID]
	stale := false
	if d := s.devices[s.owner[entityID]]; d != nil {
		stale = !d.Online
	}
	return State{Value: v, Known: known, Pending: pending, Stale: stale}
}

func (s *Store) entityChangeLocked(entityID string) Change {
	st := s.stateLocked(entityID)
	return Change{
		Kind:     ChangeEntity,
		HomeID:   s.homeID,
		DeviceID: s.owner[entityID],
		EntityID: entityID,
		State:    &st,
	}
}

// emit delivers c to the current subscribers. Callers hold emitMu.
func (s *Store) emit(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		s.deliver(fn, c)
	}
}

func (s *Store) deliver(fn func(Change), c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in store subscriber", "kind", c.Kind, "panic", r)
		}
	}()
	fn(c)
}
