package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homesync/internal/clock"
	"github.com/nerrad567/homesync/internal/command"
	"github.com/nerrad567/homesync/internal/entity"
	"github.com/nerrad567/homesync/internal/permission"
	"github.com/nerrad567/homesync/internal/transport"
)

// fakeTransport records outbound calls and lets tests inject events.
type fakeTransport struct {
	mu        sync.Mutex
	joins     []string
	sent      []command.Command
	connected bool
	onConnect func(ctx context.Context)

	telemetry     []func(transport.EntityUpdate)
	presence      []func(transport.PresenceEvent)
	notifications []func(transport.Notification)
}

func (f *fakeTransport) SendCommand(_ context.Context, cmd command.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTransport) JoinHome(homeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, homeID)
	if !f.connected {
		return transport.ErrNotConnected
	}
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SetOnConnect(fn func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = fn
}

func (f *fakeTransport) SubscribeTelemetry(fn func(transport.EntityUpdate)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry = append(f.telemetry, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.telemetry = nil
	}
}

func (f *fakeTransport) SubscribePresence(fn func(transport.PresenceEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.presence = nil
	}
}

func (f *fakeTransport) SubscribeNotifications(fn func(transport.Notification)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.notifications = nil
	}
}

func (f *fakeTransport) pushTelemetry(u transport.EntityUpdate) {
	f.mu.Lock()
	fns := append([]func(transport.EntityUpdate){}, f.telemetry...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (f *fakeTransport) pushPresence(p transport.PresenceEvent) {
	f.mu.Lock()
	fns := append([]func(transport.PresenceEvent){}, f.presence...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (f *fakeTransport) pushNotification(n transport.Notification) {
	f.mu.Lock()
	fns := append([]func(transport.Notification){}, f.notifications...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

func (f *fakeTransport) reconnect(ctx context.Context) {
	f.mu.Lock()
	f.connected = true
	fn := f.onConnect
	f.mu.Unlock()
	if fn != nil {
		fn(ctx)
	}
}

func (f *fakeTransport) sentCommands() []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Command(nil), f.sent...)
}

func (f *fakeTransport) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

// homeData is what fakeBackend serves for one home.
type homeData struct {
	devices []entity.Device
	values  map[string]entity.Value
	bundle  *permission.Bundle

	// gate, when set, blocks fetches for the home until closed.
	gate chan struct{}
}

// fakeBackend serves homes from memory and counts fetches.
type fakeBackend struct {
	mu      sync.Mutex
	homes   map[string]*homeData
	listErr error
	sent    []command.Command

	deviceFetches map[string]int
	fetched       chan string // receives a home id when a device fetch starts
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		homes:         make(map[string]*homeData),
		deviceFetches: make(map[string]int),
		fetched:       make(chan string, 64),
	}
}

func (f *fakeBackend) set(homeID string, h *homeData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.homes[homeID] = h
}

func (f *fakeBackend) home(homeID string) (*homeData, error) {
	f.mu.Lock()
	h, ok := f.homes[homeID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("home %s: not found", homeID)
	}
	return h, nil
}

func (f *fakeBackend) ListHomes(context.Context) ([]entity.Home, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	homes := make([]entity.Home, 0, len(f.homes))
	for id := range f.homes {
		homes = append(homes, entity.Home{ID: id, Name: id})
	}
	sort.Slice(homes, func(i, j int) bool { return homes[i].ID < homes[j].ID })
	return homes, nil
}

func (f *fakeBackend) FetchDevices(ctx context.Context, homeID string) ([]entity.Device, map[string]entity.Value, error) {
	f.mu.Lock()
	f.deviceFetches[homeID]++
	f.mu.Unlock()
	select {
	case f.fetched <- homeID:
	default:
	}

	h, err := f.home(homeID)
	if err != nil {
		return nil, nil, err
	}
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return h.devices, h.values, nil
}

func (f *fakeBackend) FetchPermissions(ctx context.Context, homeID string) (*permission.Bundle, error) {
	h, err := f.home(homeID)
	if err != nil {
		return nil, err
	}
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b := h.bundle.Clone()
	if b == nil {
		b = &permission.Bundle{}
	}
	b.HomeID = homeID
	return b, nil
}

func (f *fakeBackend) SendCommand(_ context.Context, cmd command.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeBackend) fetchCount(homeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceFetches[homeID]
}

// memRepository is an in-memory entity.Repository.
type memRepository struct {
	mu        sync.Mutex
	snapshots map[string]entity.Snapshot
	homes     []entity.Home
}

func newMemRepository() *memRepository {
	return &memRepository{snapshots: make(map[string]entity.Snapshot)}
}

func (r *memRepository) SaveSnapshot(_ context.Context, snap entity.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[snap.HomeID] = snap
	return nil
}

func (r *memRepository) LoadSnapshot(_ context.Context, homeID string) (*entity.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[homeID]
	if !ok {
		return nil, entity.ErrSnapshotNotFound
	}
	return &snap, nil
}

func (r *memRepository) DeleteSnapshot(_ context.Context, homeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, homeID)
	return nil
}

func (r *memRepository) SaveHomes(_ context.Context, homes []entity.Home) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.homes = append([]entity.Home(nil), homes...)
	return nil
}

func (r *memRepository) ListHomes(context.Context) ([]entity.Home, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.Home(nil), r.homes...), nil
}

func (r *memRepository) snapshot(homeID string) (entity.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[homeID]
	return snap, ok
}

// relayHome is home-a of the scenarios: D1 with relay_1, in room r1.
func relayHome() *homeData {
	return &homeData{
		devices: []entity.Device{{
			ID:       "D1",
			Name:     "Relay board",
			Online:   true,
			RoomID:   "r1",
			Entities: []entity.Entity{{ID: "relay_1", Kind: entity.KindSwitch, Name: "Relay 1"}},
		}},
		values: map[string]entity.Value{"relay_1": entity.StringValue("OFF")},
		bundle: &permission.Bundle{
			Version:  1,
			HomeRole: permission.HomeRoleMember,
			Menus:    map[string]bool{"devices": true},
			Devices:  map[string][]string{"D1": {permission.ActionView, permission.ActionControl}},
		},
	}
}

// manyDevices returns n devices named prefix-0 .. prefix-(n-1).
func manyDevices(prefix string, n int) []entity.Device {
	out := make([]entity.Device, n)
	for i := range out {
		id := fmt.Sprintf("%s-%d", prefix, i)
		out[i] = entity.Device{
			ID:       id,
			Name:     id,
			Online:   true,
			Entities: []entity.Entity{{ID: id + "-e", Kind: entity.KindSensor, Name: id}},
		}
	}
	return out
}

type harness struct {
	session   *Session
	store     *entity.Store
	evaluator *permission.Evaluator
	transport *fakeTransport
	backend   *fakeBackend
	repo      *memRepository
	clock     *clock.FakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:     entity.NewStore(),
		transport: &fakeTransport{},
		backend:   newFakeBackend(),
		repo:      newMemRepository(),
		clock:     clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	h.evaluator = permission.NewEvaluator(h.backend)
	h.session = New(cfg, Deps{
		Store:      h.store,
		Evaluator:  h.evaluator,
		Transport:  h.transport,
		Backend:    h.backend,
		Repository: h.repo,
		Clock:      h.clock,
	})
	t.Cleanup(h.session.Close)
	return h
}

func deviceIDs(devices []entity.Device) []string {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	sort.Strings(ids)
	return ids
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
