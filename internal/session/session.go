package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/homesync/internal/clock"
	"github.com/nerrad567/homesync/internal/command"
	"github.com/nerrad567/homesync/internal/entity"
	"github.com/nerrad567/homesync/internal/permission"
	"github.com/nerrad567/homesync/internal/transport"
)

// Logger defines the logging interface used by the Session.
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

// Transport is the event channel the session listens on.
// *transport.Client implements it.
type Transport interface {
	command.Sender
	JoinHome(homeID string) error
	IsConnected() bool
	SetOnConnect(fn func(ctx context.Context))
	SubscribeTelemetry(fn func(transport.EntityUpdate)) (unsubscribe func())
	SubscribePresence(fn func(transport.PresenceEvent)) (unsubscribe func())
	SubscribeNotifications(fn func(transport.Notification)) (unsubscribe func())
}

// Backend is the REST side of the remote backend.
// *backend.Client implements it.
type Backend interface {
	command.Sender
	ListHomes(ctx context.Context) ([]entity.Home, error)
	FetchDevices(ctx context.Context, homeID string) ([]entity.Device, map[string]entity.Value, error)
}

// Config holds the session's behaviour settings.
type Config struct {
	DefaultHome    string
	PendingTimeout time.Duration

	// CommandREST sends commands through the REST API instead of the
	// event channel.
	CommandREST bool
}

// Deps are the collaborators a Session drives. Repository and Clock are
// optional.
type Deps struct {
	Store      *entity.Store
	Evaluator  *permission.Evaluator
	Transport  Transport
	Backend    Backend
	Repository entity.Repository
	Clock      clock.Clock
	Logger     Logger
}

// Status summarises the session.
type Status struct {
	HomeID      string            `json:"homeId"`
	Loaded      bool              `json:"loaded"`
	Connected   bool              `json:"connected"`
	Pending     []string          `json:"pending"`
	Permissions permission.Status `json:"permissions"`
}

// Session keeps the store and evaluator in step with the backend for
// one active home at a time.
type Session struct {
	cfg       Config
	store     *entity.Store
	evaluator *permission.Evaluator
	transport Transport
	backend   Backend
	repo      entity.Repository
	tracker   *command.Tracker
	logger    Logger

	flight singleflight.Group

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	unsubs  []func()
	started bool
	wg      sync.WaitGroup
}

// New creates a session. Start must be called before events flow.
func New(cfg Config, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var sender command.Sender = deps.Transport
	if cfg.CommandREST {
		sender = deps.Backend
	}

	s := &Session{
		cfg:       cfg,
		store:     deps.Store,
		evaluator: deps.Evaluator,
		transport: deps.Transport,
		backend:   deps.Backend,
		repo:      deps.Repository,
		logger:    logger,
	}
	s.tracker = command.NewTracker(deps.Store, sender,
		command.WithClock(clk),
		command.WithTimeout(cfg.PendingTimeout),
		command.WithLogger(logger),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start subscribes to transport events and activates the default home.
// A cached snapshot of that home, if any, is shown immediately and then
// replaced by the backend's copy. A failed backend fetch is logged and
// not returned: the next reconnect or push retries it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.unsubs = append(s.unsubs,
		s.transport.SubscribeTelemetry(s.onTelemetry),
		s.transport.SubscribePresence(s.onPresence),
		s.transport.SubscribeNotifications(s.onNotification),
	)
	s.mu.Unlock()

	s.transport.SetOnConnect(s.onConnect)

	homeID := s.cfg.DefaultHome
	if homeID == "" {
		homes, err := s.Homes(ctx)
		if err != nil {
			return fmt.Errorf("choosing home: %w", err)
		}
		if len(homes) == 0 {
			s.logger.Warn("account has no homes")
			return nil
		}
		homeID = homes[0].ID
	}

	if s.warmStart(ctx, homeID) {
		s.activate(homeID, false)
		if err := s.Refetch(ctx); err != nil {
			s.logger.Warn("initial fetch failed, serving cached snapshot", "home_id", homeID, "error", err)
		}
		return nil
	}

	if err := s.SwitchHome(ctx, homeID); err != nil {
		s.logger.Warn("initial fetch failed", "home_id", homeID, "error", err)
	}
	return nil
}

// warmStart loads the cached snapshot for homeID into the store.
func (s *Session) warmStart(ctx context.Context, homeID string) bool {
	if s.repo == nil {
		return false
	}
	snap, err := s.repo.LoadSnapshot(ctx, homeID)
	if err != nil {
		if !errors.Is(err, entity.ErrSnapshotNotFound) {
			s.logger.Warn("loading cached snapshot", "home_id", homeID, "error", err)
		}
		return false
	}
	gen := s.store.SetActiveHome(homeID)
	if err := s.store.LoadHome(gen, homeID, snap.Devices, snap.Values); err != nil {
		return false
	}
	s.logger.Info("warm start from cache",
		"home_id", homeID,
		"devices", len(snap.Devices),
		"saved_at", snap.SavedAt,
	)
	return true
}

// SwitchHome makes homeID the active home and loads it. Results of
// fetches started for a previous home are discarded when they arrive.
func (s *Session) SwitchHome(ctx context.Context, homeID string) error {
	if homeID == "" {
		return ErrNoHome
	}
	s.activate(homeID, true)
	return s.Refetch(ctx)
}

// activate points every component at homeID. The store is reset only
// when resetStore is set; a warm start has already filled it.
func (s *Session) activate(homeID string, resetStore bool) {
	if resetStore {
		s.store.SetActiveHome(homeID)
	}
	s.evaluator.SetActiveHome(homeID)
	if err := s.transport.JoinHome(homeID); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		s.logger.Warn("joining home room", "home_id", homeID, "error", err)
	}
	s.logger.Info("active home changed", "home_id", homeID)
}

// Refetch reloads the active home's devices and permissions. Concurrent
// calls for the same home generation share one fetch.
func (s *Session) Refetch(ctx context.Context) error {
	homeID, _ := s.store.ActiveHome()
	if homeID == "" {
		return ErrNoHome
	}
	gen := s.store.Generation()

	key := homeID + "@" + strconv.FormatUint(gen, 10)
	_, err, _ := s.flight.Do(key, func() (any, error) {
		return nil, s.fetch(ctx, homeID, gen)
	})
	return err
}

func (s *Session) fetch(ctx context.Context, homeID string, gen uint64) error {
	var g errgroup.Group

	g.Go(func() error {
		devices, values, err := s.backend.FetchDevices(ctx, homeID)
		if err != nil {
			return err
		}
		if err := s.store.LoadHome(gen, homeID, devices, values); err != nil {
			if errors.Is(err, entity.ErrStaleSnapshot) {
				s.logger.Debug("discarding stale device fetch", "home_id", homeID)
				return nil
			}
			return err
		}
		s.saveSnapshot(ctx)
		return nil
	})

	g.Go(func() error {
		err := s.evaluator.Refresh(ctx)
		if errors.Is(err, permission.ErrStaleBundle) {
			s.logger.Debug("discarding stale permission fetch", "home_id", homeID)
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("refetching home %s: %w", homeID, err)
	}
	return nil
}

func (s *Session) saveSnapshot(ctx context.Context) {
	if s.repo == nil {
		return
	}
	snap, ok := s.store.Snapshot()
	if !ok {
		return
	}
	if err := s.repo.SaveSnapshot(ctx, snap); err != nil {
		s.logger.Warn("caching snapshot", "home_id", snap.HomeID, "error", err)
	}
}

// Homes lists the account's homes. The result is cached; when the
// backend is unreachable the cached list is returned instead.
func (s *Session) Homes(ctx context.Context) ([]entity.Home, error) {
	homes, err := s.backend.ListHomes(ctx)
	if err == nil {
		if s.repo != nil {
			if saveErr := s.repo.SaveHomes(ctx, homes); saveErr != nil {
				s.logger.Warn("caching homes", "error", saveErr)
			}
		}
		return homes, nil
	}
	if s.repo != nil {
		cached, cacheErr := s.repo.ListHomes(ctx)
		if cacheErr == nil && len(cached) > 0 {
			s.logger.Warn("backend unreachable, using cached homes", "error", err)
			return cached, nil
		}
	}
	return nil, fmt.Errorf("listing homes: %w", err)
}

// Issue sends cmd after checking that the user may control the device,
// either directly or through the device's room.
func (s *Session) Issue(ctx context.Context, cmd command.Command) (command.Command, error) {
	owner, ok := s.store.DeviceOf(cmd.EntityID)
	if !ok {
		return cmd, fmt.Errorf("%w: %s", entity.ErrEntityNotFound, cmd.EntityID)
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = owner
	}
	if owner != cmd.DeviceID {
		return cmd, fmt.Errorf("%w: %s is not on device %s", entity.ErrEntityNotFound, cmd.EntityID, cmd.DeviceID)
	}

	if err := s.authorize(permission.ActionControl, cmd.DeviceID); err != nil {
		return cmd, err
	}
	return s.tracker.Issue(ctx, cmd)
}

// CanAccessDevice reports whether action on the device is allowed,
// directly or through its room.
func (s *Session) CanAccessDevice(action, deviceID string) bool {
	return s.authorize(action, deviceID) == nil
}

func (s *Session) authorize(action, deviceID string) error {
	err := permission.Require(s.evaluator, action, permission.ResourceDevice, deviceID)
	if err == nil {
		return nil
	}
	if d, ok := s.store.Device(deviceID); ok && d.RoomID != "" &&
		s.evaluator.Can(action, permission.ResourceRoom, d.RoomID) {
		return nil
	}
	return err
}

// Status reports the session's current state.
func (s *Session) Status() Status {
	homeID, loaded := s.store.ActiveHome()
	pending := s.store.Pending()
	if pending == nil {
		pending = []string{}
	}
	return Status{
		HomeID:      homeID,
		Loaded:      loaded,
		Connected:   s.transport.IsConnected(),
		Pending:     pending,
		Permissions: s.evaluator.Status(),
	}
}

// Close stops event handling, waits for background refetches and stops
// every pending-command timer.
func (s *Session) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.cancel()
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.wg.Wait()
	s.tracker.Close()
}

// onConnect runs on the transport's read goroutine before any event of
// the new connection is dispatched, so the fresh snapshot lands before
// the deltas that follow it.
func (s *Session) onConnect(ctx context.Context) {
	if homeID, _ := s.store.ActiveHome(); homeID == "" {
		return
	}
	if err := s.Refetch(ctx); err != nil {
		s.logger.Warn("refetch after reconnect failed", "error", err)
	}
}

func (s *Session) onTelemetry(u transport.EntityUpdate) {
	s.store.ApplyValueUpdate(u.ValueUpdate())
}

func (s *Session) onPresence(p transport.PresenceEvent) {
	if p.Discovery != nil {
		s.store.ApplyDiscovery(entity.Discovery{
			DeviceID: p.Discovery.DeviceID,
			MAC:      p.Discovery.MAC,
			Name:     p.Discovery.Name,
			Entities: p.Discovery.Entities,
		})
		return
	}
	s.store.SetOnline(p.DeviceID, p.Online)
}

func (s *Session) onNotification(n transport.Notification) {
	homeID, _ := s.store.ActiveHome()
	if n.HomeID != homeID {
		return
	}

	switch n.Type {
	case transport.TypeDashboardChanged:
		s.background("dashboard refetch", s.Refetch)
	case transport.TypePermissionsChanged:
		if s.evaluator.HandleVersion(n.HomeID, n.Version) {
			s.background("permission refresh", func(ctx context.Context) error {
				err := s.evaluator.Refresh(ctx)
				if errors.Is(err, permission.ErrStaleBundle) {
					return nil
				}
				return err
			})
		}
	}
}

// background runs fn off the transport's read goroutine. It is skipped
// once the session is closing.
func (s *Session) background(what string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn(what+" failed", "error", err)
		}
	}()
}
