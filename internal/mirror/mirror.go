package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/homesync/internal/clock"
	"github.com/nerrad567/homesync/internal/command"
	"github.com/nerrad567/homesync/internal/entity"
	"github.com/nerrad567/homesync/internal/infrastructure/influxdb"
	"github.com/nerrad567/homesync/internal/infrastructure/mqtt"
)

// Presence payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

const defaultQueueSize = 1024

// Logger defines the logging interface used by the Mirror.
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

// Broker is the MQTT side. *mqtt.Client implements it.
type Broker interface {
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Recorder is the time-series side. *influxdb.Client implements it.
type Recorder interface {
	WriteEntityValue(p influxdb.EntityPoint) bool
	WritePresence(homeID, deviceID string, online bool, ts time.Time)
}

// Issuer sends commands with the usual permission checks.
// *session.Session implements it.
type Issuer interface {
	Issue(ctx context.Context, cmd command.Command) (command.Command, error)
}

// Config holds mirror settings.
type Config struct {
	// CommandQoS is the QoS of the command subscription.
	CommandQoS byte

	// QueueSize bounds the changes waiting to be mirrored. Changes
	// arriving at a full queue are dropped and logged.
	QueueSize int
}

// Deps are the mirror's collaborators. Broker and Recorder are optional;
// a nil one is skipped.
type Deps struct {
	Store    *entity.Store
	Issuer   Issuer
	Broker   Broker
	Recorder Recorder
	Clock    clock.Clock
	Logger   Logger
}

// Mirror copies the active home's state to the local broker and the
// time-series store, and feeds commands from the broker back in.
type Mirror struct {
	cfg      Config
	store    *entity.Store
	issuer   Issuer
	broker   Broker
	recorder Recorder
	clock    clock.Clock
	logger   Logger
	topics   mqtt.Topics

	queue chan entity.Change

	mu          sync.Mutex
	homeID      string
	subscribed  string // command topic currently subscribed
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a mirror. Start begins mirroring.
func New(cfg Config, deps Deps) *Mirror {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Mirror{
		cfg:      cfg,
		store:    deps.Store,
		issuer:   deps.Issuer,
		broker:   deps.Broker,
		recorder: deps.Recorder,
		clock:    clk,
		logger:   logger,
		queue:    make(chan entity.Change, cfg.QueueSize),
	}
}

// Start subscribes to the store and mirrors whatever home is active.
func (m *Mirror) Start(ctx context.Context) {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.unsubscribe = m.store.Subscribe(m.enqueue)
	m.mu.Unlock()

	go m.run()

	if homeID, loaded := m.store.ActiveHome(); homeID != "" {
		m.enqueue(entity.Change{Kind: entity.ChangeHome, HomeID: homeID, Loaded: loaded})
	}
}

// Close stops mirroring and releases the command subscription.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.done == nil {
		m.mu.Unlock()
		return
	}
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.cancel()
	done := m.done
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	<-done

	m.mu.Lock()
	topic := m.subscribed
	m.subscribed = ""
	m.mu.Unlock()
	if topic != "" && m.broker != nil {
		if err := m.broker.Unsubscribe(topic); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			m.logger.Warn("releasing command subscription", "topic", topic, "error", err)
		}
	}
}

// Resync republishes the active home and renews the command
// subscription. Call it after the broker reconnects.
func (m *Mirror) Resync() {
	homeID, loaded := m.store.ActiveHome()
	if homeID == "" {
		return
	}
	m.mu.Lock()
	m.subscribed = ""
	m.mu.Unlock()
	m.enqueue(entity.Change{Kind: entity.ChangeHome, HomeID: homeID, Loaded: loaded})
}

// enqueue runs on the store's notify path and must not block.
func (m *Mirror) enqueue(c entity.Change) {
	select {
	case m.queue <- c:
	default:
		m.logger.Warn("mirror queue full, dropping change",
			"kind", c.Kind, "device_id", c.DeviceID, "entity_id", c.EntityID)
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case c := <-m.queue:
			m.apply(c)
		}
	}
}

func (m *Mirror) apply(c entity.Change) {
	switch c.Kind {
	case entity.ChangeHome:
		m.switchHome(c.HomeID)
		if c.Loaded {
			m.publishAll(c.HomeID)
		}
	case entity.ChangeDevice:
		m.publishDevice(c.HomeID, c.DeviceID)
	case entity.ChangePresence:
		m.publishPresence(c.HomeID, c.DeviceID, c.Online)
		if m.recorder != nil {
			m.recorder.WritePresence(c.HomeID, c.DeviceID, c.Online, m.clock.Now())
		}
	case entity.ChangeEntity:
		if c.State != nil {
			m.publishState(c.HomeID, c.DeviceID, c.EntityID, *c.State)
			if c.Confirmed {
				m.record(c.HomeID, c.DeviceID, c.EntityID, c.State.Value)
			}
		}
	}
}

// switchHome moves the command subscription to homeID.
func (m *Mirror) switchHome(homeID string) {
	topic := m.topics.HomeCommands(homeID)

	m.mu.Lock()
	m.homeID = homeID
	previous := m.subscribed
	m.mu.Unlock()

	if m.broker == nil || previous == topic {
		return
	}
	if previous != "" {
		if err := m.broker.Unsubscribe(previous); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			m.logger.Warn("leaving command topic", "topic", previous, "error", err)
		}
	}
	if !mqtt.ValidLevel(homeID) {
		m.logger.Warn("home id cannot be used as a topic level", "home_id", homeID)
		m.setSubscribed("")
		return
	}
	if err := m.broker.Subscribe(topic, m.cfg.CommandQoS, m.handleCommand); err != nil {
		m.logger.Warn("subscribing to commands", "topic", topic, "error", err)
		m.setSubscribed("")
		return
	}
	m.setSubscribed(topic)
	m.logger.Info("mirroring home", "home_id", homeID, "command_topic", topic)
}

func (m *Mirror) setSubscribed(topic string) {
	m.mu.Lock()
	m.subscribed = topic
	m.mu.Unlock()
}

func (m *Mirror) publishAll(homeID string) {
	for _, d := range m.store.Devices() {
		m.publishPresence(homeID, d.ID, d.Online)
		m.publishEntities(homeID, &d)
	}
}

func (m *Mirror) publishDevice(homeID, deviceID string) {
	d, ok := m.store.Device(deviceID)
	if !ok {
		return
	}
	m.publishPresence(homeID, d.ID, d.Online)
	m.publishEntities(homeID, d)
}

// publishEntities mirrors every entity of d and records its last
// confirmed value.
func (m *Mirror) publishEntities(homeID string, d *entity.Device) {
	for _, e := range d.Entities {
		if st, ok := m.store.EntityState(e.ID); ok {
			m.publishState(homeID, d.ID, e.ID, st)
		}
		if v, ok := m.store.ConfirmedValue(e.ID); ok {
			m.record(homeID, d.ID, e.ID, v)
		}
	}
}

func (m *Mirror) publishPresence(homeID, deviceID string, online bool) {
	if m.broker == nil || !mqtt.ValidLevel(deviceID) {
		return
	}
	payload := PayloadOffline
	if online {
		payload = PayloadOnline
	}
	m.publish(m.topics.Presence(homeID, deviceID), []byte(payload))
}

// publishState mirrors one entity to the broker. Unknown values are not
// published; optimistic ones are.
func (m *Mirror) publishState(homeID, deviceID, entityID string, st entity.State) {
	if m.broker == nil || !st.Known || st.Value.IsZero() {
		return
	}
	if mqtt.ValidLevel(deviceID) && mqtt.ValidLevel(entityID) {
		m.publish(m.topics.State(homeID, deviceID, entityID), []byte(st.Value.String()))
	}
}

// record writes a confirmed value to the recorder. Only numeric and
// boolean values become points.
func (m *Mirror) record(homeID, deviceID, entityID string, v entity.Value) {
	if m.recorder == nil || v.IsZero() {
		return
	}
	p := influxdb.EntityPoint{
		HomeID:   homeID,
		DeviceID: deviceID,
		EntityID: entityID,
		Time:     m.clock.Now(),
	}
	if d, ok := m.store.Device(deviceID); ok {
		if e, ok := d.Entity(entityID); ok {
			p.Kind = string(e.Kind)
		}
	}
	if n, ok := v.AsNumber(); ok {
		p.Number = &n
	} else if b, ok := v.AsBool(); ok {
		p.Bool = &b
	} else {
		return
	}
	m.recorder.WriteEntityValue(p)
}

func (m *Mirror) publish(topic string, payload []byte) {
	if err := m.broker.PublishRetained(topic, payload); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			m.logger.Debug("broker offline, skipping publish", "topic", topic)
			return
		}
		m.logger.Warn("publishing to broker", "topic", topic, "error", err)
	}
}

// handleCommand turns a message on a command topic into a command for
// the active home. Errors are logged by the MQTT client.
func (m *Mirror) handleCommand(topic string, payload []byte) error {
	target, err := m.topics.ParseCommand(topic)
	if err != nil {
		return err
	}

	m.mu.Lock()
	active := m.homeID
	ctx := m.ctx
	m.mu.Unlock()

	if target.HomeID != active {
		return fmt.Errorf("%w: command for home %s, active home is %s", ErrInactiveHome, target.HomeID, active)
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return fmt.Errorf("%w: %s", ErrEmptyCommand, topic)
	}

	cmd, err := m.issuer.Issue(ctx, command.Command{
		DeviceID: target.DeviceID,
		EntityID: target.EntityID,
		Value:    entity.ParseValue(text),
	})
	if err != nil {
		return fmt.Errorf("issuing %s: %w", topic, err)
	}
	m.logger.Debug("command from broker",
		"device_id", cmd.DeviceID,
		"entity_id", cmd.EntityID,
		"request_id", cmd.RequestID,
	)
	return nil
}
