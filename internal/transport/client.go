package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/homesync/internal/clock"
	"github.com/nerrad567/homesync/internal/command"
	"github.com/nerrad567/homesync/internal/infrastructure/config"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	handshakeTimeout    = 10 * time.Second
)

// Logger defines the logging interface used by the Client.
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

// Client is a reconnecting WebSocket client for the backend event channel.
//
// All methods are safe for concurrent use. Subscriptions may be added
// before Run is called.
type Client struct {
	url            string
	token          string
	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration
	initialDelay   time.Duration
	maxDelay       time.Duration

	dialer *websocket.Dialer
	clock  clock.Clock
	logger Logger

	// writeMu guards conn and serialises data frames.
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool

	stateMu sync.Mutex
	homeID  string
	devices map[string]*handlerSet[EntityUpdate]

	telemetry     *handlerSet[EntityUpdate]
	presence      *handlerSet[PresenceEvent]
	notifications *handlerSet[Notification]

	callbackMu   sync.RWMutex
	onConnect    func(ctx context.Context)
	onDisconnect func(err error)
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used for backoff and keepalive.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(cl *Client) { cl.dialer = d }
}

// New creates a client for cfg. token is sent as a bearer token on every
// dial. The client does not connect until Run.
func New(cfg config.TransportConfig, token string, opts ...Option) *Client {
	c := &Client{
		url:            cfg.URL,
		token:          token,
		maxMessageSize: int64(cfg.MaxMessageSize),
		pingInterval:   secondsOr(cfg.PingInterval, defaultPingInterval),
		pongTimeout:    secondsOr(cfg.PongTimeout, defaultPongTimeout),
		initialDelay:   millisOr(cfg.Reconnect.InitialDelay, defaultInitialDelay),
		maxDelay:       millisOr(cfg.Reconnect.MaxDelay, defaultMaxDelay),
		dialer:         &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		clock:          clock.Real(),
		logger:         noopLogger{},
		devices:        make(map[string]*handlerSet[EntityUpdate]),
		telemetry:      newHandlerSet[EntityUpdate](),
		presence:       newHandlerSet[PresenceEvent](),
		notifications:  newHandlerSet[Notification](),
	}
	if c.maxDelay < c.initialDelay {
		c.maxDelay = c.initialDelay
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func secondsOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func millisOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// SetOnConnect sets a callback run after every (re)connect, once the home
// has been re-joined and device subscriptions re-sent. The read loop
// starts when it returns.
func (c *Client) SetOnConnect(fn func(ctx context.Context)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onConnect = fn
}

// SetOnDisconnect sets a callback run when the connection drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onDisconnect = fn
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Run connects and keeps the connection alive until ctx is cancelled.
// It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	if c.url == "" {
		return ErrNoURL
	}

	delay := c.initialDelay
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("transport dial failed", "error", err, "retry_in", delay)
			if !c.sleep(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay, c.maxDelay)
			continue
		}
		delay = c.initialDelay

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("transport disconnected", "error", err, "retry_in", delay)
		if !c.sleep(ctx, delay) {
			return nil
		}
	}
}

func nextDelay(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(d):
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Handshake body is not used
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", c.url, err)
	}
	return conn, nil
}

// serve owns conn until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	if c.maxMessageSize > 0 {
		conn.SetReadLimit(c.maxMessageSize)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.connected.Store(true)
	c.logger.Info("transport connected", "url", c.url)

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		c.connected.Store(false)
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		conn.Close() //nolint:errcheck // Connection is being discarded
		wg.Wait()
	}()

	// Unblock ReadMessage when ctx is cancelled.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		conn.Close() //nolint:errcheck // Interrupts the read loop
	}()

	if err := c.resync(); err != nil {
		c.notifyDisconnect(err)
		return fmt.Errorf("resyncing subscriptions: %w", err)
	}
	c.notifyConnect(connCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(connCtx, conn)
	}()

	err := c.readLoop(conn)
	c.notifyDisconnect(err)
	return err
}

// resync re-sends the joined home and device subscriptions.
func (c *Client) resync() error {
	c.stateMu.Lock()
	homeID := c.homeID
	devices := make([]string, 0, len(c.devices))
	for id := range c.devices {
		devices = append(devices, id)
	}
	c.stateMu.Unlock()
	sort.Strings(devices)

	if homeID != "" {
		if err := c.send(TypeHomeJoin, homePayload{HomeID: homeID}); err != nil {
			return err
		}
	}
	for _, id := range devices {
		if err := c.send(TypeDeviceSubscribe, devicePayload{DeviceID: id}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := c.clock.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.pongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("transport ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	wait := c.pingInterval + c.pongTimeout
	//nolint:errcheck // Best-effort deadline; read error surfaces below
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		//nolint:errcheck // Any frame proves the peer is alive
		conn.SetReadDeadline(time.Now().Add(wait))
		c.dispatch(data)
	}
}

// send writes one envelope on the current connection.
func (c *Client) send(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msgType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	//nolint:errcheck // Best-effort deadline; write error caught below
	c.conn.SetWriteDeadline(time.Now().Add(c.pongTimeout))
	if err := c.conn.WriteJSON(Envelope{Type: msgType, Payload: raw}); err != nil {
		return fmt.Errorf("writing %s: %w", msgType, err)
	}
	return nil
}

// JoinHome makes homeID the joined home room, leaving the previous one.
// The choice is remembered and re-sent on reconnect even if sending now
// fails with ErrNotConnected.
func (c *Client) JoinHome(homeID string) error {
	c.stateMu.Lock()
	prev := c.homeID
	c.homeID = homeID
	c.stateMu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	if prev != "" && prev != homeID {
		if err := c.send(TypeHomeLeave, homePayload{HomeID: prev}); err != nil {
			return err
		}
	}
	if homeID == "" {
		return nil
	}
	return c.send(TypeHomeJoin, homePayload{HomeID: homeID})
}

// LeaveHome leaves the joined home room.
func (c *Client) LeaveHome() error {
	return c.JoinHome("")
}

// JoinedHome returns the home room the client is (or will be) joined to.
func (c *Client) JoinedHome() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.homeID
}

// SendCommand sends cmd over the channel. It implements command.Sender.
func (c *Client) SendCommand(ctx context.Context, cmd command.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(TypeCommand, cmd)
}

// SubscribeDevice delivers entity updates for deviceID. The first
// subscriber for a device sends device.subscribe; the last unsubscribe
// sends device.unsubscribe.
func (c *Client) SubscribeDevice(deviceID string, fn func(EntityUpdate)) (unsubscribe func()) {
	c.stateMu.Lock()
	set, ok := c.devices[deviceID]
	if !ok {
		set = newHandlerSet[EntityUpdate]()
		c.devices[deviceID] = set
	}
	remove := set.add(fn)
	c.stateMu.Unlock()

	if !ok && c.IsConnected() {
		if err := c.send(TypeDeviceSubscribe, devicePayload{DeviceID: deviceID}); err != nil {
			c.logger.Debug("device subscribe deferred to reconnect", "device_id", deviceID, "error", err)
		}
	}

	return func() {
		c.stateMu.Lock()
		empty := remove()
		if empty && c.devices[deviceID] == set {
			delete(c.devices, deviceID)
		} else {
			empty = false
		}
		c.stateMu.Unlock()

		if empty && c.IsConnected() {
			if err := c.send(TypeDeviceUnsubscribe, devicePayload{DeviceID: deviceID}); err != nil {
				c.logger.Debug("device unsubscribe not sent", "device_id", deviceID, "error", err)
			}
		}
	}
}

// SubscribeTelemetry delivers every entity update of the joined home.
func (c *Client) SubscribeTelemetry(fn func(EntityUpdate)) (unsubscribe func()) {
	remove := c.telemetry.add(fn)
	return func() { remove() }
}

// SubscribePresence delivers discovery, online and offline events.
func (c *Client) SubscribePresence(fn func(PresenceEvent)) (unsubscribe func()) {
	remove := c.presence.add(fn)
	return func() { remove() }
}

// SubscribeNotifications delivers dashboard.changed and permissions.changed.
func (c *Client) SubscribeNotifications(fn func(Notification)) (unsubscribe func()) {
	remove := c.notifications.add(fn)
	return func() { remove() }
}

// dispatch decodes one frame and calls the matching subscribers in order.
// Malformed or unknown messages are dropped.
func (c *Client) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	switch env.Type {
	case TypeEntityUpdate:
		var u EntityUpdate
		if !c.decode(env, &u) || u.EntityID == "" {
			return
		}
		c.stateMu.Lock()
		set := c.devices[u.DeviceID]
		c.stateMu.Unlock()
		if set != nil {
			deliver(c, env.Type, set, u)
		}
		deliver(c, env.Type, c.telemetry, u)

	case TypeDeviceDiscovery:
		var d Discovery
		if !c.decode(env, &d) || d.DeviceID == "" {
			return
		}
		deliver(c, env.Type, c.presence, PresenceEvent{Type: env.Type, DeviceID: d.DeviceID, Discovery: &d})

	case TypeDeviceOnline, TypeDeviceOffline:
		var p devicePayload
		if !c.decode(env, &p) || p.DeviceID == "" {
			return
		}
		deliver(c, env.Type, c.presence, PresenceEvent{
			Type:     env.Type,
			DeviceID: p.DeviceID,
			Online:   env.Type == TypeDeviceOnline,
		})

	case TypeDashboardChanged, TypePermissionsChanged:
		var n Notification
		if !c.decode(env, &n) {
			return
		}
		n.Type = env.Type
		deliver(c, env.Type, c.notifications, n)

	default:
		c.logger.Debug("dropping unknown message type", "type", env.Type)
	}
}

func (c *Client) decode(env Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		c.logger.Debug("dropping malformed payload", "type", env.Type, "error", err)
		return false
	}
	return true
}

func deliver[T any](c *Client, msgType string, set *handlerSet[T], v T) {
	for _, fn := range set.snapshot() {
		c.safeCall(msgType, func() { fn(v) })
	}
}

func (c *Client) safeCall(msgType string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in transport subscriber", "type", msgType, "panic", r)
		}
	}()
	fn()
}

func (c *Client) notifyConnect(ctx context.Context) {
	c.callbackMu.RLock()
	fn := c.onConnect
	c.callbackMu.RUnlock()
	if fn != nil {
		c.safeCall("connect", func() { fn(ctx) })
	}
}

func (c *Client) notifyDisconnect(err error) {
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.callbackMu.RLock()
	fn := c.onDisconnect
	c.callbackMu.RUnlock()
	if fn != nil {
		c.safeCall("disconnect", func() { fn(err) })
	}
}
