package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/homesync/internal/command"
	"github.com/nerrad567/homesync/internal/entity"
	"github.com/nerrad567/homesync/internal/infrastructure/config"
	"github.com/nerrad567/homesync/internal/infrastructure/logging"
	"github.com/nerrad567/homesync/internal/permission"
	"github.com/nerrad567/homesync/internal/session"
	"github.com/nerrad567/homesync/internal/transport"
)

// fakeSession records what the handlers ask of it.
type fakeSession struct {
	mu        sync.Mutex
	status    session.Status
	switchErr error
	switched  []string
	homes     []entity.Home
	homesErr  error
	issueErr  error
	issued    []command.Command
	hidden    map[string]bool
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) SwitchHome(_ context.Context, homeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if homeID == "" {
		return session.ErrNoHome
	}
	f.switched = append(f.switched, homeID)
	f.status.HomeID = homeID
	f.status.Loaded = f.switchErr == nil
	return f.switchErr
}

func (f *fakeSession) Homes(context.Context) ([]entity.Home, error) {
	return f.homes, f.homesErr
}

func (f *fakeSession) Issue(_ context.Context, cmd command.Command) (command.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return cmd, f.issueErr
	}
	cmd.RequestID = "req-1"
	f.issued = append(f.issued, cmd)
	return cmd, nil
}

func (f *fakeSession) CanAccessDevice(_, deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.hidden[deviceID]
}

// fakeChecker grants the listed menus and roles.
type fakeChecker struct {
	menus map[string]bool
	roles []string
}

func (c fakeChecker) Can(_, resourceType, key string) bool {
	return resourceType == permission.ResourceMenu && c.menus[key]
}

func (c fakeChecker) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range c.roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(context.Context) error { return h.err }

func testDevices() []entity.Device {
	return []entity.Device{
		{
			ID:       "D1",
			Name:     "Kitchen relay",
			Online:   true,
			RoomID:   "kitchen",
			RoomName: "Kitchen",
			Entities: []entity.Entity{{ID: "relay_1", Kind: entity.KindSwitch, Name: "Relay 1"}},
		},
		{
			ID:       "D2",
			Name:     "Hall sensor",
			RoomID:   "hall",
			RoomName: "Hall",
			Entities: []entity.Entity{
				{ID: "temp_1", Kind: entity.KindSensor, Name: "Temperature", Unit: "°C"},
			},
		},
		{
			ID:       "D3",
			Name:     "Attic fan",
			Online:   true,
			RoomID:   "attic",
			RoomName: "Attic",
			Entities: []entity.Entity{{ID: "fan_1", Kind: entity.KindSwitch, Name: "Fan"}},
		},
	}
}

type harness struct {
	srv   *Server
	store *entity.Store
	sess  *fakeSession
	http  http.Handler
}

func newHarness(t *testing.T, checker permission.Checker) *harness {
	t.Helper()

	store := entity.NewStore()
	gen := store.SetActiveHome("home-a")
	values := map[string]entity.Value{
		"relay_1": entity.BoolValue(true),
		"temp_1":  entity.NumberValue(21.5),
	}
	if err := store.LoadHome(gen, "home-a", testDevices(), values); err != nil {
		t.Fatalf("LoadHome() error = %v", err)
	}

	sess := &fakeSession{
		status: session.Status{HomeID: "home-a", Loaded: true, Connected: true},
		hidden: map[string]bool{"D3": true},
	}
	if checker == nil {
		checker = fakeChecker{menus: map[string]bool{"devices": true}, roles: []string{"member"}}
	}

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1"},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:      logging.Discard(),
		Store:       store,
		Permissions: checker,
		Session:     sess,
		Health: map[string]HealthChecker{
			"mqtt":     fakeHealth{},
			"influxdb": fakeHealth{err: errors.New("influxdb: not connected")},
		},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{srv: srv, store: store, sess: sess, http: srv.buildRouter()}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.http.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	logger := logging.Discard()
	store := entity.NewStore()
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Store: store, Permissions: fakeChecker{}, Session: &fakeSession{}}},
		{"no store", Deps{Logger: logger, Permissions: fakeChecker{}, Session: &fakeSession{}}},
		{"no checker", Deps{Logger: logger, Store: store, Session: &fakeSession{}}},
		{"no session", Deps{Logger: logger, Store: store, Permissions: fakeChecker{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	decode(t, w, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var m SystemMetrics
	decode(t, w, &m)

	want := RegistryMetrics{HomeID: "home-a", Loaded: true, Devices: 3, Online: 2, Entities: 3}
	if m.Registry != want {
		t.Errorf("Registry = %+v, want %+v", m.Registry, want)
	}
	if !m.Dependencies["mqtt"].Healthy {
		t.Error("mqtt reported unhealthy")
	}
	if dep := m.Dependencies["influxdb"]; dep.Healthy || dep.Error == "" {
		t.Errorf("influxdb = %+v, want unhealthy with error", dep)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("Goroutines = 0")
	}
}

func TestListDevices(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantIDs []string
		total   int
	}{
		{"default sort by name", "", []string{"D2", "D1"}, 2},
		{"descending", "?sort=-name", []string{"D1", "D2"}, 2},
		{"text filter", "?q=hall", []string{"D2"}, 1},
		{"room filter", "?room=kitchen", []string{"D1"}, 1},
		{"online filter", "?online=false", []string{"D2"}, 1},
		{"paged", "?sort=id&page=2&page_size=1", []string{"D2"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			w := h.do(t, http.MethodGet, "/api/v1/devices"+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
			}
			var page struct {
				Items []struct {
					ID string `json:"id"`
				} `json:"items"`
				Total int `json:"total"`
			}
			decode(t, w, &page)
			if page.Total != tt.total {
				t.Errorf("Total = %d, want %d", page.Total, tt.total)
			}
			var got []string
			for _, d := range page.Items {
				got = append(got, d.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.wantIDs) {
				t.Errorf("ids = %v, want %v", got, tt.wantIDs)
			}
		})
	}
}

func TestListDevices_BadParams(t *testing.T) {
	for _, q := range []string{"?sort=colour", "?page=x", "?page_size=y", "?online=maybe"} {
		t.Run(q, func(t *testing.T) {
			h := newHarness(t, nil)
			w := h.do(t, http.MethodGet, "/api/v1/devices"+q, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestListDevices_MenuHidden(t *testing.T) {
	h := newHarness(t, fakeChecker{})
	w := h.do(t, http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	var body Error
	decode(t, w, &body)
	if body.Gate != string(permission.GateMenu) || body.Redirect != DefaultRedirect {
		t.Errorf("body = %+v, want menu gate with redirect", body)
	}
}

func TestGetDevice(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/api/v1/devices/D1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var raw struct {
		ID      string           `json:"id"`
		Widgets []map[string]any `json:"widgets"`
	}
	decode(t, w, &raw)
	if raw.ID != "D1" || len(raw.Widgets) != 1 {
		t.Fatalf("device = %+v", raw)
	}
	if raw.Widgets[0]["widget"] != "switch" || raw.Widgets[0]["on"] != true {
		t.Errorf("widget = %v, want switch that is on", raw.Widgets[0])
	}

	if w := h.do(t, http.MethodGet, "/api/v1/devices/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/api/v1/devices/D3", ""); w.Code != http.StatusForbidden {
		t.Errorf("hidden device status = %d, want 403", w.Code)
	}
}

func TestCommand(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodPost, "/api/v1/devices/D1/entities/relay_1/command", `{"value": false}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body)
	}
	var resp commandResponse
	decode(t, w, &resp)
	if resp.RequestID != "req-1" || resp.DeviceID != "D1" || resp.EntityID != "relay_1" {
		t.Errorf("response = %+v", resp)
	}
	if len(h.sess.issued) != 1 || h.sess.issued[0].Value != entity.BoolValue(false) {
		t.Errorf("issued = %+v", h.sess.issued)
	}
}

func TestCommand_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		issueErr error
		want     int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"missing value", `{}`, nil, http.StatusBadRequest},
		{"null value", `{"value": null}`, nil, http.StatusBadRequest},
		{"denied", `{"value": 1}`, &permission.DeniedError{Gate: permission.GateResource, Reason: "control"}, http.StatusForbidden},
		{"unknown entity", `{"value": 1}`, fmt.Errorf("relay_9: %w", entity.ErrEntityNotFound), http.StatusNotFound},
		{"invalid", `{"value": 1}`, command.ErrInvalidCommand, http.StatusBadRequest},
		{"not connected", `{"value": 1}`, fmt.Errorf("send: %w", transport.ErrNotConnected), http.StatusServiceUnavailable},
		{"closed", `{"value": 1}`, command.ErrClosed, http.StatusServiceUnavailable},
		{"upstream", `{"value": 1}`, errors.New("backend said no"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.sess.issueErr = tt.issueErr
			w := h.do(t, http.MethodPost, "/api/v1/devices/D1/entities/relay_1/command", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestSession(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/api/v1/session", "")
	var st session.Status
	decode(t, w, &st)
	if st.HomeID != "home-a" || !st.Loaded {
		t.Errorf("status = %+v", st)
	}

	w = h.do(t, http.MethodPut, "/api/v1/session/home", `{"homeId": "home-b"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("switch status = %d, want 200", w.Code)
	}
	decode(t, w, &st)
	if st.HomeID != "home-b" {
		t.Errorf("HomeID = %q, want home-b", st.HomeID)
	}

	if w := h.do(t, http.MethodPut, "/api/v1/session/home", `{"homeId": ""}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty home status = %d, want 400", w.Code)
	}
	if w := h.do(t, http.MethodPut, "/api/v1/session/home", `nope`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", w.Code)
	}
}

func TestSwitchHome_FetchFails(t *testing.T) {
	h := newHarness(t, nil)
	h.sess.switchErr = errors.New("backend: 503")

	w := h.do(t, http.MethodPut, "/api/v1/session/home", `{"homeId": "home-b"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var body struct {
		Error   Error          `json:"error"`
		Session session.Status `json:"session"`
	}
	decode(t, w, &body)
	if body.Error.Code != ErrCodeUpstream {
		t.Errorf("code = %q, want %q", body.Error.Code, ErrCodeUpstream)
	}
	if body.Session.HomeID != "home-b" || body.Session.Loaded {
		t.Errorf("session = %+v, want home-b not loaded", body.Session)
	}
}

func TestHomes(t *testing.T) {
	h := newHarness(t, nil)
	h.sess.homes = []entity.Home{{ID: "home-a", Name: "Flat"}, {ID: "home-b", Name: "Cabin"}}

	w := h.do(t, http.MethodGet, "/api/v1/homes", "")
	var body struct {
		Homes []entity.Home `json:"homes"`
		Count int           `json:"count"`
	}
	decode(t, w, &body)
	if body.Count != 2 || body.Homes[1].Name != "Cabin" {
		t.Errorf("body = %+v", body)
	}

	h.sess.homesErr = errors.New("timeout")
	if w := h.do(t, http.MethodGet, "/api/v1/homes", ""); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestCan(t *testing.T) {
	tests := []struct {
		query string
		code  int
		want  bool
	}{
		{"?type=menu&key=devices", http.StatusOK, true},
		{"?type=menu&key=settings", http.StatusOK, false},
		{"?type=role&key=member", http.StatusOK, true},
		{"?type=role&key=owner", http.StatusOK, false},
		{"?action=control&type=device&key=D1", http.StatusOK, true},
		{"?action=control&type=device&key=D3", http.StatusOK, false},
		{"?type=menu", http.StatusBadRequest, false},
		{"?type=role", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h := newHarness(t, nil)
			w := h.do(t, http.MethodGet, "/api/v1/permissions/can"+tt.query, "")
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d", w.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var body map[string]bool
			decode(t, w, &body)
			if body["allowed"] != tt.want {
				t.Errorf("allowed = %v, want %v", body["allowed"], tt.want)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// wsDial connects to the hub and subscribes to channels.
func wsDial(t *testing.T, h *harness, channels ...string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.srv.startRelay(ctx)
	ts := httptest.NewServer(h.http)
	t.Cleanup(func() {
		h.srv.stopRelay()
		cancel()
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: channels}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	ack := wsRead(t, conn)
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("subscribe ack = %+v", ack)
	}
	return conn
}

func wsRead(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestWebSocket_RelaysEntityChange(t *testing.T) {
	h := newHarness(t, nil)
	conn := wsDial(t, h, ChannelEntity)

	h.store.ApplyValueUpdate(entity.ValueUpdate{
		EntityID: "temp_1",
		DeviceID: "D2",
		Value:    entity.NumberValue(22),
	})

	msg := wsRead(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelEntity {
		t.Fatalf("message = %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["entityId"] != "temp_1" {
		t.Errorf("payload = %v", payload)
	}
	state, _ := payload["state"].(map[string]any)
	if state["value"] != 22.0 {
		t.Errorf("state = %v, want value 22", state)
	}
}

func TestWebSocket_SkipsHiddenDevices(t *testing.T) {
	h := newHarness(t, nil)
	conn := wsDial(t, h, ChannelPresence)

	h.store.SetOnline("D3", false)
	h.store.SetOnline("D2", true)

	msg := wsRead(t, conn)
	payload, _ := msg.Payload.(map[string]any)
	if payload["deviceId"] != "D2" || payload["online"] != true {
		t.Errorf("payload = %v, want D2 online (D3 hidden)", payload)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	h := newHarness(t, nil)
	conn := wsDial(t, h)

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := wsRead(t, conn); msg.Type != WSTypePong || msg.ID != "p" {
		t.Errorf("reply = %+v, want pong p", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if msg := wsRead(t, conn); msg.Type != WSTypeError {
		t.Errorf("reply = %+v, want error", msg)
	}
}
