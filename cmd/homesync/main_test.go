package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/homesync/internal/backend"
	"github.com/nerrad567/homesync/internal/infrastructure/config"
	"github.com/nerrad567/homesync/internal/infrastructure/logging"
	"github.com/nerrad567/homesync/internal/permission"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("HOMESYNC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_MissingBackendURL(t *testing.T) {
	t.Setenv("HOMESYNC_CONFIG", writeConfig(t, `
transport:
  url: "ws://127.0.0.1:1/ws"
database:
  path: "`+filepath.Join(t.TempDir(), "test.db")+`"
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail without backend.url")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("HOMESYNC_CONFIG", "")
	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}

	t.Setenv("HOMESYNC_CONFIG", "/custom/path/config.yaml")
	if path := getConfigPath(); path != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", path)
	}
}

func TestConnectOptionalServices_Disabled(t *testing.T) {
	log := logging.Discard()

	mqttClient, err := connectMQTT(config.MQTTConfig{}, log)
	if err != nil || mqttClient != nil {
		t.Errorf("connectMQTT(disabled) = %v, %v; want nil, nil", mqttClient, err)
	}
	influxClient, err := connectInfluxDB(config.InfluxDBConfig{}, log)
	if err != nil || influxClient != nil {
		t.Errorf("connectInfluxDB(disabled) = %v, %v; want nil, nil", influxClient, err)
	}
}

func TestSeedSystemRole(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, backend.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: permission.RoleSuperAdmin,
	}).SignedString([]byte("backend-key"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	tests := []struct {
		name     string
		token    string
		wantRole string
	}{
		{"role from token", token, permission.RoleSuperAdmin},
		{"no token", "", ""},
		{"malformed token", "not-a-jwt", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := backend.New(config.BackendConfig{URL: "http://127.0.0.1:1", AccessToken: tt.token})
			eval := permission.NewEvaluator(client)
			seedSystemRole(client, eval, logging.Discard())
			if got := eval.Status().Role; got != tt.wantRole {
				t.Errorf("Role = %q, want %q", got, tt.wantRole)
			}
		})
	}
}

// fakeBackend serves one home with one device.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/homes", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, []map[string]any{{"id": "home-a", "name": "Flat"}})
	})
	mux.HandleFunc("GET /api/homes/home-a/devices", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, []map[string]any{{
			"id":     "D1",
			"name":   "Kitchen relay",
			"online": true,
			"entities": []map[string]any{
				{"id": "relay_1", "type": "switch", "name": "Relay", "value": true},
			},
		}})
	})
	mux.HandleFunc("GET /api/homes/home-a/permissions", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, map[string]any{
			"version":  1,
			"homeId":   "home-a",
			"homeRole": permission.HomeRoleOwner,
			"menus":    map[string]bool{"devices": true},
			"devices":  map[string][]string{"*": {"*"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // test server
	json.NewEncoder(w).Encode(v)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// TestRun_StartupAndShutdown starts homesync against a fake backend with
// an unreachable event channel, waits for the home to load and then
// cancels.
func TestRun_StartupAndShutdown(t *testing.T) {
	backendSrv := fakeBackend(t)
	port := freePort(t)

	t.Setenv("HOMESYNC_CONFIG", writeConfig(t, fmt.Sprintf(`
backend:
  url: %q
  retry:
    max_attempts: 1
transport:
  url: "ws://127.0.0.1:1/ws"
  reconnect:
    initial_delay: 50
    max_delay: 200
database:
  path: %q
api:
  host: "127.0.0.1"
  port: %d
logging:
  level: error
`, backendSrv.URL, filepath.Join(t.TempDir(), "test.db"), port)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d/api/v1", port)
	deadline := time.Now().Add(5 * time.Second)
	var status struct {
		HomeID      string `json:"homeId"`
		Loaded      bool   `json:"loaded"`
		Permissions struct {
			State string `json:"state"`
		} `json:"permissions"`
	}
	for {
		if resp, err := http.Get(base + "/session"); err == nil {
			//nolint:errcheck // retried below
			json.NewDecoder(resp.Body).Decode(&status)
			resp.Body.Close()
			if status.Loaded && status.Permissions.State == "ready" {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("home never loaded, last status %+v", status)
		}
		select {
		case err := <-done:
			t.Fatalf("run() exited early: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
	}
	if status.HomeID != "home-a" {
		t.Errorf("HomeID = %q, want home-a", status.HomeID)
	}

	resp, err := http.Get(base + "/devices/D1")
	if err != nil {
		t.Fatalf("GET device: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET device status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want nil on shutdown", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}
}
