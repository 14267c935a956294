package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Command paths accepted by sync.command_path.
const (
	CommandPathSocket = "socket"
	CommandPathREST   = "rest"
)

// DefaultPendingTimeout is how long a command stays pending without confirmation.
const DefaultPendingTimeout = 5 * time.Second

// Config is the root configuration structure for homesync.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Transport TransportConfig `yaml:"transport"`
	Sync      SyncConfig      `yaml:"sync"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BackendConfig contains the remote administration backend REST settings.
type BackendConfig struct {
	URL         string      `yaml:"url"`
	AccessToken string      `yaml:"access_token"`
	Timeout     int         `yaml:"timeout"` // seconds
	Retry       RetryConfig `yaml:"retry"`
}

// RetryConfig controls retries of idempotent backend requests.
type RetryConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	InitialDelay int `yaml:"initial_delay"` // milliseconds
	MaxDelay     int `yaml:"max_delay"`     // milliseconds
}

// TransportConfig contains the backend event channel (WebSocket) settings.
type TransportConfig struct {
	URL            string                   `yaml:"url"`
	MaxMessageSize int                      `yaml:"max_message_size"`
	PingInterval   int                      `yaml:"ping_interval"` // seconds
	PongTimeout    int                      `yaml:"pong_timeout"`  // seconds
	Reconnect      TransportReconnectConfig `yaml:"reconnect"`
}

// TransportReconnectConfig contains reconnection backoff settings.
type TransportReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"` // milliseconds
	MaxDelay     int `yaml:"max_delay"`     // milliseconds
}

// SyncConfig contains entity synchronisation behaviour.
type SyncConfig struct {
	DefaultHome    string        `yaml:"default_home"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	CommandPath    string        `yaml:"command_path"`

	// StrictConfirmation clears a pending command only on an update that
	// echoes the command's request id (or on timeout).
	StrictConfirmation bool `yaml:"strict_confirmation"`
}

// DatabaseConfig contains SQLite snapshot cache settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains settings for the local MQTT mirror.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the local dashboard WebSocket hub.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HOMESYNC_SECTION_KEY
// For example: HOMESYNC_BACKEND_URL, HOMESYNC_ACCESS_TOKEN
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Timeout: 15,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100,
				MaxDelay:     5000,
			},
		},
		Transport: TransportConfig{
			MaxMessageSize: 64 * 1024,
			PingInterval:   30,
			PongTimeout:    10,
			Reconnect: TransportReconnectConfig{
				InitialDelay: 500,
				MaxDelay:     30000,
			},
		},
		Sync: SyncConfig{
			PendingTimeout: DefaultPendingTimeout,
			CommandPath:    CommandPathSocket,
		},
		Database: DatabaseConfig{
			Path:        "./data/homesync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "homesync",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HOMESYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Backend
	if v := os.Getenv("HOMESYNC_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("HOMESYNC_ACCESS_TOKEN"); v != "" {
		cfg.Backend.AccessToken = v
	}

	// Transport
	if v := os.Getenv("HOMESYNC_TRANSPORT_URL"); v != "" {
		cfg.Transport.URL = v
	}

	// Sync
	if v := os.Getenv("HOMESYNC_DEFAULT_HOME"); v != "" {
		cfg.Sync.DefaultHome = v
	}

	// Database
	if v := os.Getenv("HOMESYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("HOMESYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HOMESYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HOMESYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("HOMESYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("HOMESYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Backend.URL == "" {
		errs = append(errs, "backend.url is required")
	}
	if c.Transport.URL == "" {
		errs = append(errs, "transport.url is required")
	}

	switch c.Sync.CommandPath {
	case CommandPathSocket, CommandPathREST:
	default:
		errs = append(errs, "sync.command_path must be \"socket\" or \"rest\"")
	}
	if c.Sync.PendingTimeout < 0 {
		errs = append(errs, "sync.pending_timeout must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPendingTimeout returns the pending command timeout, falling back to the default.
func (c *Config) GetPendingTimeout() time.Duration {
	if c.Sync.PendingTimeout <= 0 {
		return DefaultPendingTimeout
	}
	return c.Sync.PendingTimeout
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
