package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/homesync/internal/command"
	"github.com/nerrad567/homesync/internal/entity"
	"github.com/nerrad567/homesync/internal/infrastructure/config"
	"github.com/nerrad567/homesync/internal/permission"
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

const (
	defaultTimeout = 15 * time.Second

	// DefaultMaxResponseSize caps a response body read from the backend.
	DefaultMaxResponseSize = 8 << 20
)

// Client talks to the backend's REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      RetryPolicy
	maxBody    int64
	logger     Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxResponseSize sets the largest response body the client reads.
func WithMaxResponseSize(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// WithRetryPolicy overrides the retry policy derived from the config.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// New creates a client from the backend config.
func New(cfg config.BackendConfig, opts ...Option) *Client {
	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		token:      cfg.AccessToken,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retryPolicyFrom(cfg.Retry),
		maxBody:    DefaultMaxResponseSize,
		logger:     noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// deviceRecord is the wire form of a device in the registry response.
type deviceRecord struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	MAC      string         `json:"mac"`
	Online   bool           `json:"online"`
	RoomID   string         `json:"roomId"`
	RoomName string         `json:"roomName"`
	Entities []entityRecord `json:"entities"`
}

// entityRecord is an entity plus its last known value, if any.
type entityRecord struct {
	entity.Entity
	Value entity.Value `json:"value"`
}

// ListHomes returns the homes the account can access.
func (c *Client) ListHomes(ctx context.Context) ([]entity.Home, error) {
	var homes []entity.Home
	if err := c.getJSON(ctx, "/api/homes", &homes); err != nil {
		return nil, fmt.Errorf("listing homes: %w", err)
	}
	return homes, nil
}

// FetchDevices returns the device registry of a home together with the
// last known value of every entity that has one.
func (c *Client) FetchDevices(ctx context.Context, homeID string) ([]entity.Device, map[string]entity.Value, error) {
	var records []deviceRecord
	path := "/api/homes/" + url.PathEscape(homeID) + "/devices"
	if err := c.getJSON(ctx, path, &records); err != nil {
		return nil, nil, fmt.Errorf("fetching devices for %s: %w", homeID, err)
	}

	devices := make([]entity.Device, 0, len(records))
	values := make(map[string]entity.Value)
	for _, r := range records {
		d := entity.Device{
			ID:       r.ID,
			Name:     r.Name,
			MAC:      r.MAC,
			Online:   r.Online,
			RoomID:   r.RoomID,
			RoomName: r.RoomName,
			Entities: make([]entity.Entity, 0, len(r.Entities)),
		}
		for _, e := range r.Entities {
			d.Entities = append(d.Entities, e.Entity)
			if !e.Value.IsZero() {
				values[e.ID] = e.Value
			}
		}
		devices = append(devices, d)
	}
	return devices, values, nil
}

// FetchPermissions returns the caller's permission bundle for a home.
// It implements permission.Fetcher.
func (c *Client) FetchPermissions(ctx context.Context, homeID string) (*permission.Bundle, error) {
	var b permission.Bundle
	path := "/api/homes/" + url.PathEscape(homeID) + "/permissions"
	if err := c.getJSON(ctx, path, &b); err != nil {
		return nil, fmt.Errorf("fetching permissions for %s: %w", homeID, err)
	}
	if b.HomeID == "" {
		b.HomeID = homeID
	}
	return &b, nil
}

// SendCommand posts cmd to the backend. It implements command.Sender.
// Commands are not retried: the pending marker's timeout already covers a
// lost command, and a blind retry could apply a toggle twice.
func (c *Client) SendCommand(ctx context.Context, cmd command.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}
	path := "/api/devices/" + url.PathEscape(cmd.DeviceID) +
		"/entities/" + url.PathEscape(cmd.EntityID) + "/command"
	if _, err := c.do(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("sending command: %w", err)
	}
	c.logger.Debug("command posted", "device_id", cmd.DeviceID, "entity_id", cmd.EntityID, "request_id", cmd.RequestID)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	var respBody []byte
	err := withRetry(ctx, c.retry, func() error {
		var err error
		respBody, err = c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			c.logger.Debug("backend request failed", "path", path, "error", err)
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(respBody)) > c.maxBody {
		return nil, fmt.Errorf("%w: %s %s over %d bytes", ErrResponseTooLarge, method, path, c.maxBody)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: msg}
	}
	return respBody, nil
}
