package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/homesync/internal/entity"
)

// Inbound message types.
const (
	TypeEntityUpdate       = "entity.update"
	TypeDeviceDiscovery    = "device.discovery"
	TypeDeviceOnline       = "device.online"
	TypeDeviceOffline      = "device.offline"
	TypeDashboardChanged   = "dashboard.changed"
	TypePermissionsChanged = "permissions.changed"
)

// Outbound message types.
const (
	TypeHomeJoin          = "home.join"
	TypeHomeLeave         = "home.leave"
	TypeDeviceSubscribe   = "device.subscribe"
	TypeDeviceUnsubscribe = "device.unsubscribe"
	TypeCommand           = "command"
)

// Envelope frames every message on the channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Timestamp accepts either RFC 3339 strings or Unix milliseconds.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parsing timestamp %s: %w", data, err)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// MarshalJSON encodes as RFC 3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// EntityUpdate is the entity.update payload.
type EntityUpdate struct {
	EntityID  string       `json:"entityId"`
	DeviceID  string       `json:"deviceId"`
	Value     entity.Value `json:"value"`
	Timestamp Timestamp    `json:"timestamp"`
	RequestID string       `json:"requestId,omitempty"`
}

// ValueUpdate converts the payload for the entity store.
func (u EntityUpdate) ValueUpdate() entity.ValueUpdate {
	return entity.ValueUpdate{
		EntityID:  u.EntityID,
		DeviceID:  u.DeviceID,
		Value:     u.Value,
		Timestamp: u.Timestamp.Time,
		RequestID: u.RequestID,
	}
}

// Discovery is the device.discovery payload.
type Discovery struct {
	DeviceID string          `json:"deviceId"`
	MAC      string          `json:"mac"`
	Name     string          `json:"name,omitempty"`
	Entities []entity.Entity `json:"entities"`
}

// PresenceEvent covers discovery and online/offline events.
type PresenceEvent struct {
	Type     string
	DeviceID string

	// Online is set for device.online and device.offline.
	Online bool

	// Discovery is set for device.discovery.
	Discovery *Discovery
}

// Notification covers dashboard.changed and permissions.changed.
type Notification struct {
	Type    string `json:"-"`
	HomeID  string `json:"homeId"`
	Version int64  `json:"version,omitempty"`
}

type devicePayload struct {
	DeviceID string `json:"deviceId"`
}

type homePayload struct {
	HomeID string `json:"homeId"`
}
