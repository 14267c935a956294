package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementEntityValues   = "entity_values"
	MeasurementDevicePresence = "device_presence"
)

// EntityPoint is one observed entity value. Exactly one of Number and
// Bool should be set; a point with neither is not written.
type EntityPoint struct {
	HomeID   string
	DeviceID string
	EntityID string
	Kind     string
	Number   *float64
	Bool     *bool
	Time     time.Time
}

// fields returns the point's fields, or nil when it carries no value.
func (p EntityPoint) fields() map[string]interface{} {
	switch {
	case p.Number != nil:
		return map[string]interface{}{"value": *p.Number}
	case p.Bool != nil:
		return map[string]interface{}{"state": *p.Bool}
	default:
		return nil
	}
}

// NewEntityPoint builds the line-protocol point for p.
func NewEntityPoint(p EntityPoint) (*write.Point, bool) {
	fields := p.fields()
	if fields == nil {
		return nil, false
	}
	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	tags := map[string]string{
		"home":   p.HomeID,
		"device": p.DeviceID,
		"entity": p.EntityID,
	}
	if p.Kind != "" {
		tags["kind"] = p.Kind
	}
	return write.NewPoint(MeasurementEntityValues, tags, fields, ts), true
}

// WriteEntityValue queues p. It returns false when p was not written,
// either because the client is closed or p carries no value.
func (c *Client) WriteEntityValue(p EntityPoint) bool {
	if !c.IsConnected() {
		return false
	}
	point, ok := NewEntityPoint(p)
	if !ok {
		return false
	}
	c.writeAPI.WritePoint(point)
	return true
}

// WritePresence queues a device online/offline transition.
func (c *Client) WritePresence(homeID, deviceID string, online bool, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementDevicePresence,
		map[string]string{"home": homeID, "device": deviceID},
		map[string]interface{}{"online": online},
		ts,
	))
}
