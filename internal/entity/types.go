package entity

import "time"

// Kind is the declared capability type of an entity.
// The set is closed; rendering dispatches exhaustively over it.
type Kind string

// Capability kinds.
const (
	KindSwitch       Kind = "switch"
	KindSensor       Kind = "sensor"
	KindLight        Kind = "light"
	KindCover        Kind = "cover"
	KindBinarySensor Kind = "binary_sensor"
	KindClimate      Kind = "climate"
	KindFan          Kind = "fan"
	KindLock         Kind = "lock"
)

// AllKinds lists every capability kind.
var AllKinds = []Kind{
	KindSwitch, KindSensor, KindLight, KindCover,
	KindBinarySensor, KindClimate, KindFan, KindLock,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Class is an optional semantic class. Unlike Kind it is open: unknown
// classes are carried through untouched.
type Class string

// Common classes.
const (
	ClassTemperature Class = "temperature"
	ClassHumidity    Class = "humidity"
	ClassPower       Class = "power"
	ClassEnergy      Class = "energy"
	ClassBattery     Class = "battery"
	ClassMotion      Class = "motion"
	ClassDoor        Class = "door"
	ClassWindow      Class = "window"
)

// Entity is one capability of a device. Entity metadata is immutable;
// only its value changes.
type Entity struct {
	ID    string   `json:"id"`
	Kind  Kind     `json:"type"`
	Name  string   `json:"name"`
	Unit  string   `json:"unit,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Step  *float64 `json:"step,omitempty"`
	Class Class    `json:"class,omitempty"`
}

func (e Entity) clone() Entity {
	e.Min = cloneFloat(e.Min)
	e.Max = cloneFloat(e.Max)
	e.Step = cloneFloat(e.Step)
	return e
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Device is a physical or virtual unit exposing entities.
type Device struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	MAC      string   `json:"mac,omitempty"`
	Online   bool     `json:"online"`
	RoomID   string   `json:"roomId,omitempty"`
	RoomName string   `json:"roomName,omitempty"`
	Entities []Entity `json:"entities"`
}

// DeepCopy returns an independent copy of the device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.Entities != nil {
		cpy.Entities = make([]Entity, len(d.Entities))
		for i, e := range d.Entities {
			cpy.Entities[i] = e.clone()
		}
	}
	return &cpy
}

// Entity returns the entity with the given id.
func (d *Device) Entity(id string) (Entity, bool) {
	for _, e := range d.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// State is the observable state of one entity.
type State struct {
	Value Value `json:"value"`

	// Known is false until a value has been observed or commanded.
	Known bool `json:"known"`

	// Pending is true while a command awaits confirmation.
	Pending bool `json:"pending"`

	// Stale is true while the owning device is offline. The value is the
	// last one seen before the device went away.
	Stale bool `json:"stale"`
}

// ValueUpdate is an authoritative value report for one entity.
type ValueUpdate struct {
	EntityID  string
	DeviceID  string
	Value     Value
	Timestamp time.Time
	RequestID string
}

// Discovery announces a device's entities.
type Discovery struct {
	DeviceID string
	MAC      string
	Name     string
	Entities []Entity
}

// Home is a tenant the account can access.
type Home struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Snapshot is a complete registry for one home.
type Snapshot struct {
	HomeID  string           `json:"homeId"`
	SavedAt time.Time        `json:"savedAt"`
	Devices []Device         `json:"devices"`
	Values  map[string]Value `json:"values"`
}

// ChangeKind identifies what a Change describes.
type ChangeKind string

// Change kinds.
const (
	ChangeHome     ChangeKind = "home"
	ChangeDevice   ChangeKind = "device"
	ChangePresence ChangeKind = "presence"
	ChangeEntity   ChangeKind = "entity"
)

// Change is delivered to subscribers after each mutation.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	HomeID   string     `json:"homeId"`
	DeviceID string     `json:"deviceId,omitempty"`
	EntityID string     `json:"entityId,omitempty"`

	// State is set for ChangeEntity.
	State *State `json:"state,omitempty"`

	// Online is meaningful for ChangePresence.
	Online bool `json:"online,omitempty"`

	// Loaded is meaningful for ChangeHome: false when the home was just
	// selected, true once its snapshot is in.
	Loaded bool `json:"loaded,omitempty"`

	// Confirmed is set on ChangeEntity when State.Value was reported by
	// the backend rather than written optimistically or left behind by
	// an expired command.
	Confirmed bool `json:"confirmed,omitempty"`
}
