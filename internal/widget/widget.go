package widget

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/homesync/internal/entity"
)

var (
	// ErrUnknownKind is returned by For for a kind it has no view for.
	ErrUnknownKind = errors.New("widget: unknown entity kind")

	// ErrBadValue is returned by For when the value cannot be shown by the
	// entity's widget.
	ErrBadValue = errors.New("widget: value does not fit widget")
)

// Widget names, used by clients to pick a renderer.
const (
	NameSwitch       = "switch"
	NameSensor       = "sensor"
	NameLight        = "light"
	NameCover        = "cover"
	NameBinarySensor = "binary_sensor"
	NameClimate      = "climate"
	NameFan          = "fan"
	NameLock         = "lock"
	NameFallback     = "fallback"
)

// View is a rendered entity. The set of implementations is closed.
type View interface {
	Head() Header
	view()
}

// Header carries what every widget shows.
type Header struct {
	Widget   string       `json:"widget"`
	EntityID string       `json:"entityId"`
	Name     string       `json:"name"`
	Kind     entity.Kind  `json:"kind"`
	Class    entity.Class `json:"class,omitempty"`
	Known    bool         `json:"known"`
	Pending  bool         `json:"pending"`
	Stale    bool         `json:"stale"`
}

// Head returns h. Every view embeds a Header.
func (h Header) Head() Header { return h }

// Range is the numeric bounds of an adjustable entity.
type Range struct {
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Step *float64 `json:"step,omitempty"`
}

// SwitchView is an on/off toggle.
type SwitchView struct {
	Header
	On bool `json:"on"`
}

// SensorView is a read-only measurement.
type SensorView struct {
	Header
	Display string   `json:"display"`
	Number  *float64 `json:"number,omitempty"`
	Unit    string   `json:"unit,omitempty"`
}

// LightView is a light, dimmable when Brightness is set.
type LightView struct {
	Header
	On         bool     `json:"on"`
	Brightness *float64 `json:"brightness,omitempty"`
	Range
}

// CoverView is a blind, shutter or garage door.
type CoverView struct {
	Header
	Position *float64 `json:"position,omitempty"`
	State    string   `json:"state,omitempty"`
	Range
}

// BinarySensorView is a two-state detector.
type BinarySensorView struct {
	Header
	Active bool `json:"active"`
}

// ClimateView is a thermostat setpoint.
type ClimateView struct {
	Header
	Target *float64 `json:"target,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	Range
}

// FanView is a fan, with optional speed.
type FanView struct {
	Header
	On    bool     `json:"on"`
	Speed *float64 `json:"speed,omitempty"`
	Range
}

// LockView is a door lock.
type LockView struct {
	Header
	Locked bool `json:"locked"`
}

// FallbackView stands in for an entity whose widget failed.
type FallbackView struct {
	Header
	Raw   string `json:"raw"`
	Error string `json:"error"`
}

func (SwitchView) view()       {}
func (SensorView) view()       {}
func (LightView) view()        {}
func (CoverView) view()        {}
func (BinarySensorView) view() {}
func (ClimateView) view()      {}
func (FanView) view()          {}
func (LockView) view()         {}
func (FallbackView) view()     {}

// For builds the view for e in state st.
func For(e entity.Entity, st entity.State) (View, error) {
	h := Header{
		EntityID: e.ID,
		Name:     e.Name,
		Kind:     e.Kind,
		Class:    e.Class,
		Known:    st.Known,
		Pending:  st.Pending,
		Stale:    st.Stale,
	}
	rng := Range{Min: e.Min, Max: e.Max, Step: e.Step}
	v := st.Value

	switch e.Kind {
	case entity.KindSwitch:
		h.Widget = NameSwitch
		on, err := truth(v, "on")
		if err != nil {
			return nil, err
		}
		return SwitchView{Header: h, On: on}, nil

	case entity.KindSensor:
		h.Widget = NameSensor
		sv := SensorView{Header: h, Unit: e.Unit}
		if !v.IsZero() {
			sv.Display = v.String()
		}
		if n, ok := v.AsNumber(); ok {
			sv.Number = &n
		}
		return sv, nil

	case entity.KindLight:
		h.Widget = NameLight
		lv := LightView{Header: h, Range: rng}
		if n, ok := v.AsNumber(); ok {
			lv.Brightness = &n
			lv.On = n > 0
			return lv, nil
		}
		on, err := truth(v, "on")
		if err != nil {
			return nil, err
		}
		lv.On = on
		return lv, nil

	case entity.KindCover:
		h.Widget = NameCover
		cv := CoverView{Header: h, Range: rng}
		switch v.Kind() {
		case entity.ValueNumber:
			n, _ := v.AsNumber()
			cv.Position = &n
		case entity.ValueString:
			s, _ := v.AsString()
			cv.State = strings.ToLower(s)
		case entity.ValueBool:
			return nil, fmt.Errorf("%w: cover %s has boolean value", ErrBadValue, e.ID)
		}
		return cv, nil

	case entity.KindBinarySensor:
		h.Widget = NameBinarySensor
		active, err := truth(v, "on", "open", "detected", "active")
		if err != nil {
			return nil, err
		}
		return BinarySensorView{Header: h, Active: active}, nil

	case entity.KindClimate:
		h.Widget = NameClimate
		cv := ClimateView{Header: h, Unit: e.Unit, Range: rng}
		if v.IsZero() {
			return cv, nil
		}
		n, ok := v.AsNumber()
		if !ok {
			return nil, fmt.Errorf("%w: climate %s needs a number, got %s", ErrBadValue, e.ID, v.Kind())
		}
		cv.Target = &n
		return cv, nil

	case entity.KindFan:
		h.Widget = NameFan
		fv := FanView{Header: h, Range: rng}
		if n, ok := v.AsNumber(); ok {
			fv.Speed = &n
			fv.On = n > 0
			return fv, nil
		}
		on, err := truth(v, "on")
		if err != nil {
			return nil, err
		}
		fv.On = on
		return fv, nil

	case entity.KindLock:
		h.Widget = NameLock
		locked, err := truth(v, "locked", "lock", "on")
		if err != nil {
			return nil, err
		}
		return LockView{Header: h, Locked: locked}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
}

// Render is For with an error boundary: a failing widget becomes a
// FallbackView carrying the raw value and the reason.
func Render(e entity.Entity, st entity.State) View {
	v, err := For(e, st)
	if err == nil {
		return v
	}
	return FallbackView{
		Header: Header{
			Widget:   NameFallback,
			EntityID: e.ID,
			Name:     e.Name,
			Kind:     e.Kind,
			Class:    e.Class,
			Known:    st.Known,
			Pending:  st.Pending,
			Stale:    st.Stale,
		},
		Raw:   st.Value.String(),
		Error: err.Error(),
	}
}

// truth reads v as a two-state value. Strings match the given truthy
// words case-insensitively, with "true" and "1" always accepted; any other
// string reads as false. Numbers are true when non-zero. A missing value
// is false.
func truth(v entity.Value, words ...string) (bool, error) {
	switch v.Kind() {
	case entity.ValueNone:
		return false, nil
	case entity.ValueBool:
		b, _ := v.AsBool()
		return b, nil
	case entity.ValueNumber:
		n, _ := v.AsNumber()
		return n != 0, nil
	case entity.ValueString:
		s, _ := v.AsString()
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "true" || s == "1" {
			return true, nil
		}
		for _, w := range words {
			if s == w {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: unsupported value kind %s", ErrBadValue, v.Kind())
}
