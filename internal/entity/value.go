package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueKind tags the representation held by a Value.
type ValueKind uint8

// Value kinds.
const (
	ValueNone ValueKind = iota
	ValueString
	ValueNumber
	ValueBool
)

func (k ValueKind) String() string {
	switch k {
	case ValueString:
		return "string"
	case ValueNumber:
		return "number"
	case ValueBool:
		return "bool"
	default:
		return "none"
	}
}

// Value is an entity value: a string enum ("ON"), a number or a boolean.
// Values are comparable with ==. The zero Value holds nothing and
// encodes as JSON null.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

// StringValue returns a string value.
func StringValue(s string) Value { return Value{kind: ValueString, str: s} }

// NumberValue returns a numeric value.
func NumberValue(f float64) Value { return Value{kind: ValueNumber, num: f} }

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{kind: ValueBool, b: b} }

// Kind returns the representation tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsZero reports whether v holds nothing.
func (v Value) IsZero() bool { return v.kind == ValueNone }

// AsString returns the string form if v holds a string.
func (v Value) AsString() (string, bool) { return v.str, v.kind == ValueString }

// AsNumber returns the number if v holds one.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == ValueNumber }

// AsBool returns the boolean if v holds one.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == ValueBool }

// Interface returns the value as a plain Go value, or nil.
func (v Value) Interface() any {
	switch v.kind {
	case ValueString:
		return v.str
	case ValueNumber:
		return v.num
	case ValueBool:
		return v.b
	default:
		return nil
	}
}

// String formats the value for display and MQTT payloads.
func (v Value) String() string {
	switch v.kind {
	case ValueString:
		return v.str
	case ValueNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler. Objects and arrays are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty input", ErrInvalidValue)
	}

	switch data[0] {
	case 'n':
		*v = Value{}
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = StringValue(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = BoolValue(b)
		return nil
	case '{', '[':
		return fmt.Errorf("%w: unsupported JSON type", ErrInvalidValue)
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = NumberValue(f)
		return nil
	}
}

// ParseValue interprets a text payload, as received over MQTT.
// "true"/"false" become booleans, numerals become numbers and anything
// else is kept as a string.
func ParseValue(s string) Value {
	switch s {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return NumberValue(f)
	}
	return StringValue(s)
}
