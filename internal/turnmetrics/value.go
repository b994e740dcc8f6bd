package turnmetrics

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type valueState uint8

const (
	stateAbsent valueState = iota
	stateNumber
	stateInvalid
)

// Value is an optional metric value extracted from an event payload. It is
// either absent, a number, or an invalid raw value that could not be read as
// a number. The zero Value is absent.
type Value struct {
	state valueState
	num   float64
	raw   string
}

// Absent returns a Value with no data.
func Absent() Value { return Value{} }

// Number returns a numeric Value.
func Number(f float64) Value { return Value{state: stateNumber, num: f} }

// Invalid returns a Value holding a non-numeric raw representation.
func Invalid(raw string) Value { return Value{state: stateInvalid, raw: raw} }

// IsAbsent reports whether v carries no data.
func (v Value) IsAbsent() bool { return v.state == stateAbsent }

// Float returns the numeric value. ok is false for absent and invalid values.
func (v Value) Float() (f float64, ok bool) {
	return v.num, v.state == stateNumber
}

// Cell renders v for a sink row: numbers in shortest form, invalid values
// verbatim, absent values as the empty string.
func (v Value) Cell() string {
	switch v.state {
	case stateNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case stateInvalid:
		return v.raw
	default:
		return ""
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.state == stateAbsent {
		return "<absent>"
	}
	return v.Cell()
}

// ValueOf converts a loosely typed payload value into a [Value]. nil maps to
// absent; numbers, numeric strings, [json.Number] and [time.Duration] (as
// seconds) map to numbers; anything else is invalid.
func ValueOf(x any) Value {
	switch t := x.(type) {
	case nil:
		return Absent()
	case Value:
		return t
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case time.Duration:
		return Number(t.Seconds())
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Invalid(t.String())
		}
		return Number(f)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return Absent()
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Invalid(t)
		}
		return Number(f)
	case bool:
		return Invalid(strconv.FormatBool(t))
	default:
		return Invalid(fmt.Sprint(t))
	}
}
