// Package extract implements the deployment-artifact extraction step: it
// reads structured JSON artifacts produced by upstream units, pulls named
// fields out by path, and publishes them as a flat KEY=VALUE environment
// file for downstream consumers.
package extract

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
)

// ValueKind enumerates the JSON value kinds an extraction can produce.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindJSON // object or array, kept as raw JSON text
)

// Value is one extracted field value. Navigation through a missing path
// yields the null value, never an error; downstream consumers may tolerate
// nulls, so a missing field must not be turned into a hard failure.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	raw  string
}

// Null returns the null value.
func Null() Value {
	return Value{kind: KindNull}
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Number returns a numeric value.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f, raw: strconv.FormatFloat(f, 'f', -1, 64)}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// fromGJSON converts a gjson result into a Value. A non-existent result maps
// to the null value.
func fromGJSON(res gjson.Result) Value {
	if !res.Exists() {
		return Null()
	}
	switch res.Type {
	case gjson.String:
		return String(res.Str)
	case gjson.Number:
		// Keep the raw numeric text so rendering preserves the source form.
		return Value{kind: KindNumber, num: res.Num, raw: res.Raw}
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.Null:
		return Null()
	default:
		return Value{kind: KindJSON, raw: res.Raw}
	}
}

// Kind returns the value kind.
func (v Value) Kind() ValueKind {
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// Render returns the textual form used in environment files. Null renders as
// the literal text "null", matching the permissive behavior of naive JSON
// field extraction.
func (v Value) Render() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return v.str
	case KindNumber:
		if v.raw != "" {
			return v.raw
		}
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.raw
	}
}

// Interface returns the value as a plain Go value for transforms.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		var out interface{}
		if err := json.Unmarshal([]byte(v.raw), &out); err != nil {
			return v.raw
		}
		return out
	}
}

// fromInterface converts a plain Go value (e.g. a transform result) back
// into a Value.
func fromInterface(val interface{}) Value {
	switch t := val.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return Null()
		}
		return Value{kind: KindJSON, raw: string(raw)}
	}
}
