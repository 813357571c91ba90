package record

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the dynamic types a decoded field value can take.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindText
	KindTimestamp
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindTimestamp:
		return "timestamp"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Value is a tagged union holding one decoded API value. The zero Value is null.
type Value struct {
	kind      Kind
	boolVal   bool
	intVal    int64
	floatVal  float64
	textVal   string
	timeVal   time.Time
	arrayVal  []Value
	objectVal map[string]Value
}

func Null() Value                 { return Value{kind: KindNull} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, boolVal: b} }
func IntValue(i int64) Value      { return Value{kind: KindInt, intVal: i} }
func FloatValue(f float64) Value  { return Value{kind: KindFloat, floatVal: f} }
func TextValue(s string) Value    { return Value{kind: KindText, textVal: s} }
func ArrayValue(vs []Value) Value { return Value{kind: KindArray, arrayVal: vs} }

func TimestampValue(t time.Time) Value {
	return Value{kind: KindTimestamp, timeVal: t.UTC()}
}

func ObjectValue(m map[string]Value) Value {
	return Value{kind: KindObject, objectVal: m}
}

// FromJSON converts a value produced by encoding/json (with UseNumber) into a
// Value. Strings that parse as RFC3339 become timestamps.
func FromJSON(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i)
		}
		f, _ := t.Float64()
		return FloatValue(f)
	case float64:
		// Decoded without UseNumber; keep integral values as ints
		if t == float64(int64(t)) {
			return IntValue(int64(t))
		}
		return FloatValue(t)
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return TimestampValue(ts)
		}
		return TextValue(t)
	case []interface{}:
		arr := make([]Value, 0, len(t))
		for _, item := range t {
			arr = append(arr, FromJSON(item))
		}
		return ArrayValue(arr)
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			obj[k] = FromJSON(item)
		}
		return ObjectValue(obj)
	default:
		return TextValue(stringify(v))
	}
}

func stringify(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) Bool() bool     { return v.boolVal }
func (v Value) Int() int64     { return v.intVal }
func (v Value) Float() float64 { return v.floatVal }

func (v Value) Time() time.Time { return v.timeVal }

// Text returns the string form of a text value, or "" for other kinds.
func (v Value) Text() string { return v.textVal }

// Object returns the underlying map for object values, nil otherwise.
func (v Value) Object() map[string]Value { return v.objectVal }

// String renders any value as a flat string, the representation used when a
// value must be coerced into a text column.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.boolVal)
	case KindInt:
		return strconv.FormatInt(v.intVal, 10)
	case KindFloat:
		return strconv.FormatFloat(v.floatVal, 'g', -1, 64)
	case KindText:
		return v.textVal
	case KindTimestamp:
		return v.timeVal.UTC().Format(time.RFC3339)
	case KindArray, KindObject:
		return v.Canonical()
	}
	return ""
}

// Canonical renders a deterministic serialization: object keys sorted,
// shortest-form numbers, `null` for nulls, UTC RFC3339 timestamps. The same
// form feeds both content hashing and type inference, so two records with the
// same fields in any order canonicalize identically.
func (v Value) Canonical() string {
	var b strings.Builder
	v.writeCanonical(&b)
	return b.String()
}

func (v Value) writeCanonical(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		b.WriteString(strconv.FormatBool(v.boolVal))
	case KindInt:
		b.WriteString(strconv.FormatInt(v.intVal, 10))
	case KindFloat:
		b.WriteString(strconv.FormatFloat(v.floatVal, 'g', -1, 64))
	case KindText:
		b.WriteString(strconv.Quote(v.textVal))
	case KindTimestamp:
		b.WriteString(strconv.Quote(v.timeVal.UTC().Format(time.RFC3339)))
	case KindArray:
		b.WriteByte('[')
		for i, item := range v.arrayVal {
			if i > 0 {
				b.WriteByte(',')
			}
			item.writeCanonical(b)
		}
		b.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.objectVal))
		for k := range v.objectVal {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			v.objectVal[k].writeCanonical(b)
		}
		b.WriteByte('}')
	}
}
