package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// TypeTag names the shape of a marshaled value. Tags are checked before a value is
// decoded into a concrete Go type, so a string never silently lands in an int parameter.
type TypeTag string

const (
	TagVoid   TypeTag = "void" // no value; only meaningful as a return type
	TagAny    TypeTag = "any"  // caller accepts whatever the method returns
	TagNull   TypeTag = "null"
	TagBool   TypeTag = "bool"
	TagInt    TypeTag = "int"
	TagUint   TypeTag = "uint"
	TagFloat  TypeTag = "float"
	TagString TypeTag = "string"
	TagBytes  TypeTag = "bytes" // base64 in JSON
	TagTime   TypeTag = "time"  // RFC 3339 in JSON
	TagArray  TypeTag = "array"
	TagObject TypeTag = "object" // maps and structs
)

// Valid reports whether t is a known tag.
func (t TypeTag) Valid() bool {
	switch t {
	case TagVoid, TagAny, TagNull, TagBool, TagInt, TagUint, TagFloat,
		TagString, TagBytes, TagTime, TagArray, TagObject:
		return true
	}
	return false
}

func (t TypeTag) numeric() bool {
	return t == TagInt || t == TagUint || t == TagFloat
}

// Value is one typed argument or result.
type Value struct {
	Tag TypeTag         `json:"typeTag"`
	Raw json.RawMessage `json:"value,omitempty"`
}

var (
	nullRaw  = json.RawMessage("null")
	timeType = reflect.TypeOf(time.Time{})
)

// Null is the value of a nil argument or result.
func Null() Value {
	return Value{Tag: TagNull, Raw: nullRaw}
}

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool {
	if v.Tag == TagNull || v.Tag == TagVoid || len(v.Raw) == 0 {
		return true
	}
	return bytes.Equal(bytes.TrimSpace(v.Raw), nullRaw)
}

// TagForType returns the tag values of type t are encoded with, or "" if t cannot be marshaled.
func TagForType(t reflect.Type) TypeTag {
	if t == nil {
		return TagNull
	}
	if t == timeType {
		return TagTime
	}
	switch t.Kind() {
	case reflect.Pointer:
		return TagForType(t.Elem())
	case reflect.Interface:
		return TagAny
	case reflect.Bool:
		return TagBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return TagInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return TagUint
	case reflect.Float32, reflect.Float64:
		return TagFloat
	case reflect.String:
		return TagString
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return TagBytes
		}
		return TagArray
	case reflect.Array:
		return TagArray
	case reflect.Map, reflect.Struct:
		return TagObject
	}
	return ""
}

// EncodeValue marshals v together with its type tag. Nil and nil pointers encode as null.
func EncodeValue(v any) (Value, error) {
	if v == nil {
		return Null(), nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Null(), nil
		}
		rv = rv.Elem()
	}
	tag := TagForType(rv.Type())
	if tag == "" {
		return Value{}, fmt.Errorf("message: unsupported value type %s", rv.Type())
	}
	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return Value{}, fmt.Errorf("message: encode %s: %w", rv.Type(), err)
	}
	return Value{Tag: tag, Raw: raw}, nil
}

// DecodeValue unmarshals v into the value dst points to.
func DecodeValue(v Value, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("message: decode target must be a non-nil pointer")
	}
	out, err := DecodeAs(v, rv.Elem().Type())
	if err != nil {
		return err
	}
	rv.Elem().Set(out)
	return nil
}

// DecodeAs unmarshals v into a new value of type t. Null decodes to the zero value.
// Interface types receive the canonical form returned by Value.Any.
func DecodeAs(v Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	if v.IsNull() {
		return out, nil
	}
	if t.Kind() == reflect.Interface {
		c, err := v.Any()
		if err != nil {
			return out, err
		}
		if c == nil {
			return out, nil
		}
		cv := reflect.ValueOf(c)
		if !cv.Type().AssignableTo(t) {
			return out, fmt.Errorf("message: %s value does not implement %s", v.Tag, t)
		}
		out.Set(cv)
		return out, nil
	}
	want := TagForType(t)
	if want == "" {
		return out, fmt.Errorf("message: unsupported target type %s", t)
	}
	if !assignable(v.Tag, want) {
		return out, fmt.Errorf("message: cannot decode %s value into %s", v.Tag, t)
	}
	if err := json.Unmarshal(v.Raw, out.Addr().Interface()); err != nil {
		return out, fmt.Errorf("message: decode %s into %s: %w", v.Tag, t, err)
	}
	return out, nil
}

func assignable(have, want TypeTag) bool {
	switch {
	case have == want, have == TagAny:
		return true
	case have.numeric() && want.numeric():
		return true
	case have == TagString && want == TagTime:
		return true
	}
	return false
}

// Any decodes v without a target type:
// int→int64, uint→uint64, float→float64, bytes→[]byte, time→time.Time,
// array→[]any, object→map[string]any.
func (v Value) Any() (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch v.Tag {
	case TagBool:
		return unmarshalAs[bool](v.Raw)
	case TagInt:
		return unmarshalAs[int64](v.Raw)
	case TagUint:
		return unmarshalAs[uint64](v.Raw)
	case TagFloat:
		return unmarshalAs[float64](v.Raw)
	case TagString:
		return unmarshalAs[string](v.Raw)
	case TagBytes:
		return unmarshalAs[[]byte](v.Raw)
	case TagTime:
		return unmarshalAs[time.Time](v.Raw)
	case TagArray:
		return unmarshalAs[[]any](v.Raw)
	case TagObject:
		return unmarshalAs[map[string]any](v.Raw)
	default:
		return unmarshalAs[any](v.Raw)
	}
}

func unmarshalAs[T any](raw json.RawMessage) (any, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("message: decode %T: %w", out, err)
	}
	return out, nil
}
