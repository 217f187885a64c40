// Package reflectutil inspects decoded JSON-like values without panicking on
// unexpected shapes. Values may come straight from encoding/json (maps of any,
// slices of any) or be built by callers with concrete Go types.
package reflectutil

import "reflect"

// IsNillable returns true if the given kind can hold a nil value.
func IsNillable(kind reflect.Kind) bool {
	switch kind {
	case reflect.Ptr,
		reflect.Interface,
		reflect.Slice,
		reflect.Map,
		reflect.Chan,
		reflect.Func:
		return true
	default:
		return false
	}
}

// UnwrapToConcreteValue unwraps pointers and interfaces to get to the concrete value.
// Returns an invalid reflect.Value if a nil is met on the way.
func UnwrapToConcreteValue(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// IsNilValue reports whether v is nil, including typed nils such as a nil map
// stored in an interface.
func IsNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return IsNillable(rv.Kind()) && rv.IsNil()
}

// AsObject returns v as a string keyed map. Maps with string keys of any
// element type and pointers to them are converted.
func AsObject(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, m != nil
	}
	rv := UnwrapToConcreteValue(reflect.ValueOf(v))
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String || rv.IsNil() {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// AsList returns v as a slice of any. Byte slices are not lists.
func AsList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, l != nil
	}
	rv := UnwrapToConcreteValue(reflect.ValueOf(v))
	if !rv.IsValid() {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() || rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
	case reflect.Array:
	default:
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// IsList reports whether v is a list value.
func IsList(v any) bool {
	_, ok := AsList(v)
	return ok
}

// IsObject reports whether v is an object value.
func IsObject(v any) bool {
	_, ok := AsObject(v)
	return ok
}
