package expr

import (
	"encoding/json"
	"math"
	"reflect"
)

// Tuple is an immutable sequence literal, distinct from a list.
// Tuple and list values never compare equal.
type Tuple []any

// Normalize converts a Go value into the evaluator's value model:
// nil, bool, int64, float64, string, []any, Tuple and map[string]any.
// Other integer and float widths, json.Number, typed slices and
// string-keyed maps are converted; anything else is returned unchanged
// and treated as an opaque value.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, int64, float64, string:
		return val
	case Tuple:
		out := make(Tuple, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val)
		}
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return string(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Normalize(iter.Value().Interface())
		}
		return out
	}
	return v
}

// TypeName returns the Python-style type name used in error messages.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	case string:
		return "str"
	case Tuple:
		return "tuple"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	default:
		return reflect.TypeOf(v).String()
	}
}

// IsTruthy returns whether a value is truthy.
// None, false, zero numbers and empty strings, lists, tuples and dicts
// are false; everything else is true.
func IsTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != ""
	case Tuple:
		return len(val) > 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// Equal reports value equality with numeric promotion across bool, int
// and float, element-wise comparison of sequences of the same kind, and
// key-wise comparison of dicts.
func Equal(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an.equal(bn)
		}
		return false
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case Tuple:
		bv, ok := b.(Tuple)
		return ok && equalSeq(av, bv)
	case []any:
		bv, ok := b.([]any)
		return ok && equalSeq(av, bv)
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, found := bv[k]
			if !found || !Equal(x, y) {
				return false
			}
		}
		return true
	}
	if b == nil || !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

func equalSeq(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// number is a numeric operand after bool promotion.
type number struct {
	i       int64
	f       float64
	isFloat bool
}

func asNumber(v any) (number, bool) {
	switch val := v.(type) {
	case bool:
		if val {
			return number{i: 1}, true
		}
		return number{}, true
	case int64:
		return number{i: val}, true
	case float64:
		return number{f: val, isFloat: true}, true
	}
	return number{}, false
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func (n number) equal(o number) bool {
	if !n.isFloat && !o.isFloat {
		return n.i == o.i
	}
	return n.float() == o.float()
}
