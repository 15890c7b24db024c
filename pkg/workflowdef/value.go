package workflowdef

import (
	"fmt"
	"math"
	"reflect"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// StrictEqual reports typed structural equality of two normalized values.
// Unlike expression equality, int64(1) and float64(1) differ, as do a list
// and a tuple with the same elements. Literal deduplication uses it.
func StrictEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && (av == bv || math.IsNaN(av) && math.IsNaN(bv))
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case expr.Tuple:
		bv, ok := b.(expr.Tuple)
		return ok && strictEqualSeq(av, bv)
	case []any:
		bv, ok := b.([]any)
		return ok && strictEqualSeq(av, bv)
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, found := bv[k]
			if !found || !StrictEqual(x, y) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func strictEqualSeq(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !StrictEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// checkPortable reports whether a normalized value can be written to a
// portable document.
func checkPortable(v any) error {
	switch val := v.(type) {
	case nil, bool, int64, string:
		return nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%v is not representable in JSON", val)
		}
		return nil
	case expr.Tuple:
		return checkPortableSeq(val)
	case []any:
		return checkPortableSeq(val)
	case map[string]any:
		for k, item := range val {
			if err := checkPortable(item); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	}
	return fmt.Errorf("value of type %T is not portable", v)
}

func checkPortableSeq(items []any) error {
	for i, item := range items {
		if err := checkPortable(item); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	return nil
}
