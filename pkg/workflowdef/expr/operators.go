package expr

import (
	"math"
	"math/bits"
	"strings"
)

func unaryOp(op string, v any) (any, error) {
	if op == "not" {
		return !IsTruthy(v), nil
	}
	n, ok := asNumber(v)
	if !ok {
		return nil, opErrorf("bad operand type for unary %s: '%s'", op, TypeName(v))
	}
	if op == "+" {
		return n.value(), nil
	}
	if n.isFloat {
		return -n.f, nil
	}
	if n.i == math.MinInt64 {
		return nil, opErrorf("integer overflow in unary -")
	}
	return -n.i, nil
}

func (n number) value() any {
	if n.isFloat {
		return n.f
	}
	return n.i
}

func binaryOp(op string, l, r any) (any, error) {
	ln, lok := asNumber(l)
	rn, rok := asNumber(r)
	if lok && rok {
		return arith(op, ln, rn)
	}

	switch op {
	case "+":
		switch lv := l.(type) {
		case string:
			if rv, ok := r.(string); ok {
				return lv + rv, nil
			}
		case []any:
			if rv, ok := r.([]any); ok {
				out := make([]any, 0, len(lv)+len(rv))
				return append(append(out, lv...), rv...), nil
			}
		case Tuple:
			if rv, ok := r.(Tuple); ok {
				out := make(Tuple, 0, len(lv)+len(rv))
				return append(append(out, lv...), rv...), nil
			}
		}
	case "*":
		if lok && !ln.isFloat {
			return repeat(r, ln.i)
		}
		if rok && !rn.isFloat {
			return repeat(l, rn.i)
		}
	}
	return nil, opErrorf("unsupported operand type(s) for %s: '%s' and '%s'", op, TypeName(l), TypeName(r))
}

// repeat implements sequence * int.
func repeat(seq any, times int64) (any, error) {
	if times < 0 {
		times = 0
	}
	const limit = 1 << 24
	switch s := seq.(type) {
	case string:
		if int64(len(s))*times > limit {
			return nil, opErrorf("repeated sequence too large")
		}
		return strings.Repeat(s, int(times)), nil
	case []any:
		if int64(len(s))*times > limit {
			return nil, opErrorf("repeated sequence too large")
		}
		out := make([]any, 0, len(s)*int(times))
		for i := int64(0); i < times; i++ {
			out = append(out, s...)
		}
		return out, nil
	case Tuple:
		if int64(len(s))*times > limit {
			return nil, opErrorf("repeated sequence too large")
		}
		out := make(Tuple, 0, len(s)*int(times))
		for i := int64(0); i < times; i++ {
			out = append(out, s...)
		}
		return out, nil
	}
	return nil, opErrorf("can't multiply sequence by non-int of type '%s'", TypeName(seq))
}

func arith(op string, l, r number) (any, error) {
	if !l.isFloat && !r.isFloat {
		return intArith(op, l.i, r.i)
	}
	a, b := l.float(), r.float()
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, opErrorf("float division by zero")
		}
		return a / b, nil
	case "//":
		if b == 0 {
			return nil, opErrorf("float floor division by zero")
		}
		return math.Floor(a / b), nil
	case "%":
		if b == 0 {
			return nil, opErrorf("float modulo")
		}
		return floatMod(a, b), nil
	case "**":
		if a == 0 && b < 0 {
			return nil, opErrorf("0.0 cannot be raised to a negative power")
		}
		if a < 0 && b != math.Trunc(b) {
			return nil, opErrorf("negative number cannot be raised to a fractional power")
		}
		return math.Pow(a, b), nil
	}
	return nil, opErrorf("unsupported operator %s", op)
}

func intArith(op string, a, b int64) (any, error) {
	switch op {
	case "+":
		s := a + b
		if (a > 0 && b > 0 && s < 0) || (a < 0 && b < 0 && s >= 0) {
			return nil, opErrorf("integer overflow in +")
		}
		return s, nil
	case "-":
		d := a - b
		if (a >= 0 && b < 0 && d < 0) || (a < 0 && b > 0 && d >= 0) {
			return nil, opErrorf("integer overflow in -")
		}
		return d, nil
	case "*":
		return mulInt(a, b)
	case "/":
		if b == 0 {
			return nil, opErrorf("division by zero")
		}
		return float64(a) / float64(b), nil
	case "//":
		if b == 0 {
			return nil, opErrorf("integer division or modulo by zero")
		}
		if a == math.MinInt64 && b == -1 {
			return nil, opErrorf("integer overflow in //")
		}
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q--
		}
		return q, nil
	case "%":
		if b == 0 {
			return nil, opErrorf("integer division or modulo by zero")
		}
		if b == -1 {
			return int64(0), nil
		}
		m := a % b
		if m != 0 && ((m < 0) != (b < 0)) {
			m += b
		}
		return m, nil
	case "**":
		if b < 0 {
			if a == 0 {
				return nil, opErrorf("0.0 cannot be raised to a negative power")
			}
			return math.Pow(float64(a), float64(b)), nil
		}
		return powInt(a, b)
	}
	return nil, opErrorf("unsupported operator %s", op)
}

func mulInt(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	neg := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(absUint(a), absUint(b))
	if hi != 0 || (!neg && lo > math.MaxInt64) || (neg && lo > 1<<63) {
		return 0, opErrorf("integer overflow in *")
	}
	if neg {
		return int64(-lo), nil
	}
	return int64(lo), nil
}

func absUint(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

func powInt(base, exp int64) (int64, error) {
	result := int64(1)
	for exp > 0 {
		var err error
		if exp&1 == 1 {
			if result, err = mulInt(result, base); err != nil {
				return 0, opErrorf("integer overflow in **")
			}
		}
		exp >>= 1
		if exp > 0 {
			if base, err = mulInt(base, base); err != nil {
				return 0, opErrorf("integer overflow in **")
			}
		}
	}
	return result, nil
}

// floatMod returns a result with the sign of the divisor.
func floatMod(a, b float64) float64 {
	m := math.Mod(a, b)
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func compare(op string, l, r any) (bool, error) {
	switch op {
	case "==":
		return Equal(l, r), nil
	case "!=":
		return !Equal(l, r), nil
	case "is":
		return identical(l, r), nil
	case "is not":
		return !identical(l, r), nil
	case "in":
		return contains(r, l)
	case "not in":
		found, err := contains(r, l)
		return !found, err
	}

	c, err := order(op, l, r)
	if err != nil {
		return false, err
	}
	if c == unordered {
		return false, nil
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

// identical approximates object identity: None and booleans are
// singletons, other scalars compare by type and value.
func identical(l, r any) bool {
	switch lv := l.(type) {
	case nil:
		return r == nil
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	case int64, float64, string:
		return l == r
	case []any:
		rv, ok := r.([]any)
		return ok && len(lv) == len(rv) && (len(lv) == 0 || &lv[0] == &rv[0])
	case Tuple:
		rv, ok := r.(Tuple)
		return ok && len(lv) == len(rv) && (len(lv) == 0 || &lv[0] == &rv[0])
	}
	return false
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, opErrorf("'in <string>' requires string as left operand, not %s", TypeName(item))
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, v := range c {
			if Equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case Tuple:
		for _, v := range c {
			if Equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		k, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := c[k]
		return found, nil
	}
	return false, opErrorf("argument of type '%s' is not iterable", TypeName(container))
}

// unordered is returned by order when a NaN is involved.
const unordered = 2

// order returns -1, 0 or 1, following Python's rules for numbers,
// strings and same-kind sequences.
func order(op string, l, r any) (int, error) {
	if ln, ok := asNumber(l); ok {
		if rn, ok := asNumber(r); ok {
			if !ln.isFloat && !rn.isFloat {
				return cmpOrdered(ln.i, rn.i), nil
			}
			a, b := ln.float(), rn.float()
			if math.IsNaN(a) || math.IsNaN(b) {
				return unordered, nil
			}
			return cmpOrdered(a, b), nil
		}
	}
	switch lv := l.(type) {
	case string:
		if rv, ok := r.(string); ok {
			return strings.Compare(lv, rv), nil
		}
	case []any:
		if rv, ok := r.([]any); ok {
			return orderSeq(op, lv, rv)
		}
	case Tuple:
		if rv, ok := r.(Tuple); ok {
			return orderSeq(op, lv, rv)
		}
	}
	return 0, opErrorf("'%s' not supported between instances of '%s' and '%s'", op, TypeName(l), TypeName(r))
}

func orderSeq(op string, l, r []any) (int, error) {
	for i := 0; i < len(l) && i < len(r); i++ {
		if Equal(l[i], r[i]) {
			continue
		}
		return order(op, l[i], r[i])
	}
	return cmpOrdered(len(l), len(r)), nil
}

func cmpOrdered[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func subscript(target, index any) (any, error) {
	switch t := target.(type) {
	case map[string]any:
		k, ok := index.(string)
		if !ok {
			return nil, opErrorf("key error: %v", index)
		}
		v, found := t[k]
		if !found {
			return nil, opErrorf("key error: '%s'", k)
		}
		return v, nil
	case []any:
		i, err := seqIndex(index, len(t), "list")
		if err != nil {
			return nil, err
		}
		return t[i], nil
	case Tuple:
		i, err := seqIndex(index, len(t), "tuple")
		if err != nil {
			return nil, err
		}
		return t[i], nil
	case string:
		runes := []rune(t)
		i, err := seqIndex(index, len(runes), "string")
		if err != nil {
			return nil, err
		}
		return string(runes[i]), nil
	}
	return nil, opErrorf("'%s' object is not subscriptable", TypeName(target))
}

func seqIndex(index any, length int, kind string) (int, error) {
	n, ok := asNumber(index)
	if !ok || n.isFloat {
		return 0, opErrorf("%s indices must be integers, not %s", kind, TypeName(index))
	}
	i := n.i
	if i < 0 {
		i += int64(length)
	}
	if i < 0 || i >= int64(length) {
		return 0, opErrorf("%s index out of range", kind)
	}
	return int(i), nil
}

func slice(target, lower, upper, step any) (any, error) {
	var length int
	var runes []rune
	switch t := target.(type) {
	case []any:
		length = len(t)
	case Tuple:
		length = len(t)
	case string:
		runes = []rune(t)
		length = len(runes)
	default:
		return nil, opErrorf("'%s' object is not subscriptable", TypeName(target))
	}

	indices, err := sliceIndices(lower, upper, step, length)
	if err != nil {
		return nil, err
	}

	switch t := target.(type) {
	case []any:
		out := make([]any, 0, len(indices))
		for _, i := range indices {
			out = append(out, t[i])
		}
		return out, nil
	case Tuple:
		out := make(Tuple, 0, len(indices))
		for _, i := range indices {
			out = append(out, t[i])
		}
		return out, nil
	default:
		out := make([]rune, 0, len(indices))
		for _, i := range indices {
			out = append(out, runes[i])
		}
		return string(out), nil
	}
}

// sliceIndices expands start:stop:step over a sequence of the given length.
func sliceIndices(lower, upper, step any, length int) ([]int, error) {
	bound := func(v any, name string) (int, bool, error) {
		if v == nil {
			return 0, false, nil
		}
		n, ok := asNumber(v)
		if !ok || n.isFloat {
			return 0, false, opErrorf("slice %s must be an integer or None", name)
		}
		if n.i > int64(length) {
			return length, true, nil
		}
		if n.i < -int64(length)-1 {
			return -length - 1, true, nil
		}
		return int(n.i), true, nil
	}

	st, hasStep, err := bound(step, "step")
	if err != nil {
		return nil, err
	}
	if !hasStep {
		st = 1
	}
	if st == 0 {
		return nil, opErrorf("slice step cannot be zero")
	}

	start, hasStart, err := bound(lower, "start")
	if err != nil {
		return nil, err
	}
	stop, hasStop, err := bound(upper, "stop")
	if err != nil {
		return nil, err
	}

	clamp := func(v, lo, hi int) int {
		if v < 0 {
			v += length
		}
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}

	var out []int
	if st > 0 {
		if !hasStart {
			start = 0
		}
		if !hasStop {
			stop = length
		}
		start, stop = clamp(start, 0, length), clamp(stop, 0, length)
		for i := start; i < stop; i += st {
			out = append(out, i)
		}
		return out, nil
	}

	if !hasStart {
		start = length - 1
	} else {
		start = clamp(start, -1, length-1)
	}
	if !hasStop {
		stop = -1
	} else {
		stop = clamp(stop, -1, length-1)
	}
	for i := start; i > stop; i += st {
		out = append(out, i)
	}
	return out, nil
}
