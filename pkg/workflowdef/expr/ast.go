package expr

// node is a parsed expression element.
type node interface {
	eval(vars map[string]any) (any, error)
}

type constNode struct {
	value any
}

type nameNode struct {
	name string
}

type listNode struct {
	elems []node
}

type tupleNode struct {
	elems []node
}

type dictNode struct {
	keys   []node
	values []node
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

// boolNode is a chain of operands joined by the same "and" / "or".
type boolNode struct {
	op       string
	operands []node
}

// compareNode is a chained comparison: a < b <= c.
type compareNode struct {
	first    node
	ops      []string
	operands []node
}

type subscriptNode struct {
	target node
	index  node
}

type sliceNode struct {
	lower, upper, step node
}

// attrNode reads a key of a mapping with dotted syntax: ctx.n.
type attrNode struct {
	target node
	name   string
}

func (n *constNode) eval(map[string]any) (any, error) {
	return n.value, nil
}

func (n *nameNode) eval(vars map[string]any) (any, error) {
	v, ok := vars[n.name]
	if !ok {
		return nil, opErrorf("name '%s' is not defined", n.name)
	}
	return v, nil
}

func (n *listNode) eval(vars map[string]any) (any, error) {
	return evalAll(n.elems, vars)
}

func (n *tupleNode) eval(vars map[string]any) (any, error) {
	elems, err := evalAll(n.elems, vars)
	if err != nil {
		return nil, err
	}
	return Tuple(elems), nil
}

func evalAll(nodes []node, vars map[string]any) ([]any, error) {
	out := make([]any, len(nodes))
	for i, e := range nodes {
		v, err := e.eval(vars)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n *dictNode) eval(vars map[string]any) (any, error) {
	out := make(map[string]any, len(n.keys))
	for i := range n.keys {
		k, err := n.keys[i].eval(vars)
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, opErrorf("dict keys must be str, got '%s'", TypeName(k))
		}
		v, err := n.values[i].eval(vars)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (n *unaryNode) eval(vars map[string]any) (any, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return nil, err
	}
	return unaryOp(n.op, v)
}

func (n *binaryNode) eval(vars map[string]any) (any, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	return binaryOp(n.op, l, r)
}

// eval returns the deciding operand, not a coerced bool.
func (n *boolNode) eval(vars map[string]any) (any, error) {
	var v any
	for _, operand := range n.operands {
		var err error
		v, err = operand.eval(vars)
		if err != nil {
			return nil, err
		}
		truthy := IsTruthy(v)
		if (n.op == "and" && !truthy) || (n.op == "or" && truthy) {
			return v, nil
		}
	}
	return v, nil
}

func (n *compareNode) eval(vars map[string]any) (any, error) {
	left, err := n.first.eval(vars)
	if err != nil {
		return nil, err
	}
	for i, op := range n.ops {
		right, err := n.operands[i].eval(vars)
		if err != nil {
			return nil, err
		}
		ok, err := compare(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func (n *subscriptNode) eval(vars map[string]any) (any, error) {
	target, err := n.target.eval(vars)
	if err != nil {
		return nil, err
	}
	if s, ok := n.index.(*sliceNode); ok {
		bounds := make([]any, 3)
		for i, b := range []node{s.lower, s.upper, s.step} {
			if b == nil {
				continue
			}
			if bounds[i], err = b.eval(vars); err != nil {
				return nil, err
			}
		}
		return slice(target, bounds[0], bounds[1], bounds[2])
	}
	index, err := n.index.eval(vars)
	if err != nil {
		return nil, err
	}
	return subscript(target, index)
}

func (n *sliceNode) eval(map[string]any) (any, error) {
	return nil, opErrorf("slice used outside of a subscript")
}

func (n *attrNode) eval(vars map[string]any) (any, error) {
	target, err := n.target.eval(vars)
	if err != nil {
		return nil, err
	}
	m, ok := target.(map[string]any)
	if !ok {
		return nil, opErrorf("'%s' object has no attribute '%s'", TypeName(target), n.name)
	}
	v, ok := m[n.name]
	if !ok {
		return nil, opErrorf("'dict' object has no attribute '%s'", n.name)
	}
	return v, nil
}
