package workflowdef

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// Serialize writes a workflow as a portable JSON document.
//
// Node ids are reassigned densely in document order. The default port is
// written as a null sourcePort and an empty targetPort as null. Input nodes
// without a name are named after the parameter their first edge feeds;
// when several unnamed inputs would share a name, or the name is already
// taken, each gets a numeric suffix ("x_0", "x_1") in document order.
// Object keys have a fixed order and mapping keys are sorted, so
// Serialize(Parse(Serialize(wf))) reproduces the same bytes.
func Serialize(wf *Workflow) ([]byte, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	doc, err := exportWorkflow(wf, nil)
	if err != nil {
		return nil, err
	}
	var w docWriter
	if err := w.value(doc); err != nil {
		return nil, err
	}
	w.buf.WriteByte('\n')
	return w.buf.Bytes(), nil
}

// WriteFile serializes wf to path. Nested workflows loaded from a file
// reference are written back as the same reference.
func WriteFile(path string, wf *Workflow) error {
	data, err := Serialize(wf)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write workflow file: %w", err)
	}
	return nil
}

// Digest returns the hex SHA-256 of the serialized workflow. Two workflows
// with the same digest describe the same graph.
func Digest(wf *Workflow) (string, error) {
	data, err := Serialize(wf)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalValue encodes a portable value as compact JSON. Floats keep a
// decimal point or exponent so that decoding restores their type.
func MarshalValue(v any) ([]byte, error) {
	w := docWriter{compact: true}
	if err := w.value(v); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

// UnmarshalValue decodes JSON written by MarshalValue into the portable
// value model. Tuples come back as lists.
func UnmarshalValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return expr.Normalize(v), nil
}

// field is one entry of an object with a fixed key order.
type field struct {
	key   string
	value any
}

type object []field

// idMap translates original node ids into serialized ones. Lookups fall
// back to the enclosing workflow, matching how nested edges resolve.
type idMap struct {
	ids    map[int]int
	top    int
	parent *idMap
}

func (m *idMap) lookup(id int) (int, bool) {
	for cur := m; cur != nil; cur = cur.parent {
		if v, ok := cur.ids[id]; ok {
			return v, true
		}
	}
	return 0, false
}

func (m *idMap) max() int {
	maxID := -1
	for cur := m; cur != nil; cur = cur.parent {
		if cur.top > maxID {
			maxID = cur.top
		}
	}
	return maxID
}

func exportWorkflow(wf *Workflow, parent *idMap) (object, error) {
	ids := &idMap{ids: make(map[int]int, len(wf.Nodes)), parent: parent}
	start := 0
	if parent != nil && len(freeSources(wf)) > 0 {
		start = parent.max() + 1
	}
	for i, n := range wf.Nodes {
		ids.ids[n.NodeID()] = start + i
	}
	ids.top = start + len(wf.Nodes) - 1

	names := inputNames(wf)
	loopInputs := loopDefinitionInputs(wf)
	nodes := make([]any, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		var obj object
		var err error
		if in, ok := n.(*InputNode); ok && loopInputs[in.ID] {
			obj, err = exportLoopInput(in, ids, names)
		} else {
			obj, err = exportNode(n, ids, names)
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, obj)
	}

	edges := make([]any, 0, len(wf.Edges))
	for _, e := range wf.Edges {
		source, _ := ids.lookup(e.Source)
		var sourcePort, targetPort any
		if !e.IsDefault() {
			sourcePort = e.SourcePort
		}
		if e.TargetPort != "" {
			targetPort = e.TargetPort
		}
		edges = append(edges, object{
			{"source", int64(source)},
			{"sourcePort", sourcePort},
			{"target", int64(ids.ids[e.Target])},
			{"targetPort", targetPort},
		})
	}

	return object{
		{"version", wf.Version},
		{"nodes", nodes},
		{"edges", edges},
	}, nil
}

func exportNode(n Node, ids *idMap, names map[int]string) (object, error) {
	obj := object{
		{"id", int64(ids.ids[n.NodeID()])},
		{"type", string(n.Kind())},
	}
	switch node := n.(type) {
	case *InputNode:
		name := node.Name
		if name == "" {
			name = names[node.ID]
		}
		if err := checkPortable(expr.Normalize(node.Value)); err != nil {
			return nil, schemaErrorf(node.ID, "value", "%v", err)
		}
		obj = append(obj, field{"name", name}, field{"value", node.Value})
	case *OutputNode:
		obj = append(obj, field{"name", node.Name})
	case *FunctionNode:
		obj = append(obj, field{"value", node.Value})
	case *WorkflowNode:
		if node.Source != "" {
			obj = append(obj, field{"value", node.Source})
			break
		}
		doc, err := exportWorkflow(node.Workflow, ids)
		if err != nil {
			return nil, err
		}
		obj = append(obj, field{"value", doc})
	case *WhileNode:
		return exportWhile(obj, node, ids)
	}
	return obj, nil
}

// loopDefinitionInputs returns the inputs that hold the definition of an
// expanded while node.
func loopDefinitionInputs(wf *Workflow) map[int]bool {
	builtin := make(map[int]bool)
	for _, n := range wf.Nodes {
		if fn, ok := n.(*FunctionNode); ok && isLoopBuiltin(fn.Value) {
			builtin[fn.ID] = true
		}
	}
	inputs := make(map[int]bool)
	for _, e := range wf.Edges {
		if e.TargetPort == whileSpecParam && builtin[e.Target] {
			inputs[e.Source] = true
		}
	}
	return inputs
}

// exportLoopInput writes the input holding an expanded while node. Its
// nested workflows read enclosing ids, so the definition is rebuilt with
// the current numbering rather than copied as a literal. The definition
// takes the id of the input that carries it.
func exportLoopInput(in *InputNode, ids *idMap, names map[int]string) (object, error) {
	w, err := decodeWhileSpec(in.Value)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", in.ID, err)
	}
	w.ID = ids.ids[in.ID]
	def, err := whileSpec(w, ids)
	if err != nil {
		return nil, err
	}
	name := in.Name
	if name == "" {
		name = names[in.ID]
	}
	return object{
		{"id", int64(ids.ids[in.ID])},
		{"type", string(KindInput)},
		{"name", name},
		{"value", def},
	}, nil
}

func exportWhile(obj object, n *WhileNode, ids *idMap) (object, error) {
	add := func(key string, v any) { obj = append(obj, field{key, v}) }
	nested := func(key string, wf *Workflow) error {
		doc, err := exportWorkflow(wf, ids)
		if err != nil {
			return err
		}
		add(key, doc)
		return nil
	}

	switch {
	case n.ConditionFunction != "":
		add("conditionFunction", n.ConditionFunction)
	case n.ConditionExpression != "":
		add("conditionExpression", n.ConditionExpression)
	case n.ConditionWorkflow != nil:
		if err := nested("conditionWorkflow", n.ConditionWorkflow); err != nil {
			return nil, err
		}
	}
	switch {
	case n.BodyFunction != "":
		add("bodyFunction", n.BodyFunction)
	case n.BodyWorkflow != nil:
		if err := nested("bodyWorkflow", n.BodyWorkflow); err != nil {
			return nil, err
		}
	}

	if n.ContextVars != nil {
		vars := make([]any, len(n.ContextVars))
		for i, v := range n.ContextVars {
			vars[i] = v
		}
		add("contextVars", vars)
	}
	if n.InputPorts != nil {
		add("inputPorts", n.InputPorts)
	}
	if n.OutputPorts != nil {
		add("outputPorts", stringMapValue(n.OutputPorts))
	}
	if n.MaxIterations != 0 {
		add("maxIterations", int64(n.MaxIterations))
	}
	if n.StateMapping != nil {
		add("stateMapping", stringMapValue(n.StateMapping))
	}

	extra := make([]string, 0, len(n.Extra))
	for k := range n.Extra {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		add(k, n.Extra[k])
	}
	return obj, nil
}

// stringMapValue converts a string map for writing; empty strings become null.
func stringMapValue(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == "" {
			out[k] = nil
		} else {
			out[k] = v
		}
	}
	return out
}

// freeSources returns the edge sources of wf and its nested workflows that
// are not defined inside wf.
func freeSources(wf *Workflow) map[int]bool {
	local := make(map[int]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		local[n.NodeID()] = true
	}
	free := make(map[int]bool)
	for _, e := range wf.Edges {
		if !local[e.Source] {
			free[e.Source] = true
		}
	}
	for _, child := range nestedWorkflows(wf) {
		for id := range freeSources(child) {
			if !local[id] {
				free[id] = true
			}
		}
	}
	return free
}

// nestedWorkflows returns the workflows embedded directly in wf's nodes.
func nestedWorkflows(wf *Workflow) []*Workflow {
	var out []*Workflow
	for _, n := range wf.Nodes {
		switch node := n.(type) {
		case *WorkflowNode:
			if node.Workflow != nil {
				out = append(out, node.Workflow)
			}
		case *WhileNode:
			if node.ConditionWorkflow != nil {
				out = append(out, node.ConditionWorkflow)
			}
			if node.BodyWorkflow != nil {
				out = append(out, node.BodyWorkflow)
			}
		}
	}
	return out
}

// inputNames derives names for the unnamed input nodes of wf.
func inputNames(wf *Workflow) map[int]string {
	taken := make(map[string]bool)
	for _, in := range wf.Inputs() {
		if in.Name != "" {
			taken[in.Name] = true
		}
	}

	var derived []*InputNode
	candidates := make(map[int]string)
	counts := make(map[string]int)
	for _, in := range wf.Inputs() {
		if in.Name != "" {
			continue
		}
		candidate := "input"
		for _, e := range wf.Edges {
			if e.Source == in.ID && e.TargetPort != "" {
				candidate = e.TargetPort
				break
			}
		}
		derived = append(derived, in)
		candidates[in.ID] = candidate
		counts[candidate]++
	}

	names := make(map[int]string, len(derived))
	for _, in := range derived {
		c := candidates[in.ID]
		if counts[c] == 1 && !taken[c] {
			names[in.ID] = c
			taken[c] = true
		}
	}
	next := make(map[string]int)
	for _, in := range derived {
		if _, ok := names[in.ID]; ok {
			continue
		}
		c := candidates[in.ID]
		for {
			name := c + "_" + strconv.Itoa(next[c])
			next[c]++
			if !taken[name] {
				names[in.ID] = name
				taken[name] = true
				break
			}
		}
	}
	return names
}

// docWriter renders values as JSON with two-space indentation, or compact.
type docWriter struct {
	buf     bytes.Buffer
	depth   int
	compact bool
}

func (w *docWriter) newline() {
	if w.compact {
		return
	}
	w.buf.WriteByte('\n')
	for i := 0; i < w.depth; i++ {
		w.buf.WriteString("  ")
	}
}

func (w *docWriter) value(v any) error {
	switch val := v.(type) {
	case nil:
		w.buf.WriteString("null")
	case bool:
		w.buf.WriteString(strconv.FormatBool(val))
	case int64:
		w.buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		s, err := formatFloat(val)
		if err != nil {
			return err
		}
		w.buf.WriteString(s)
	case string:
		w.str(val)
	case object:
		return w.object(val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make(object, len(keys))
		for i, k := range keys {
			obj[i] = field{k, val[k]}
		}
		return w.object(obj)
	case []any:
		return w.array(val)
	case expr.Tuple:
		return w.array(val)
	default:
		switch n := expr.Normalize(v).(type) {
		case int64, float64, []any, expr.Tuple, map[string]any:
			return w.value(n)
		}
		return fmt.Errorf("value of type %T is not portable", v)
	}
	return nil
}

func (w *docWriter) object(obj object) error {
	if len(obj) == 0 {
		w.buf.WriteString("{}")
		return nil
	}
	w.buf.WriteByte('{')
	w.depth++
	for i, f := range obj {
		if i > 0 {
			w.buf.WriteByte(',')
			if w.compact {
				w.buf.WriteByte(' ')
			}
		}
		w.newline()
		w.str(f.key)
		w.buf.WriteString(": ")
		if err := w.value(f.value); err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
	}
	w.depth--
	w.newline()
	w.buf.WriteByte('}')
	return nil
}

func (w *docWriter) array(items []any) error {
	if len(items) == 0 {
		w.buf.WriteString("[]")
		return nil
	}
	w.buf.WriteByte('[')
	w.depth++
	for i, item := range items {
		if i > 0 {
			w.buf.WriteByte(',')
			if w.compact {
				w.buf.WriteByte(' ')
			}
		}
		w.newline()
		if err := w.value(item); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	w.depth--
	w.newline()
	w.buf.WriteByte(']')
	return nil
}

func (w *docWriter) str(s string) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	w.buf.Write(bytes.TrimRight(b.Bytes(), "\n"))
}

// formatFloat renders a float the way Python's repr does, so integral
// floats keep their ".0".
func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%v is not representable in JSON", f)
	}
	abs := math.Abs(f)
	if f == 0 || (abs >= 1e-4 && abs < 1e16) {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.ContainsRune(s, '.') {
			s += ".0"
		}
		return s, nil
	}
	return strconv.FormatFloat(f, 'e', -1, 64), nil
}
