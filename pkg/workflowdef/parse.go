package workflowdef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// maxNestingDepth bounds nested workflow documents, including file references.
const maxNestingDepth = 32

// parseConfig holds configuration for document loading.
type parseConfig struct {
	logger  *slog.Logger
	baseDir string
}

// ParseOption configures Parse, ParseYAML and ParseFile.
type ParseOption func(*parseConfig)

// WithParseLogger logs document loading at debug level.
func WithParseLogger(logger *slog.Logger) ParseOption {
	return func(c *parseConfig) {
		c.logger = logger
	}
}

// WithBaseDir sets the directory that relative workflow file references
// are resolved against. ParseFile sets it to the file's directory.
func WithBaseDir(dir string) ParseOption {
	return func(c *parseConfig) {
		c.baseDir = dir
	}
}

// Parse decodes and validates a JSON workflow document.
//
// Integer and float literals keep their type: 2 decodes as int64 and 2.0
// as float64. A null sourcePort becomes DefaultPort. Unknown fields of
// while nodes are kept in WhileNode.Extra; an unknown node type is a
// SchemaError. Every problem found is reported, joined into one error.
func Parse(data []byte, opts ...ParseOption) (*Workflow, error) {
	tree, err := decodeJSONTree(data)
	if err != nil {
		return nil, err
	}
	return parseTree(tree, opts)
}

// ParseYAML decodes and validates a workflow document written in YAML.
// The document structure is the same as for Parse.
func ParseYAML(data []byte, opts ...ParseOption) (*Workflow, error) {
	tree, err := decodeYAMLTree(data)
	if err != nil {
		return nil, err
	}
	return parseTree(tree, opts)
}

// ParseFile reads a workflow document from disk. Files ending in .yaml or
// .yml are read as YAML, everything else as JSON.
func ParseFile(path string, opts ...ParseOption) (*Workflow, error) {
	tree, err := readTree(path)
	if err != nil {
		return nil, err
	}
	opts = append([]ParseOption{WithBaseDir(filepath.Dir(path))}, opts...)
	return parseTree(tree, opts)
}

func parseTree(tree any, opts []ParseOption) (*Workflow, error) {
	cfg := parseConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &decoder{cfg: &cfg}
	wf := d.workflow(tree, "", d.cfg.baseDir, 0)
	if len(d.errs) > 0 {
		return nil, errors.Join(d.errs...)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if cfg.logger != nil {
		cfg.logger.Debug("workflow parsed",
			slog.String("version", wf.Version),
			slog.Int("nodes", len(wf.Nodes)),
			slog.Int("edges", len(wf.Edges)),
		)
	}
	return wf, nil
}

func readTree(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAMLTree(data)
	default:
		return decodeJSONTree(data)
	}
}

func decodeJSONTree(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, &SchemaError{NodeID: -1, Msg: "invalid JSON", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &SchemaError{NodeID: -1, Msg: "invalid JSON: trailing data after document"}
	}
	return expr.Normalize(tree), nil
}

func decodeYAMLTree(data []byte) (any, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &SchemaError{NodeID: -1, Msg: "invalid YAML", Err: err}
	}
	tree, err := yamlValue(&root)
	if err != nil {
		return nil, &SchemaError{NodeID: -1, Msg: "invalid YAML", Err: err}
	}
	return tree, nil
}

// yamlValue converts a YAML node into the portable value model, keeping
// the int/float distinction of the YAML tags.
func yamlValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return yamlValue(n.Content[0])
	case yaml.AliasNode:
		return yamlValue(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, len(n.Content))
		for i, c := range n.Content {
			v, err := yamlValue(c)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			if key.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be strings", key.Line)
			}
			v, err := yamlValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[key.Value] = v
		}
		return out, nil
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!null":
			return nil, nil
		case "!!bool":
			var b bool
			err := n.Decode(&b)
			return b, err
		case "!!int":
			var i int64
			err := n.Decode(&i)
			return i, err
		case "!!float":
			var f float64
			err := n.Decode(&f)
			return f, err
		default:
			return n.Value, nil
		}
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}

// decoder turns a generic value tree into a Workflow, collecting shape errors.
type decoder struct {
	cfg  *parseConfig
	errs []error
}

func (d *decoder) fail(path string, nodeID int, field, format string, args ...any) {
	err := schemaErrorf(nodeID, field, format, args...)
	err.Path = path
	d.errs = append(d.errs, err)
}

func (d *decoder) workflow(tree any, path, baseDir string, depth int) *Workflow {
	wf := &Workflow{}
	if depth > maxNestingDepth {
		d.fail(path, -1, "", "workflows nested deeper than %d levels", maxNestingDepth)
		return wf
	}
	doc, ok := tree.(map[string]any)
	if !ok {
		d.fail(path, -1, "", "document must be an object, got %s", expr.TypeName(tree))
		return wf
	}

	if v, ok := doc["version"].(string); ok {
		wf.Version = v
	} else {
		d.fail(path, -1, "version", "required string")
	}

	nodes, ok := doc["nodes"].([]any)
	if !ok {
		d.fail(path, -1, "nodes", "required array")
	}
	for i, raw := range nodes {
		if n := d.node(raw, i, path, baseDir, depth); n != nil {
			wf.Nodes = append(wf.Nodes, n)
		}
	}

	edges, ok := doc["edges"].([]any)
	if !ok {
		d.fail(path, -1, "edges", "required array")
	}
	for i, raw := range edges {
		if e, ok := d.edge(raw, i, path); ok {
			wf.Edges = append(wf.Edges, e)
		}
	}
	return wf
}

func (d *decoder) node(raw any, index int, path, baseDir string, depth int) Node {
	field := fmt.Sprintf("nodes[%d]", index)
	obj, ok := raw.(map[string]any)
	if !ok {
		d.fail(path, -1, field, "node must be an object, got %s", expr.TypeName(raw))
		return nil
	}
	id, ok := asID(obj["id"])
	if !ok {
		d.fail(path, -1, field+".id", "required integer")
		return nil
	}
	kind, _ := obj["type"].(string)

	switch Kind(kind) {
	case KindInput:
		n := &InputNode{ID: id, Value: obj["value"]}
		switch name := obj["name"].(type) {
		case nil:
		case string:
			n.Name = name
		default:
			d.fail(path, id, "name", "must be a string")
		}
		return n
	case KindOutput:
		name, ok := obj["name"].(string)
		if !ok {
			d.fail(path, id, "name", "required string")
		}
		return &OutputNode{ID: id, Name: name}
	case KindFunction:
		value, ok := obj["value"].(string)
		if !ok {
			d.fail(path, id, "value", "required string")
		}
		return &FunctionNode{ID: id, Value: value}
	case KindWhile:
		return d.while(obj, id, path, baseDir, depth)
	case KindWorkflow:
		n := &WorkflowNode{ID: id}
		n.Workflow, n.Source = d.nested(obj["value"], id, "value", path, baseDir, depth)
		return n
	case "":
		d.fail(path, id, "type", "required string")
	default:
		d.fail(path, id, "type", "unknown node type %q", kind)
	}
	return nil
}

var whileFields = map[string]bool{
	"id": true, "type": true,
	"conditionFunction": true, "conditionExpression": true, "conditionWorkflow": true,
	"bodyFunction": true, "bodyWorkflow": true,
	"contextVars": true, "inputPorts": true, "outputPorts": true,
	"maxIterations": true, "stateMapping": true,
}

func (d *decoder) while(obj map[string]any, id int, path, baseDir string, depth int) *WhileNode {
	n := &WhileNode{ID: id}
	n.ConditionFunction = d.optString(obj, "conditionFunction", id, path)
	n.ConditionExpression = d.optString(obj, "conditionExpression", id, path)
	n.BodyFunction = d.optString(obj, "bodyFunction", id, path)
	if raw := obj["conditionWorkflow"]; raw != nil {
		n.ConditionWorkflow, _ = d.nested(raw, id, "conditionWorkflow", path, baseDir, depth)
	}
	if raw := obj["bodyWorkflow"]; raw != nil {
		n.BodyWorkflow, _ = d.nested(raw, id, "bodyWorkflow", path, baseDir, depth)
	}

	if raw := obj["contextVars"]; raw != nil {
		n.ContextVars = d.stringList(raw, id, "contextVars", path)
	}
	if raw := obj["inputPorts"]; raw != nil {
		ports, ok := raw.(map[string]any)
		if !ok {
			d.fail(path, id, "inputPorts", "must be an object")
		}
		n.InputPorts = ports
	}
	if raw := obj["outputPorts"]; raw != nil {
		n.OutputPorts = d.stringMap(raw, id, "outputPorts", path, true)
	}
	if raw := obj["stateMapping"]; raw != nil {
		n.StateMapping = d.stringMap(raw, id, "stateMapping", path, false)
	}
	if raw := obj["maxIterations"]; raw != nil {
		max, ok := asID(raw)
		if !ok || max < 1 {
			d.fail(path, id, "maxIterations", "must be a positive integer")
		}
		n.MaxIterations = max
	}

	for k, v := range obj {
		if whileFields[k] {
			continue
		}
		if n.Extra == nil {
			n.Extra = make(map[string]any)
		}
		n.Extra[k] = v
	}
	return n
}

// nested decodes an inline workflow object or a workflow file reference.
func (d *decoder) nested(raw any, id int, field, path, baseDir string, depth int) (*Workflow, string) {
	childPath := nestedPath(path, id, field)
	switch v := raw.(type) {
	case map[string]any:
		return d.workflow(v, childPath, baseDir, depth+1), ""
	case string:
		if baseDir == "" && !filepath.IsAbs(v) {
			d.fail(path, id, field, "relative workflow reference %q needs ParseFile or WithBaseDir", v)
			return nil, v
		}
		file := v
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		tree, err := readTree(file)
		if err != nil {
			d.errs = append(d.errs, &SchemaError{Path: path, NodeID: id, Field: field, Msg: "cannot load workflow reference", Err: err})
			return nil, v
		}
		if d.cfg.logger != nil {
			d.cfg.logger.Debug("loading nested workflow", slog.Int("node_id", id), slog.String("file", file))
		}
		return d.workflow(tree, childPath, filepath.Dir(file), depth+1), v
	default:
		d.fail(path, id, field, "must be a workflow object or file reference")
		return nil, ""
	}
}

func (d *decoder) edge(raw any, index int, path string) (Edge, bool) {
	field := fmt.Sprintf("edges[%d]", index)
	obj, ok := raw.(map[string]any)
	if !ok {
		d.fail(path, -1, field, "edge must be an object, got %s", expr.TypeName(raw))
		return Edge{}, false
	}
	e := Edge{SourcePort: DefaultPort}
	valid := true

	if e.Source, ok = asID(obj["source"]); !ok {
		d.fail(path, -1, field+".source", "required integer")
		valid = false
	}
	if e.Target, ok = asID(obj["target"]); !ok {
		d.fail(path, -1, field+".target", "required integer")
		valid = false
	}
	switch port := obj["sourcePort"].(type) {
	case nil:
	case string:
		if port == DefaultPort {
			d.fail(path, -1, field+".sourcePort", "%q is reserved; use null for the default port", DefaultPort)
			valid = false
		}
		e.SourcePort = port
	default:
		d.fail(path, -1, field+".sourcePort", "must be a string or null")
		valid = false
	}
	switch port := obj["targetPort"].(type) {
	case nil:
	case string:
		e.TargetPort = port
	default:
		d.fail(path, -1, field+".targetPort", "must be a string or null")
		valid = false
	}
	return e, valid
}

func (d *decoder) optString(obj map[string]any, key string, id int, path string) string {
	switch v := obj[key].(type) {
	case nil:
		return ""
	case string:
		if v == "" {
			d.fail(path, id, key, "must not be empty")
		}
		return v
	default:
		d.fail(path, id, key, "must be a string")
		return ""
	}
}

func (d *decoder) stringList(raw any, id int, key, path string) []string {
	items, ok := raw.([]any)
	if !ok {
		d.fail(path, id, key, "must be an array of strings")
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			d.fail(path, id, key, "must be an array of strings")
			return nil
		}
		out = append(out, s)
	}
	return out
}

// stringMap decodes an object of strings. With allowNull a null value is
// kept as an empty string.
func (d *decoder) stringMap(raw any, id int, key, path string, allowNull bool) map[string]string {
	obj, ok := raw.(map[string]any)
	if !ok {
		d.fail(path, id, key, "must be an object")
		return nil
	}
	out := make(map[string]string, len(obj))
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			out[k] = v
		case nil:
			if !allowNull {
				d.fail(path, id, key+"."+k, "must be a string")
			}
			out[k] = ""
		default:
			d.fail(path, id, key+"."+k, "must be a string")
		}
	}
	return out
}

// asID accepts an integral number as a node id.
func asID(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n == math.Trunc(n) && math.Abs(n) <= math.MaxInt32 {
			return int(n), true
		}
	}
	return 0, false
}
