package workflowdef

import (
	"sort"
	"sync"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// ResolvePort extracts the value an edge delivers from a producer's result.
//
// The default port delivers the whole result unchanged, mappings included.
// A named port delivers result[port]; a result that is not a mapping or
// lacks the key yields a *MissingPortError.
func ResolvePort(nodeID int, result any, port string) (any, error) {
	if port == DefaultPort {
		return result, nil
	}
	m, ok := result.(map[string]any)
	if !ok {
		m, ok = expr.Normalize(result).(map[string]any)
	}
	if !ok {
		return nil, &MissingPortError{NodeID: nodeID, Port: port, Got: expr.TypeName(result)}
	}
	v, found := m[port]
	if !found {
		return nil, &MissingPortError{NodeID: nodeID, Port: port, Got: "dict"}
	}
	return v, nil
}

// ObservedPorts returns, per source node, the distinct named ports its
// outgoing edges read. The default port is not listed.
func ObservedPorts(edges []Edge) map[int][]string {
	sets := make(map[int]map[string]bool)
	for _, e := range edges {
		if e.IsDefault() {
			continue
		}
		if sets[e.Source] == nil {
			sets[e.Source] = make(map[string]bool)
		}
		sets[e.Source][e.SourcePort] = true
	}
	out := make(map[int][]string, len(sets))
	for id, set := range sets {
		ports := make([]string, 0, len(set))
		for p := range set {
			ports = append(ports, p)
		}
		sort.Strings(ports)
		out[id] = ports
	}
	return out
}

// MultiOutput returns the ids of nodes read through more than one distinct
// source port, ascending. Those nodes must have each observed output
// registered before evaluation.
func MultiOutput(edges []Edge) []int {
	sets := make(map[int]map[string]bool)
	for _, e := range edges {
		if sets[e.Source] == nil {
			sets[e.Source] = make(map[string]bool)
		}
		sets[e.Source][e.SourcePort] = true
	}
	var out []int
	for id, set := range sets {
		if len(set) > 1 {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// PortSet records output port registrations per node. Registering the
// same port twice is a no-op. It is safe for concurrent use.
type PortSet struct {
	mu    sync.Mutex
	ports map[int]map[string]bool
}

// NewPortSet creates an empty PortSet.
func NewPortSet() *PortSet {
	return &PortSet{ports: make(map[int]map[string]bool)}
}

// Register records port on nodeID and reports whether it was new.
func (s *PortSet) Register(nodeID int, port string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.ports[nodeID]
	if !ok {
		set = make(map[string]bool)
		s.ports[nodeID] = set
	}
	if set[port] {
		return false
	}
	set[port] = true
	return true
}

// Has reports whether port is registered on nodeID.
func (s *PortSet) Has(nodeID int, port string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[nodeID][port]
}

// Ports returns the ports registered on nodeID in sorted order.
func (s *PortSet) Ports(nodeID int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ports[nodeID]))
	for p := range s.ports[nodeID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
