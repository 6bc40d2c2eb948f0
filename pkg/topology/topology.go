package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrDuplicateNode = errors.New("duplicate node")
	ErrUnknownNode   = errors.New("unknown node")
	ErrUnreachable   = errors.New("node unreachable from any entry point")
)

// Node describes one node of a supervised execution graph
type Node struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	Description        string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type               string   `json:"type,omitempty" yaml:"type,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	InputKeys          []string `json:"input_keys,omitempty" yaml:"input_keys,omitempty"`
	OutputKeys         []string `json:"output_keys,omitempty" yaml:"output_keys,omitempty"`
	NullableOutputKeys []string `json:"nullable_output_keys,omitempty" yaml:"nullable_output_keys,omitempty"`
	ClientFacing       bool     `json:"client_facing,omitempty" yaml:"client_facing,omitempty"`
	MaxVisits          int      `json:"max_visits,omitempty" yaml:"max_visits,omitempty"` // 0 means unlimited
	SuccessCriteria    string   `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
}

func (n Node) clone() Node {
	n.Capabilities = append([]string(nil), n.Capabilities...)
	n.InputKeys = append([]string(nil), n.InputKeys...)
	n.OutputKeys = append([]string(nil), n.OutputKeys...)
	n.NullableOutputKeys = append([]string(nil), n.NullableOutputKeys...)
	return n
}

// Edge connects two nodes
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Builder assembles a topology before the host starts.
// It has a single writer and is not safe for concurrent use.
type Builder struct {
	nodes       []Node
	index       map[string]int
	edges       []Edge
	entryPoints map[string]string // entry name -> node id
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{
		index:       make(map[string]int),
		entryPoints: make(map[string]string),
	}
}

// AddNode appends a node without marking it reachable
func (b *Builder) AddNode(node Node) error {
	if node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if _, exists := b.index[node.ID]; exists {
		return fmt.Errorf("%s: %w", node.ID, ErrDuplicateNode)
	}
	b.index[node.ID] = len(b.nodes)
	b.nodes = append(b.nodes, node.clone())
	return nil
}

// Inject appends node and registers it as its own entry point so
// reachability validation accepts a node nothing else links to
func (b *Builder) Inject(node Node) error {
	if err := b.AddNode(node); err != nil {
		return err
	}
	b.entryPoints[node.ID] = node.ID
	return nil
}

// AddEdge links two nodes
func (b *Builder) AddEdge(from, to string) {
	b.edges = append(b.edges, Edge{From: from, To: to})
}

// SetEntryPoint maps an entry name to the node execution begins at
func (b *Builder) SetEntryPoint(name, nodeID string) {
	b.entryPoints[name] = nodeID
}

// HasNode reports whether a node with id has been added
func (b *Builder) HasNode(id string) bool {
	_, ok := b.index[id]
	return ok
}

// Len returns the number of nodes
func (b *Builder) Len() int {
	return len(b.nodes)
}

// Clone returns an independent copy, used to stage changes that may be discarded
func (b *Builder) Clone() *Builder {
	cp := NewBuilder()
	for _, n := range b.nodes {
		cp.index[n.ID] = len(cp.nodes)
		cp.nodes = append(cp.nodes, n.clone())
	}
	cp.edges = append([]Edge(nil), b.edges...)
	for k, v := range b.entryPoints {
		cp.entryPoints[k] = v
	}
	return cp
}

// Validate checks edges and entry points reference known nodes and that
// every node is reachable from some entry point
func (b *Builder) Validate() error {
	var errs []string

	adjacency := make(map[string][]string, len(b.nodes))
	for _, e := range b.edges {
		if !b.HasNode(e.From) || !b.HasNode(e.To) {
			errs = append(errs, fmt.Sprintf("edge %s->%s: %v", e.From, e.To, ErrUnknownNode))
			continue
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	var queue []string
	for name, id := range b.entryPoints {
		if !b.HasNode(id) {
			errs = append(errs, fmt.Sprintf("entry point %s -> %s: %v", name, id, ErrUnknownNode))
			continue
		}
		queue = append(queue, id)
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("invalid topology: %s", strings.Join(errs, "; "))
	}

	reached := make(map[string]bool, len(b.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		queue = append(queue, adjacency[id]...)
	}

	var unreachable []string
	for _, n := range b.nodes {
		if !reached[n.ID] {
			unreachable = append(unreachable, n.ID)
		}
	}
	if len(unreachable) > 0 {
		return fmt.Errorf("%w: %s", ErrUnreachable, strings.Join(unreachable, ", "))
	}
	return nil
}

// Snapshot validates the builder and returns an immutable topology
func (b *Builder) Snapshot() (*Topology, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	cp := b.Clone()
	return &Topology{
		nodes:       cp.nodes,
		index:       cp.index,
		edges:       cp.edges,
		entryPoints: cp.entryPoints,
	}, nil
}

// Topology is a validated, read-only graph consumed by the host at start
type Topology struct {
	nodes       []Node
	index       map[string]int
	edges       []Edge
	entryPoints map[string]string
}

// Node returns a copy of the node with id
func (t *Topology) Node(id string) (Node, bool) {
	i, ok := t.index[id]
	if !ok {
		return Node{}, false
	}
	return t.nodes[i].clone(), true
}

// Nodes returns copies of all nodes in insertion order
func (t *Topology) Nodes() []Node {
	out := make([]Node, len(t.nodes))
	for i, n := range t.nodes {
		out[i] = n.clone()
	}
	return out
}

// Edges returns a copy of the edges
func (t *Topology) Edges() []Edge {
	return append([]Edge(nil), t.edges...)
}

// EntryPoints returns a copy of the entry point index
func (t *Topology) EntryPoints() map[string]string {
	out := make(map[string]string, len(t.entryPoints))
	for k, v := range t.entryPoints {
		out[k] = v
	}
	return out
}
