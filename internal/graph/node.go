package graph

import (
	"strconv"
	"sync"
)

// Kind tags what a node does.
type Kind int

const (
	KindSource Kind = iota
	KindFilter
	KindSplitter
	KindBranch
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindFilter:
		return "filter"
	case KindSplitter:
		return "splitter"
	case KindBranch:
		return "branch"
	case KindSink:
		return "sink"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Node is one element of a graph. Exactly one of the payload fields is set,
// matching kind.
type Node struct {
	name string
	kind Kind

	source   Source
	filter   Filter
	splitter *Splitter
	branch   *Branch
	sink     Sink

	mu      sync.Mutex
	graph   *Graph
	outputs []*Link
}

// NewSourceNode wraps src as the head of a graph.
func NewSourceNode(name string, src Source) *Node {
	return &Node{name: name, kind: KindSource, source: src}
}

// NewFilterNode wraps f for use on the delivery path.
func NewFilterNode(name string, f Filter) *Node {
	return &Node{name: name, kind: KindFilter, filter: f}
}

// NewSinkNode wraps s. Sinks linked directly on the delivery path consume on
// the delivery goroutine.
func NewSinkNode(name string, s Sink) *Node {
	return &Node{name: name, kind: KindSink, sink: s}
}

func (n *Node) Name() string { return n.name }
func (n *Node) Kind() Kind   { return n.kind }

// Splitter returns the splitter payload, or nil for other kinds.
func (n *Node) Splitter() *Splitter { return n.splitter }

// Graph returns the graph the node belongs to, or nil.
func (n *Node) Graph() *Graph {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.graph
}

// HasOutputs reports whether the node can feed other nodes.
func (n *Node) HasOutputs() bool {
	switch n.kind {
	case KindSource, KindFilter, KindSplitter:
		return true
	}
	return false
}

// IsAttachable reports whether branches may be attached to the node at run time.
func (n *Node) IsAttachable() bool {
	return n.kind == KindSplitter
}

// AcceptsInput reports whether the node can be the target of a link.
func (n *Node) AcceptsInput() bool {
	return n.kind != KindSource
}

func (n *Node) setGraph(g *Graph) {
	n.mu.Lock()
	n.graph = g
	n.mu.Unlock()
}

// links returns a copy of the node's outputs.
func (n *Node) links() []*Link {
	if n.kind == KindSplitter {
		return n.splitter.snapshot()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Link(nil), n.outputs...)
}
