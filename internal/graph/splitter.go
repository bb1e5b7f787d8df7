package graph

import (
	"strconv"
	"sync"
)

// Splitter fans every input frame out to all of its outputs, in the order the
// outputs were attached.
type Splitter struct {
	node *Node
	max  int

	mu      sync.Mutex
	outputs []*Link
	next    int
}

// NewSplitterNode creates a splitter node allowing at most max outputs
// (unbounded when max <= 0).
func NewSplitterNode(name string, max int) *Node {
	n := &Node{name: name, kind: KindSplitter}
	n.splitter = &Splitter{node: n, max: max}
	return n
}

// Node returns the node wrapping the splitter.
func (s *Splitter) Node() *Node { return s.node }

// Name returns the splitter node's name.
func (s *Splitter) Name() string { return s.node.name }

// Len returns the number of attached outputs.
func (s *Splitter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outputs)
}

// Targets returns the names of the nodes fed by the splitter, in output order.
func (s *Splitter) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.outputs))
	for i, l := range s.outputs {
		names[i] = l.to.name
	}
	return names
}

func (s *Splitter) key() string {
	if g := s.node.Graph(); g != nil {
		return g.name + "/" + s.node.name
	}
	return s.node.name
}

// link creates a new output towards to on the next free slot.
func (s *Splitter) link(to *Node) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.max > 0 && len(s.outputs) >= s.max {
		return nil, ErrSplitterFull
	}
	l := newLink(s.node, to, "src_"+strconv.Itoa(s.next))
	s.next++
	s.outputs = append(s.outputs, l)
	return l, nil
}

func (s *Splitter) unlink(l *Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.outputs {
		if o == l {
			s.outputs = append(s.outputs[:i:i], s.outputs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Splitter) contains(l *Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outputs {
		if o == l {
			return true
		}
	}
	return false
}

// snapshot copies the output set so delivery never holds s.mu while pushing.
func (s *Splitter) snapshot() []*Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Link(nil), s.outputs...)
}
