package graph

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/util"
)

// State is the run state of a graph.
type State int

const (
	StateStopped State = iota
	StatePaused
	StatePlaying
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	case StateTornDown:
		return "torn-down"
	}
	return "unknown"
}

// Graph owns a set of named nodes and one delivery goroutine that pulls from
// the source and pushes each frame through the synchronous part of the graph.
type Graph struct {
	name     string
	interval time.Duration
	backoff  time.Duration

	mu     sync.Mutex
	nodes  map[string]*Node
	source *Node
	state  State
	wake   chan struct{}
	seq    uint64
	pulls  uint64
	errs   uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Graph.
type Option func(*Graph)

// WithInterval paces source pulls to one per d. Zero pulls back to back.
func WithInterval(d time.Duration) Option {
	return func(g *Graph) { g.interval = d }
}

// WithErrorBackoff sets how long delivery waits after a failed pull.
func WithErrorBackoff(d time.Duration) Option {
	return func(g *Graph) {
		if d > 0 {
			g.backoff = d
		}
	}
}

// New creates an empty stopped graph.
func New(name string, opts ...Option) *Graph {
	g := &Graph{
		name:    name,
		backoff: 200 * time.Millisecond,
		nodes:   make(map[string]*Node),
		wake:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) Name() string { return g.name }

// State returns the current run state.
func (g *Graph) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Seq returns the sequence number of the last pulled frame.
func (g *Graph) Seq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Node returns the node called name, or nil.
func (g *Graph) Node(name string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[name]
}

// AddNode adds n. Names must be unique and a graph has at most one source.
func (g *Graph) AddNode(n *Node) error {
	return g.addNodes(n)
}

// addNodes adds all of ns or none of them.
func (g *Graph) addNodes(ns ...*Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateTornDown {
		return ErrTornDown
	}
	seen := make(map[string]bool, len(ns))
	for _, n := range ns {
		if _, ok := g.nodes[n.name]; ok || seen[n.name] {
			return errors.Wrapf(ErrTopology, "node %q already exists in graph %s", n.name, g.name)
		}
		if other := n.Graph(); other != nil {
			return errors.Wrapf(ErrTopology, "node %q belongs to graph %s", n.name, other.name)
		}
		if n.kind == KindSource && g.source != nil {
			return errors.Wrapf(ErrTopology, "graph %s already has source %q", g.name, g.source.name)
		}
		seen[n.name] = true
	}
	for _, n := range ns {
		g.nodes[n.name] = n
		n.setGraph(g)
		if n.kind == KindSource {
			g.source = n
		}
	}
	return nil
}

// RemoveNode removes the named node. Nodes that still feed links cannot be
// removed.
func (g *Graph) RemoveNode(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	if !ok {
		return errors.Wrapf(ErrTopology, "no node %q in graph %s", name, g.name)
	}
	if n == g.source && g.state == StatePlaying {
		return errors.Wrapf(ErrTopology, "cannot remove source of playing graph %s", g.name)
	}
	if len(n.links()) > 0 {
		return errors.Wrapf(ErrTopology, "node %q still has outputs", name)
	}
	g.removeLocked(n)
	return nil
}

func (g *Graph) removeNodes(ns ...*Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range ns {
		if g.nodes[n.name] == n {
			g.removeLocked(n)
		}
	}
}

func (g *Graph) removeLocked(n *Node) {
	delete(g.nodes, n.name)
	n.setGraph(nil)
	if g.source == n {
		g.source = nil
	}
}

// Link connects from to to on the delivery path. Branches are attached
// through an Engine instead.
func (g *Graph) Link(from, to *Node) (*Link, error) {
	if from.Graph() != g || to.Graph() != g {
		return nil, errors.Wrapf(ErrTopology, "link %s -> %s crosses graphs", from.name, to.name)
	}
	if !from.HasOutputs() || !to.AcceptsInput() {
		return nil, errors.Wrapf(ErrTopology, "cannot link %s %s to %s %s", from.kind, from.name, to.kind, to.name)
	}
	if to.kind == KindBranch {
		return nil, errors.Wrapf(ErrTopology, "branch %s must be attached, not linked", to.name)
	}
	if from.kind == KindSplitter {
		return from.splitter.link(to)
	}

	from.mu.Lock()
	defer from.mu.Unlock()
	if len(from.outputs) > 0 {
		return nil, errors.Wrapf(ErrTopology, "%s %s already has an output", from.kind, from.name)
	}
	l := newLink(from, to, "src")
	from.outputs = append(from.outputs, l)
	return l, nil
}

// Unlink removes l from its producer once no frame is in flight on it.
func (g *Graph) Unlink(l *Link) {
	l.quiesce()
	if l.from.kind == KindSplitter {
		l.from.splitter.unlink(l)
		return
	}
	l.from.mu.Lock()
	defer l.from.mu.Unlock()
	for i, o := range l.from.outputs {
		if o == l {
			l.from.outputs = append(l.from.outputs[:i:i], l.from.outputs[i+1:]...)
			break
		}
	}
}

// Play starts or resumes delivery. A graph without a source cannot play.
func (g *Graph) Play() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateTornDown:
		return ErrTornDown
	case StatePlaying:
		return nil
	}
	if g.source == nil {
		return errors.Wrapf(ErrNoSource, "graph %s", g.name)
	}
	if g.done == nil {
		g.ctx, g.cancel = context.WithCancel(context.Background())
		g.done = make(chan struct{})
		go g.deliveryLoop(g.ctx, g.source)
	}
	g.state = StatePlaying
	close(g.wake)
	g.wake = make(chan struct{})
	util.GetLogger().Debug("Graph playing", "graph", g.name)
	return nil
}

// Pause stops pulling from the source after the current frame.
func (g *Graph) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StatePlaying {
		g.state = StatePaused
		util.GetLogger().Debug("Graph paused", "graph", g.name)
	}
}

// Teardown stops delivery, drains every branch still attached and closes a
// source that implements io.Closer. The graph cannot be used afterwards.
func (g *Graph) Teardown(ctx context.Context) error {
	g.mu.Lock()
	if g.state == StateTornDown {
		g.mu.Unlock()
		return nil
	}
	g.state = StateTornDown
	close(g.wake)
	cancel, done, src := g.cancel, g.done, g.source
	var branches []*Branch
	for _, n := range g.nodes {
		if n.kind == KindBranch {
			branches = append(branches, n.branch)
		}
	}
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "graph %s delivery did not stop", g.name)
		}
	}

	sort.Slice(branches, func(i, j int) bool { return branches[i].id < branches[j].id })
	var first error
	for _, b := range branches {
		if err := drain(ctx, b); err != nil && first == nil {
			first = err
		}
	}
	if src != nil {
		if c, ok := src.source.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = errors.Wrapf(err, "failed to close source of graph %s", g.name)
			}
		}
	}
	util.GetLogger().Debug("Graph torn down", "graph", g.name)
	return first
}

// Stats reports delivery counters.
type Stats struct {
	Name     string   `json:"name"`
	State    string   `json:"state"`
	Seq      uint64   `json:"seq"`
	Pulls    uint64   `json:"pulls"`
	Errors   uint64   `json:"errors"`
	Nodes    []string `json:"nodes"`
	Branches int      `json:"branches"`
}

func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Stats{Name: g.name, State: g.state.String(), Seq: g.seq, Pulls: g.pulls, Errors: g.errs}
	for name, n := range g.nodes {
		st.Nodes = append(st.Nodes, name)
		if n.kind == KindBranch {
			st.Branches++
		}
	}
	sort.Strings(st.Nodes)
	return st
}

func (g *Graph) waitPlaying(ctx context.Context) bool {
	for {
		g.mu.Lock()
		st, wake := g.state, g.wake
		g.mu.Unlock()
		switch st {
		case StatePlaying:
			return true
		case StateTornDown:
			return false
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return false
		}
	}
}

func (g *Graph) deliveryLoop(ctx context.Context, src *Node) {
	defer close(g.done)
	logger := util.GetLogger().With("graph", g.name)

	var ticker *time.Ticker
	if g.interval > 0 {
		ticker = time.NewTicker(g.interval)
		defer ticker.Stop()
	}

	failures := 0
	for g.waitPlaying(ctx) {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}

		f, err := src.source.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			g.mu.Lock()
			g.errs++
			g.mu.Unlock()
			// Log the first failure of a run and every 50th after that.
			if failures == 1 || failures%50 == 0 {
				logger.Warn("Source pull failed", "error", err, "failures", failures)
			}
			select {
			case <-time.After(g.backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if failures > 0 {
			logger.Info("Source recovered", "failures", failures)
			failures = 0
		}

		g.mu.Lock()
		g.seq++
		g.pulls++
		f.Seq = g.seq
		g.mu.Unlock()
		if f.Captured.IsZero() {
			f.Captured = time.Now()
		}
		g.deliver(ctx, src, f)
	}
}

// deliver pushes f to every output of n. Output sets are snapshotted so no
// topology lock is held while a push blocks.
func (g *Graph) deliver(ctx context.Context, n *Node, f Frame) {
	for _, l := range n.links() {
		l.push(ctx, g, f)
	}
}
