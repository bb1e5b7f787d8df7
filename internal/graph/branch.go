package graph

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/camrelay/internal/util"
)

// BranchState is the lifecycle position of a branch.
type BranchState int32

const (
	BranchDetached BranchState = iota
	BranchAttaching
	BranchLinked
	BranchDraining
	BranchReleased
)

func (s BranchState) String() string {
	switch s {
	case BranchDetached:
		return "detached"
	case BranchAttaching:
		return "attaching"
	case BranchLinked:
		return "linked"
	case BranchDraining:
		return "draining"
	case BranchReleased:
		return "released"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// DefaultQueueSize is the capacity of a branch input queue.
const DefaultQueueSize = 8

// Branch is a consumer subgraph: an input queue, optional filters and a
// terminal sink, run on its own goroutine.
type Branch struct {
	id      string
	input   *Node
	filters []*Node
	sink    *Node

	queue chan event
	leaky bool

	state    atomic.Int32
	removing atomic.Bool
	received atomic.Uint64

	mu       sync.Mutex
	link     *Link
	splitter *Splitter
	graph    *Graph

	running atomic.Bool
	eosAck  chan struct{}
}

// BranchOption configures a Branch.
type BranchOption func(*Branch)

// WithFilters runs fs in order before the sink.
func WithFilters(fs ...Filter) BranchOption {
	return func(b *Branch) {
		for _, f := range fs {
			n := NewFilterNode(b.id+".filter"+strconv.Itoa(len(b.filters)), f)
			b.filters = append(b.filters, n)
		}
	}
}

// WithQueueSize sets the input queue capacity.
func WithQueueSize(n int) BranchOption {
	return func(b *Branch) {
		if n > 0 {
			b.queue = make(chan event, n)
		}
	}
}

// WithLeaky drops frames when the queue is full instead of blocking the
// splitter.
func WithLeaky() BranchOption {
	return func(b *Branch) { b.leaky = true }
}

// NewBranch creates a detached branch named id ending in sink.
func NewBranch(id string, sink Sink, opts ...BranchOption) *Branch {
	b := &Branch{
		id:     id,
		queue:  make(chan event, DefaultQueueSize),
		eosAck: make(chan struct{}),
	}
	b.input = &Node{name: id + ".queue", kind: KindBranch, branch: b}
	b.sink = &Node{name: id + ".sink", kind: KindSink, sink: sink}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Branch) ID() string { return b.id }

// State returns the current lifecycle state.
func (b *Branch) State() BranchState { return BranchState(b.state.Load()) }

// Received counts frames handed to the sink.
func (b *Branch) Received() uint64 { return b.received.Load() }

// Removing reports whether a detach has started and not yet finished.
func (b *Branch) Removing() bool { return b.removing.Load() }

// Input returns the branch root node.
func (b *Branch) Input() *Node { return b.input }

// Splitter returns the splitter the branch is linked to, or nil.
func (b *Branch) Splitter() *Splitter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.splitter
}

// Link returns the current splitter link, or nil.
func (b *Branch) Link() *Link {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link
}

// Done is closed once the sink has acknowledged end-of-stream.
func (b *Branch) Done() <-chan struct{} { return b.eosAck }

func (b *Branch) nodes() []*Node {
	ns := make([]*Node, 0, len(b.filters)+2)
	ns = append(ns, b.input)
	ns = append(ns, b.filters...)
	return append(ns, b.sink)
}

func (b *Branch) casState(from, to BranchState) bool {
	return b.state.CompareAndSwap(int32(from), int32(to))
}

func (b *Branch) setState(s BranchState) { b.state.Store(int32(s)) }

func (b *Branch) start() {
	if b.running.CompareAndSwap(false, true) {
		go b.run()
	}
}

func (b *Branch) run() {
	logger := util.GetLogger().With("branch", b.id)
	defer close(b.eosAck)
	for ev := range b.queue {
		if ev.eos {
			if err := b.sink.sink.Close(); err != nil {
				logger.Warn("Failed to close branch sink", "error", err)
			}
			logger.Debug("Branch drained", "frames", b.received.Load())
			return
		}
		f, ok := ev.frame, true
		for _, fn := range b.filters {
			if f, ok = fn.filter.Process(f); !ok {
				break
			}
		}
		if !ok {
			continue
		}
		b.received.Add(1)
		if err := b.sink.sink.Consume(f); err != nil {
			logger.Warn("Sink rejected frame", "seq", f.Seq, "error", err)
		}
	}
}
