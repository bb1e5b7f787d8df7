package graph

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/camrelay/internal/util"
)

// ProbeResult tells a link what to do with the frame a probe inspected.
type ProbeResult int

const (
	// ProbePass lets the frame through and keeps the probe.
	ProbePass ProbeResult = iota
	// ProbeDrop discards the frame and keeps the probe.
	ProbeDrop
	// ProbeRemove lets the frame through and uninstalls the probe.
	ProbeRemove
)

// Probe inspects frames entering a link.
type Probe func(f Frame) ProbeResult

// Link connects one producer node to one consumer node. Delivery holds mu
// for the whole push, so taking mu from outside proves no frame is in flight
// on this link.
type Link struct {
	from *Node
	to   *Node
	slot string

	// queue is the consumer branch's input; nil for synchronous targets.
	queue chan event
	leaky bool

	mu       sync.Mutex
	unlinked bool

	probe     atomic.Pointer[Probe]
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newLink(from, to *Node, slot string) *Link {
	l := &Link{from: from, to: to, slot: slot}
	if to.kind == KindBranch {
		l.queue = to.branch.queue
		l.leaky = to.branch.leaky
	}
	return l
}

func (l *Link) From() *Node  { return l.from }
func (l *Link) To() *Node    { return l.to }
func (l *Link) Slot() string { return l.slot }

// Delivered counts frames handed to the consumer.
func (l *Link) Delivered() uint64 { return l.delivered.Load() }

// Dropped counts frames discarded by a probe or a full leaky queue.
func (l *Link) Dropped() uint64 { return l.dropped.Load() }

// SetProbe installs p, replacing any previous probe. A nil p removes it.
func (l *Link) SetProbe(p Probe) {
	if p == nil {
		l.probe.Store(nil)
		return
	}
	l.probe.Store(&p)
}

// quiesce waits for any in-flight push and marks the link dead so stale
// delivery snapshots cannot use it again.
func (l *Link) quiesce() {
	l.mu.Lock()
	l.unlinked = true
	l.mu.Unlock()
}

func (l *Link) push(ctx context.Context, g *Graph, f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unlinked {
		return
	}
	if pp := l.probe.Load(); pp != nil {
		switch (*pp)(f) {
		case ProbeDrop:
			l.dropped.Add(1)
			return
		case ProbeRemove:
			l.probe.CompareAndSwap(pp, nil)
		}
	}

	switch l.to.kind {
	case KindBranch:
		ev := event{frame: f}
		if l.leaky {
			select {
			case l.queue <- ev:
			default:
				l.dropped.Add(1)
				return
			}
		} else {
			select {
			case l.queue <- ev:
			case <-ctx.Done():
				return
			}
		}
	case KindFilter:
		out, ok := l.to.filter.Process(f)
		if !ok {
			l.dropped.Add(1)
			return
		}
		g.deliver(ctx, l.to, out)
	case KindSplitter:
		g.deliver(ctx, l.to, f)
	case KindSink:
		if err := l.to.sink.Consume(f); err != nil {
			util.GetLogger().Warn("Sink rejected frame", "graph", g.name, "sink", l.to.name, "seq", f.Seq, "error", err)
		}
	}
	l.delivered.Add(1)
}
