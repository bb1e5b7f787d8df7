package graph

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"

	"github.com/babelcloud/camrelay/internal/util"
)

// Engine attaches and detaches branches on running splitters. Membership
// changes on one splitter are serialized; waiting for a branch to drain
// happens outside that lock, so operations on sibling branches do not wait
// for each other.
type Engine struct {
	locks keymutex.KeyMutex
}

// NewEngine creates an engine. Splitter keys hash onto a fixed lock pool.
func NewEngine() *Engine {
	return &Engine{locks: keymutex.NewHashed(0)}
}

func (e *Engine) lock(s *Splitter) func() {
	key := s.key()
	e.locks.LockKey(key)
	return func() { _ = e.locks.UnlockKey(key) }
}

// Attach links b to the next free output of s and starts it. On failure
// nothing that was added stays behind.
func (e *Engine) Attach(ctx context.Context, s *Splitter, b *Branch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.casState(BranchDetached, BranchAttaching) {
		return stateError(b, "attach")
	}
	if err := e.attach(s, b); err != nil {
		b.setState(BranchDetached)
		return err
	}
	return nil
}

// attach expects b in BranchAttaching and leaves it Linked on success.
func (e *Engine) attach(s *Splitter, b *Branch) error {
	unlock := e.lock(s)
	defer unlock()

	g := s.node.Graph()
	if g == nil {
		return errors.Wrapf(ErrTopology, "splitter %s is not in a graph", s.Name())
	}
	if err := g.addNodes(b.nodes()...); err != nil {
		return errors.Wrapf(err, "failed to attach branch %s", b.id)
	}
	l, err := s.link(b.input)
	if err != nil {
		g.removeNodes(b.nodes()...)
		return errors.Wrapf(err, "failed to attach branch %s to %s", b.id, s.Name())
	}

	b.mu.Lock()
	b.link, b.splitter, b.graph = l, s, g
	b.mu.Unlock()
	b.start()
	b.setState(BranchLinked)
	util.GetLogger().Debug("Branch attached", "branch", b.id, "graph", g.name, "splitter", s.Name(), "slot", l.slot)
	return nil
}

// unlink takes b off its splitter: it raises the removing flag, installs a
// probe that drops frames while the flag is up, waits for the in-flight push
// to finish and removes the link. The flag is left set.
func (e *Engine) unlink(b *Branch) {
	b.mu.Lock()
	l, s := b.link, b.splitter
	b.mu.Unlock()
	if l == nil || s == nil {
		return
	}

	unlock := e.lock(s)
	defer unlock()

	b.removing.Store(true)
	l.SetProbe(func(Frame) ProbeResult {
		if b.removing.Load() {
			return ProbeDrop
		}
		return ProbeRemove
	})
	l.quiesce()
	s.unlink(l)

	b.mu.Lock()
	b.link, b.splitter = nil, nil
	b.mu.Unlock()
}

// Detach removes b for good: unlink, push end-of-stream, wait for the sink to
// acknowledge it, then remove the branch nodes. Once Detach returns no frame
// reaches the sink. If ctx ends first the error is returned and cleanup
// finishes in the background.
func (e *Engine) Detach(ctx context.Context, b *Branch) error {
	if !b.casState(BranchLinked, BranchDraining) && !b.casState(BranchDetached, BranchDraining) {
		return stateError(b, "detach")
	}
	e.unlink(b)
	return drainDetached(ctx, b)
}

// drain is used by graph teardown, which holds no engine.
func drain(ctx context.Context, b *Branch) error {
	if !b.casState(BranchLinked, BranchDraining) && !b.casState(BranchDetached, BranchDraining) {
		return nil
	}
	b.mu.Lock()
	l, s := b.link, b.splitter
	b.link, b.splitter = nil, nil
	b.mu.Unlock()
	b.removing.Store(true)
	if l != nil {
		l.quiesce()
		s.unlink(l)
	}
	return drainDetached(ctx, b)
}

func drainDetached(ctx context.Context, b *Branch) error {
	b.start()
	select {
	case b.queue <- event{eos: true}:
	case <-ctx.Done():
		go finishDrain(b, true)
		return errors.Wrapf(ctx.Err(), "branch %s did not accept end-of-stream", b.id)
	}
	select {
	case <-b.eosAck:
	case <-ctx.Done():
		go finishDrain(b, false)
		return errors.Wrapf(ctx.Err(), "branch %s did not drain", b.id)
	}
	release(b)
	return nil
}

func finishDrain(b *Branch, sendEOS bool) {
	if sendEOS {
		b.queue <- event{eos: true}
	}
	<-b.eosAck
	release(b)
}

func release(b *Branch) {
	b.removing.Store(false)
	b.mu.Lock()
	g := b.graph
	b.graph = nil
	b.mu.Unlock()
	if g != nil {
		g.removeNodes(b.nodes()...)
	}
	b.setState(BranchReleased)
	util.GetLogger().Debug("Branch released", "branch", b.id, "frames", b.received.Load())
}

// Switch moves b from one splitter to another without closing its sink. The
// branch is briefly on neither splitter. If attaching to to fails, b is put
// back on from.
func (e *Engine) Switch(ctx context.Context, from, to *Splitter, b *Branch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if !b.casState(BranchLinked, BranchAttaching) {
		return stateError(b, "switch")
	}
	if cur := b.Splitter(); cur != from {
		b.setState(BranchLinked)
		return errors.Wrapf(ErrTopology, "branch %s is not attached to %s", b.id, from.Name())
	}

	e.unlink(b)
	b.removing.Store(false)
	b.mu.Lock()
	old := b.graph
	b.graph = nil
	b.mu.Unlock()
	if old != nil {
		old.removeNodes(b.nodes()...)
	}

	err := e.attach(to, b)
	if err == nil {
		return nil
	}
	if rerr := e.attach(from, b); rerr != nil {
		util.GetLogger().Error("Failed to restore branch after switch", "branch", b.id, "error", rerr)
		b.setState(BranchDetached)
	}
	return err
}

func stateError(b *Branch, op string) error {
	switch st := b.State(); st {
	case BranchDraining:
		return errors.Wrapf(ErrDetachInProgress, "cannot %s branch %s", op, b.id)
	case BranchReleased:
		return errors.Wrapf(ErrBranchReleased, "cannot %s branch %s", op, b.id)
	default:
		return errors.Wrapf(ErrTopology, "cannot %s branch %s in state %s", op, b.id, st)
	}
}
