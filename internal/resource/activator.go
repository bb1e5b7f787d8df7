package resource

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/util"
)

var (
	ErrUnknownResource = errors.New("unknown resource")
	ErrUnderflow       = errors.New("resource released more often than acquired")
)

// Commander sends one control command. *control.Client satisfies it.
type Commander interface {
	Do(ctx context.Context, cmd control.Command) (control.Reply, error)
}

// TransitionHook observes a resource going up or down. It runs with the
// activator lock held and must not call back into the activator.
type TransitionHook func(name string, up bool)

// Status describes one resource.
type Status struct {
	Name     string `json:"name"`
	RefCount int    `json:"refcount"`
	Active   bool   `json:"active"`
}

// Activator reference-counts named resources and powers them up on the first
// acquire and down on the last release. A single lock covers every name and is
// held across the remote command, so the commands reach the server in the same
// order as the transitions that caused them.
type Activator struct {
	cmd   Commander
	hooks []TransitionHook

	mu     sync.Mutex
	counts map[string]int
}

// Option configures an Activator.
type Option func(*Activator)

// WithTransitionHook registers fn to run after each successful 0→1 or 1→0
// transition.
func WithTransitionHook(fn TransitionHook) Option {
	return func(a *Activator) { a.hooks = append(a.hooks, fn) }
}

// New creates an activator for the given resource names, all starting inactive.
func New(cmd Commander, names []string, opts ...Option) *Activator {
	a := &Activator{cmd: cmd, counts: make(map[string]int, len(names))}
	for _, n := range names {
		a.counts[n] = 0
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire takes a reference on name, sending "<name> up" when it is the first.
// If the up command fails the count stays at zero.
func (a *Activator) Acquire(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.counts[name]
	if !ok {
		return errors.Wrapf(ErrUnknownResource, "%q", name)
	}
	if n == 0 {
		if err := a.send(ctx, control.Up(name)); err != nil {
			return errors.Wrapf(err, "failed to activate %s", name)
		}
		util.GetLogger().Info("Resource activated", "resource", name)
		a.counts[name] = 1
		a.notify(name, true)
		return nil
	}
	a.counts[name] = n + 1
	util.GetLogger().Debug("Resource acquired", "resource", name, "refcount", n+1)
	return nil
}

// Release drops a reference on name, sending "<name> down" when it was the
// last. A failed down command still leaves the resource recorded as inactive;
// the error is returned so the caller can report it.
func (a *Activator) Release(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.counts[name]
	if !ok {
		return errors.Wrapf(ErrUnknownResource, "%q", name)
	}
	if n == 0 {
		return errors.Wrapf(ErrUnderflow, "%q", name)
	}
	a.counts[name] = n - 1
	if n > 1 {
		util.GetLogger().Debug("Resource released", "resource", name, "refcount", n-1)
		return nil
	}
	err := a.send(ctx, control.Down(name))
	a.notify(name, false)
	if err != nil {
		util.GetLogger().Warn("Resource deactivation failed", "resource", name, "error", err)
		return errors.Wrapf(err, "failed to deactivate %s", name)
	}
	util.GetLogger().Info("Resource deactivated", "resource", name)
	return nil
}

func (a *Activator) send(ctx context.Context, cmd control.Command) error {
	reply, err := a.cmd.Do(ctx, cmd)
	if err != nil {
		return err
	}
	if !reply.OK() {
		// The server answers UNKNOWN for cameras it does not know about;
		// treat the reply as advisory and keep going.
		util.GetLogger().Warn("Unexpected control reply", "command", cmd.String(), "reply", string(reply))
	}
	return nil
}

func (a *Activator) notify(name string, up bool) {
	for _, h := range a.hooks {
		h(name, up)
	}
}

// RefCount returns the current count for name, or -1 if it is unknown.
func (a *Activator) RefCount(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.counts[name]
	if !ok {
		return -1
	}
	return n
}

// Active reports whether name currently holds at least one reference.
func (a *Activator) Active(name string) bool {
	return a.RefCount(name) > 0
}

// Names returns the known resource names in sorted order.
func (a *Activator) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.counts))
	for n := range a.counts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the status of every resource, sorted by name.
func (a *Activator) Snapshot() []Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Status, 0, len(a.counts))
	for n, c := range a.counts {
		out = append(out, Status{Name: n, RefCount: c, Active: c > 0})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown forces every active resource down regardless of its count. The
// first error is returned after all resources have been tried.
func (a *Activator) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.counts))
	for n, c := range a.counts {
		if c > 0 {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	var first error
	for _, n := range names {
		a.counts[n] = 0
		err := a.send(ctx, control.Down(n))
		a.notify(n, false)
		if err != nil && first == nil {
			first = errors.Wrapf(err, "failed to deactivate %s", n)
		}
	}
	return first
}
