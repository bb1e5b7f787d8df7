// Package bridge copies frames out of a shared memory region owned by another
// process, using the resource server's lock/release commands to keep the
// producer from writing mid-copy.
package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/graph"
	"github.com/babelcloud/camrelay/internal/shm"
	"github.com/babelcloud/camrelay/internal/util"
)

// ErrSourceDown is returned when the resource server reports the producer down.
var ErrSourceDown = errors.New("frame source is down")

// Opener opens a control session. *control.Client satisfies it.
type Opener interface {
	Open(ctx context.Context) (*control.Session, error)
}

// Bridge pulls whole frames from one region.
type Bridge struct {
	opener Opener
	region shm.Region
	name   string
	width  int
	height int

	dedup   bool
	poll    time.Duration
	lastSeq atomic.Uint64
	haveSeq atomic.Bool

	locks    atomic.Uint64
	releases atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDedup makes Pull wait, polling every interval, until the producer has
// published a frame newer than the last one returned.
func WithDedup(interval time.Duration) Option {
	return func(b *Bridge) {
		b.dedup = true
		b.poll = interval
		if b.poll <= 0 {
			b.poll = 5 * time.Millisecond
		}
	}
}

// WithLockName overrides the buffer name sent in lock commands. It defaults
// to the region name.
func WithLockName(name string) Option {
	return func(b *Bridge) { b.name = name }
}

// New creates a bridge for a width x height RGBA region.
func New(opener Opener, region shm.Region, width, height int, opts ...Option) (*Bridge, error) {
	size := width * height * graph.FormatRGBA.BytesPerPixel()
	if size <= 0 {
		return nil, errors.Errorf("invalid frame size %dx%d", width, height)
	}
	if region.Size() < size {
		return nil, errors.Errorf("region %s holds %d bytes, frame needs %d", region.Name(), region.Size(), size)
	}
	b := &Bridge{opener: opener, region: region, name: region.Name(), width: width, height: height}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the buffer name used in lock commands.
func (b *Bridge) Name() string { return b.name }

// Locks counts granted locks.
func (b *Bridge) Locks() uint64 { return b.locks.Load() }

// Releases counts release commands sent. A lock call that fails without a
// DOWN reply is still followed by a release.
func (b *Bridge) Releases() uint64 { return b.releases.Load() }

// Pull returns a private copy of the current frame.
func (b *Bridge) Pull(ctx context.Context) (graph.Frame, error) {
	for {
		f, err := b.pullOnce(ctx)
		if err != nil {
			return graph.Frame{}, err
		}
		if !b.dedup || !b.haveSeq.Load() || f.ProducerSeq != b.lastSeq.Load() {
			b.lastSeq.Store(f.ProducerSeq)
			b.haveSeq.Store(true)
			return f, nil
		}
		select {
		case <-ctx.Done():
			return graph.Frame{}, ctx.Err()
		case <-time.After(b.poll):
		}
	}
}

func (b *Bridge) pullOnce(ctx context.Context) (f graph.Frame, err error) {
	s, err := b.opener.Open(ctx)
	if err != nil {
		return graph.Frame{}, err
	}
	defer s.Close()

	// The server may count the reader before a failed lock call returns, so
	// the release goes out unless it answered DOWN.
	release := true
	defer func() {
		if release {
			b.releases.Add(1)
			// The release travels even if ctx is already done.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), control.DefaultTimeout)
			defer cancel()
			if _, rerr := s.Do(rctx, control.Release(b.name)); rerr != nil {
				util.GetLogger().Warn("Failed to release frame lock", "buffer", b.name, "error", rerr)
			}
		}
		if r := recover(); r != nil {
			err = errors.Errorf("panic copying %s: %v", b.name, r)
			f = graph.Frame{}
		}
	}()

	reply, err := s.Do(ctx, control.Lock(b.name))
	if err != nil {
		return graph.Frame{}, errors.Wrapf(err, "failed to lock %s", b.name)
	}
	if reply.Word() == control.ReplyDown {
		release = false
		return graph.Frame{}, errors.Wrap(ErrSourceDown, b.name)
	}
	seq, err := reply.Seq()
	if err != nil {
		return graph.Frame{}, errors.Wrapf(err, "unexpected lock reply for %s", b.name)
	}
	b.locks.Add(1)

	size := b.width * b.height * graph.FormatRGBA.BytesPerPixel()
	data := make([]byte, size)
	if _, err := b.region.ReadAt(data, 0); err != nil {
		return graph.Frame{}, errors.Wrapf(err, "failed to copy frame from %s", b.region.Name())
	}
	return graph.Frame{
		ProducerSeq: seq,
		Width:       b.width,
		Height:      b.height,
		Format:      graph.FormatRGBA,
		Data:        data,
		Captured:    time.Now(),
	}, nil
}
