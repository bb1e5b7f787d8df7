package camserver

import (
	"context"
	"sync"
	"time"
)

// SharedBuffer arbitrates one shared memory region between the producer and
// remote readers. Readers hold the region while copying; the writer waits for
// them before overwriting it. frame counts completed writes.
type SharedBuffer struct {
	mu      sync.Mutex
	changed chan struct{}
	readers int
	writer  bool
	frame   uint64
}

func NewSharedBuffer() *SharedBuffer {
	return &SharedBuffer{changed: make(chan struct{})}
}

// signal wakes all waiters. Callers hold mu.
func (b *SharedBuffer) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// wait blocks until cond holds with mu held, or ctx ends. On success mu stays
// locked.
func (b *SharedBuffer) wait(ctx context.Context, cond func() bool) bool {
	for {
		b.mu.Lock()
		if cond() {
			return true
		}
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// ReadLock registers a reader once no write is pending and returns the number
// of the frame the region holds.
func (b *SharedBuffer) ReadLock(ctx context.Context) (uint64, bool) {
	if !b.wait(ctx, func() bool { return !b.writer }) {
		return 0, false
	}
	defer b.mu.Unlock()
	b.readers++
	return b.frame, true
}

// ReadRelease drops a reader. Extra releases are ignored.
func (b *SharedBuffer) ReadRelease() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readers > 0 {
		b.readers--
		b.signal()
	}
}

// WriteLock claims the region for the producer. New readers are held off at
// once; existing readers get until timeout to release, after which their
// locks are treated as leaked and discarded. It returns false if ctx ends.
func (b *SharedBuffer) WriteLock(ctx context.Context, timeout time.Duration) (leaked int, ok bool) {
	if !b.wait(ctx, func() bool { return !b.writer }) {
		return 0, false
	}
	b.writer = true
	b.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if b.wait(wctx, func() bool { return b.readers == 0 }) {
		b.mu.Unlock()
		return 0, true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		b.writer = false
		b.signal()
		return 0, false
	}
	leaked = b.readers
	b.readers = 0
	return leaked, true
}

// WriteRelease ends a write. When published is true the frame counter moves on.
func (b *SharedBuffer) WriteRelease(published bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writer = false
	if published {
		b.frame++
	}
	b.signal()
}

// Readers returns the number of outstanding read locks.
func (b *SharedBuffer) Readers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readers
}

// Frame returns the number of published frames.
func (b *SharedBuffer) Frame() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame
}
