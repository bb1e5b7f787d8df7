package camserver

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/babelcloud/camrelay/internal/media"
	"github.com/babelcloud/camrelay/internal/shm"
)

// FillFunc renders frame n into dst.
type FillFunc func(dst []byte, n uint64) error

// Camera is one simulated capture device writing into its own region.
type Camera struct {
	name   string
	region shm.Writable
	buf    *SharedBuffer
	fill   FillFunc
	closer io.Closer

	up      atomic.Bool
	leaked  atomic.Uint64
	failed  atomic.Uint64
	written atomic.Uint64
}

func newCamera(name string, region shm.Writable, pattern string, width, height int) (*Camera, error) {
	c := &Camera{name: name, region: region, buf: NewSharedBuffer()}
	p, path, err := media.ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	if path != "" {
		raw, err := media.OpenRawFile(path, width*height*4)
		if err != nil {
			return nil, err
		}
		c.fill = func(dst []byte, _ uint64) error { return raw.Next(dst) }
		c.closer = raw
	} else {
		c.fill = func(dst []byte, n uint64) error {
			media.FillPattern(p, dst, width, height, n)
			return nil
		}
	}
	return c, nil
}

func (c *Camera) Name() string          { return c.name }
func (c *Camera) Region() string        { return c.region.Name() }
func (c *Camera) Up() bool              { return c.up.Load() }
func (c *Camera) Buffer() *SharedBuffer { return c.buf }

// SetUp switches frame production on or off.
func (c *Camera) SetUp(up bool) { c.up.Store(up) }

// Stats returns produced, failed and leaked-lock counters.
func (c *Camera) Stats() (written, failed, leaked uint64) {
	return c.written.Load(), c.failed.Load(), c.leaked.Load()
}

// produce writes one frame if the camera is up.
func (c *Camera) produce(ctx context.Context, lockTimeout time.Duration, logger *slog.Logger) {
	if !c.up.Load() {
		return
	}
	leaked, ok := c.buf.WriteLock(ctx, lockTimeout)
	if !ok {
		return
	}
	if leaked > 0 {
		c.leaked.Add(uint64(leaked))
		logger.Warn("Discarded stale read locks", "camera", c.name, "readers", leaked)
	}
	err := c.fill(c.region.Bytes(), c.buf.Frame())
	c.buf.WriteRelease(err == nil)
	if err != nil {
		if c.failed.Add(1) == 1 {
			logger.Warn("Frame production failed", "camera", c.name, "error", err)
		}
		return
	}
	c.written.Add(1)
}

func (c *Camera) close() error {
	var err error
	if c.closer != nil {
		err = c.closer.Close()
	}
	if cerr := c.region.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
