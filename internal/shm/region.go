// Package shm maps the fixed-size shared memory regions that carry frames
// between the resource server and the viewer server.
package shm

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultDir is where POSIX shared memory objects live on Linux.
const DefaultDir = "/dev/shm"

var ErrClosed = errors.New("shared memory region closed")

// Region is one named fixed-size byte region.
type Region interface {
	io.ReaderAt
	Name() string
	Size() int
	Close() error
}

// Writable is a region the caller may write through Bytes.
type Writable interface {
	Region
	Bytes() []byte
}

// Path returns the file backing region name inside dir.
func Path(dir, name string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name)
}

// Mapped is a region backed by an mmapped file.
type Mapped struct {
	name string
	data []byte

	mu     sync.RWMutex
	closed bool
}

// Open maps an existing region read-only. The backing file must be at least
// size bytes.
func Open(dir, name string, size int) (*Mapped, error) {
	return mapFile(Path(dir, name), name, size, false)
}

// Create creates or resizes the region and maps it read-write.
func Create(dir, name string, size int) (*Mapped, error) {
	return mapFile(Path(dir, name), name, size, true)
}

func mapFile(path, name string, size int, writable bool) (*Mapped, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid region size %d for %s", size, name)
	}
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if writable {
		flag, prot = os.O_RDWR|os.O_CREATE, unix.PROT_READ|unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open shared memory %s", path)
	}
	defer f.Close()

	if writable {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, errors.Wrapf(err, "failed to size shared memory %s", path)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat shared memory %s", path)
		}
		if fi.Size() < int64(size) {
			return nil, errors.Errorf("shared memory %s holds %d bytes, need %d", path, fi.Size(), size)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map shared memory %s", path)
	}
	return &Mapped{name: name, data: data}, nil
}

func (m *Mapped) Name() string { return m.name }
func (m *Mapped) Size() int    { return len(m.data) }

// Bytes exposes the mapping. Writing to a read-only mapping faults.
func (m *Mapped) Bytes() []byte { return m.data }

func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return readAt(m.data, p, off)
}

func (m *Mapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return errors.Wrapf(unix.Munmap(m.data), "failed to unmap %s", m.name)
}

// Remove deletes the file backing region name.
func Remove(dir, name string) error {
	err := os.Remove(Path(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove shared memory %s", name)
	}
	return nil
}

func readAt(data, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
