package shm

import "sync"

// Memory is an in-process region, used when producer and consumer share an
// address space and in tests.
type Memory struct {
	name string
	data []byte

	mu      sync.Mutex
	failErr error
	closed  bool
}

func NewMemory(name string, size int) *Memory {
	return &Memory{name: name, data: make([]byte, size)}
}

func (m *Memory) Name() string  { return m.name }
func (m *Memory) Size() int     { return len(m.data) }
func (m *Memory) Bytes() []byte { return m.data }

// FailReads makes every following ReadAt return err until called with nil.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	err, closed := m.failErr, m.closed
	m.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if err != nil {
		return 0, err
	}
	return readAt(m.data, p, off)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
