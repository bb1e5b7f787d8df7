package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/shm"
)

type lockServer struct {
	mu       sync.Mutex
	down     bool
	seq      uint64
	held     int
	locks    int
	releases int
	delay    time.Duration
}

func (s *lockServer) Handle(_ context.Context, cmd control.Command) control.Reply {
	if cmd.Verb == control.VerbLock {
		s.mu.Lock()
		delay := s.delay
		s.mu.Unlock()
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd.Verb {
	case control.VerbLock:
		if s.down {
			return control.ReplyDown
		}
		s.locks++
		s.held++
		return control.AckSeq(s.seq)
	case control.VerbRelease:
		s.releases++
		if s.held > 0 {
			s.held--
		}
		return control.ReplyACK
	}
	return control.ReplyUnknown
}

func (s *lockServer) set(fn func(s *lockServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *lockServer) counts() (locks, releases, held int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks, s.releases, s.held
}

func setup(t *testing.T, opts ...Option) (*Bridge, *lockServer, *shm.Memory) {
	t.Helper()
	ls := &lockServer{seq: 1}
	srv := control.NewServer("127.0.0.1:0", ls)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	region := shm.NewMemory("shm_cam1", 2*2*4)
	b, err := New(control.NewClient(srv.Addr().String()), region, 2, 2, opts...)
	require.NoError(t, err)
	return b, ls, region
}

func TestPullCopiesRegion(t *testing.T) {
	b, ls, region := setup(t)
	for i := range region.Bytes() {
		region.Bytes()[i] = byte(i)
	}
	ls.set(func(s *lockServer) { s.seq = 7 })

	f, err := b.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.ProducerSeq)
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Len(t, f.Data, 16)
	assert.Equal(t, byte(5), f.Data[5])

	region.Bytes()[5] = 99
	assert.Equal(t, byte(5), f.Data[5], "frame must not alias the region")

	locks, releases, held := ls.counts()
	assert.Equal(t, 1, locks)
	assert.Equal(t, 1, releases)
	assert.Equal(t, 0, held)
	assert.Equal(t, "shm_cam1", b.Name())
}

func TestPullSourceDown(t *testing.T) {
	b, ls, _ := setup(t)
	ls.set(func(s *lockServer) { s.down = true })

	_, err := b.Pull(context.Background())
	assert.True(t, errors.Is(err, ErrSourceDown))
	locks, releases, _ := ls.counts()
	assert.Equal(t, 0, locks)
	assert.Equal(t, 0, releases)
	assert.Equal(t, uint64(0), b.Locks())
}

func TestReleaseSentOnCopyFailure(t *testing.T) {
	b, ls, region := setup(t)
	region.FailReads(errors.New("bus error"))

	for i := 0; i < 3; i++ {
		_, err := b.Pull(context.Background())
		require.Error(t, err)
	}
	region.FailReads(nil)
	_, err := b.Pull(context.Background())
	require.NoError(t, err)

	locks, releases, held := ls.counts()
	assert.Equal(t, 4, locks)
	assert.Equal(t, locks, releases)
	assert.Equal(t, 0, held)
	assert.Equal(t, b.Locks(), b.Releases())
}

func TestDedupWaitsForNewFrame(t *testing.T) {
	b, ls, _ := setup(t, WithDedup(time.Millisecond))
	ctx := context.Background()

	f, err := b.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.ProducerSeq)

	go func() {
		time.Sleep(30 * time.Millisecond)
		ls.set(func(s *lockServer) { s.seq = 2 })
	}()
	f, err = b.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.ProducerSeq)

	locks, releases, _ := ls.counts()
	assert.Greater(t, locks, 2)
	assert.Equal(t, locks, releases)
}

func TestDedupHonoursContext(t *testing.T) {
	b, _, _ := setup(t, WithDedup(time.Millisecond))
	_, err := b.Pull(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Pull(ctx)
	assert.Error(t, err)
}

func TestDuplicatesAllowedByDefault(t *testing.T) {
	b, _, _ := setup(t)
	f1, err := b.Pull(context.Background())
	require.NoError(t, err)
	f2, err := b.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f1.ProducerSeq, f2.ProducerSeq)
}

func TestNewRejectsSmallRegion(t *testing.T) {
	_, err := New(control.NewClient("127.0.0.1:1"), shm.NewMemory("r", 4), 2, 2)
	assert.Error(t, err)
	_, err = New(control.NewClient("127.0.0.1:1"), shm.NewMemory("r", 4), 0, 2)
	assert.Error(t, err)
}

func TestReleaseSentWhenLockCallFails(t *testing.T) {
	b, ls, _ := setup(t)
	// The lock is granted after the caller has given up on the reply.
	ls.set(func(s *lockServer) { s.delay = 300 * time.Millisecond })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.Pull(ctx)
	require.Error(t, err)
	assert.True(t, control.IsTransient(err))

	assert.Eventually(t, func() bool {
		_, releases, held := ls.counts()
		return releases == 1 && held == 0
	}, 5*time.Second, 10*time.Millisecond)
	locks, _, _ := ls.counts()
	assert.Equal(t, 1, locks)
	assert.Equal(t, uint64(0), b.Locks())
	assert.Equal(t, uint64(1), b.Releases())
}

func TestUnreachableServerIsTransient(t *testing.T) {
	b, err := New(control.NewClient("127.0.0.1:1", control.WithTimeout(200*time.Millisecond)), shm.NewMemory("r", 16), 2, 2)
	require.NoError(t, err)
	_, err = b.Pull(context.Background())
	assert.True(t, control.IsTransient(err))
}
