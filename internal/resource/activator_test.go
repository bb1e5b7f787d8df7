package resource

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camrelay/internal/control"
)

type fakeCommander struct {
	mu   sync.Mutex
	sent []string
	fail map[string]error
}

func (f *fakeCommander) Do(_ context.Context, cmd control.Command) (control.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd.String())
	if err := f.fail[cmd.String()]; err != nil {
		return "", err
	}
	return control.ReplyACK, nil
}

func (f *fakeCommander) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestAcquireReleaseSendsOnlyTransitions(t *testing.T) {
	fc := &fakeCommander{}
	a := New(fc, []string{"cam1", "cam2"})
	ctx := context.Background()

	require.NoError(t, a.Acquire(ctx, "cam1"))
	require.NoError(t, a.Acquire(ctx, "cam1"))
	require.NoError(t, a.Acquire(ctx, "cam2"))
	assert.Equal(t, 2, a.RefCount("cam1"))
	require.NoError(t, a.Release(ctx, "cam1"))
	assert.True(t, a.Active("cam1"))
	require.NoError(t, a.Release(ctx, "cam1"))
	assert.False(t, a.Active("cam1"))

	assert.Equal(t, []string{"cam1 up", "cam2 up", "cam1 down"}, fc.commands())
}

func TestUnknownAndUnderflow(t *testing.T) {
	fc := &fakeCommander{}
	a := New(fc, []string{"cam1"})
	ctx := context.Background()

	assert.True(t, errors.Is(a.Acquire(ctx, "nope"), ErrUnknownResource))
	assert.True(t, errors.Is(a.Release(ctx, "nope"), ErrUnknownResource))
	assert.True(t, errors.Is(a.Release(ctx, "cam1"), ErrUnderflow))
	assert.Equal(t, 0, a.RefCount("cam1"))
	assert.Equal(t, -1, a.RefCount("nope"))
	assert.Empty(t, fc.commands())
}

func TestFailedUpLeavesCountAtZero(t *testing.T) {
	fc := &fakeCommander{fail: map[string]error{"cam1 up": errors.New("refused")}}
	a := New(fc, []string{"cam1"})

	err := a.Acquire(context.Background(), "cam1")
	require.Error(t, err)
	assert.Equal(t, 0, a.RefCount("cam1"))
	assert.False(t, a.Active("cam1"))
}

func TestFailedDownStillRecordsTransition(t *testing.T) {
	fc := &fakeCommander{fail: map[string]error{"cam1 down": errors.New("reset")}}
	var events []bool
	a := New(fc, []string{"cam1"}, WithTransitionHook(func(name string, up bool) { events = append(events, up) }))
	ctx := context.Background()

	require.NoError(t, a.Acquire(ctx, "cam1"))
	err := a.Release(ctx, "cam1")
	require.Error(t, err)
	assert.Equal(t, 0, a.RefCount("cam1"))
	assert.Equal(t, []bool{true, false}, events)

	// The next acquire brings it back up.
	require.NoError(t, a.Acquire(ctx, "cam1"))
	assert.Equal(t, []string{"cam1 up", "cam1 down", "cam1 up"}, fc.commands())
}

func TestConcurrentCommandStreamMatchesTransitions(t *testing.T) {
	fc := &fakeCommander{}
	var mu sync.Mutex
	var transitions []string
	a := New(fc, []string{"cam1"}, WithTransitionHook(func(name string, up bool) {
		mu.Lock()
		defer mu.Unlock()
		if up {
			transitions = append(transitions, name+" up")
		} else {
			transitions = append(transitions, name+" down")
		}
	}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, a.Acquire(ctx, "cam1"))
				assert.NoError(t, a.Release(ctx, "cam1"))
			}
		}()
	}
	wg.Wait()

	cmds := fc.commands()
	assert.Equal(t, transitions, cmds)
	for i, c := range cmds {
		if i%2 == 0 {
			assert.Equal(t, "cam1 up", c)
		} else {
			assert.Equal(t, "cam1 down", c)
		}
	}
	assert.Equal(t, 0, a.RefCount("cam1"))
}

func TestShutdownDownsActiveResources(t *testing.T) {
	fc := &fakeCommander{}
	a := New(fc, []string{"b", "a", "c"})
	ctx := context.Background()
	require.NoError(t, a.Acquire(ctx, "b"))
	require.NoError(t, a.Acquire(ctx, "b"))
	require.NoError(t, a.Acquire(ctx, "a"))

	require.NoError(t, a.Shutdown(ctx))
	assert.Equal(t, []string{"b up", "a up", "a down", "b down"}, fc.commands())
	for _, s := range a.Snapshot() {
		assert.False(t, s.Active, s.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, a.Names())
}
