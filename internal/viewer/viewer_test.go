package viewer

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/graph"
	"github.com/babelcloud/camrelay/internal/media"
	"github.com/babelcloud/camrelay/internal/resource"
)

type fakeCommander struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func (f *fakeCommander) Do(ctx context.Context, cmd control.Command) (control.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[cmd.String()] {
		return "", &control.TransientError{Op: "write", Addr: "fake", Err: errors.New("connection reset")}
	}
	f.sent = append(f.sent, cmd.String())
	return control.Reply(control.ReplyACK), nil
}

func (f *fakeCommander) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestHub(t *testing.T, cmd *fakeCommander) (*Hub, string) {
	t.Helper()
	dir := t.TempDir()
	sources := []CameraSource{
		{Name: "cam1", Source: media.NewPatternSource(media.PatternBars, 4, 4)},
		{Name: "cam2", Source: media.NewPatternSource(media.PatternGradient, 4, 4)},
		{Name: "cam3", Source: media.NewPatternSource(media.PatternNoise, 4, 4)},
		{Name: "dead", Source: graph.SourceFunc(func(ctx context.Context) (graph.Frame, error) {
			return graph.Frame{}, errors.New("no signal")
		})},
	}
	hub, err := NewHub(cmd, sources, Config{
		OutputDir:    dir,
		Width:        4,
		Height:       4,
		FPS:          500,
		ErrorBackoff: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, hub.Shutdown(ctx))
	})
	return hub, dir
}

func displayOf(s *Session, n int) *media.DisplaySink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl := s.slots[n]; sl != nil {
		return sl.display
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond, msg)
}

func TestTwoViewersShareCamera(t *testing.T) {
	ctx := context.Background()
	cmd := &fakeCommander{}
	hub, _ := newTestHub(t, cmd)
	act := hub.Activator()

	x, err := hub.NewSession()
	require.NoError(t, err)
	y, err := hub.NewSession()
	require.NoError(t, err)

	require.NoError(t, x.SelectSource(ctx, 1, "cam1"))
	assert.Equal(t, []string{"cam1 up"}, cmd.commands())
	assert.Equal(t, 1, act.RefCount("cam1"))

	require.NoError(t, y.SelectSource(ctx, 2, "cam1"))
	assert.Equal(t, []string{"cam1 up"}, cmd.commands())
	assert.Equal(t, 2, act.RefCount("cam1"))

	require.NoError(t, x.SelectSource(ctx, 1, "cam2"))
	assert.Equal(t, []string{"cam1 up", "cam2 up"}, cmd.commands())
	assert.Equal(t, 1, act.RefCount("cam1"))
	assert.True(t, act.Active("cam1"))
	assert.Equal(t, graph.StatePlaying, hub.Graph("cam1").State())

	// Y keeps receiving cam1 after X moved away.
	yd := displayOf(y, 2)
	seen := yd.Frames()
	waitFor(t, func() bool { return yd.Frames() > seen+3 }, "viewer Y should still get cam1 frames")

	require.NoError(t, hub.CloseSession(ctx, y.ID()))
	assert.Equal(t, []string{"cam1 up", "cam2 up", "cam1 down"}, cmd.commands())
	assert.Equal(t, 0, act.RefCount("cam1"))
	assert.Equal(t, graph.StatePaused, hub.Graph("cam1").State())
	assert.Equal(t, []string{x.ID()}, hub.Sessions())
	assert.True(t, yd.Closed())
}

func TestStartRecordingDoesNotDropDisplayFrames(t *testing.T) {
	ctx := context.Background()
	hub, dir := newTestHub(t, &fakeCommander{})
	s, err := hub.NewSession()
	require.NoError(t, err)

	require.NoError(t, s.SelectSource(ctx, 0, "cam1"))
	display := displayOf(s, 0)
	waitFor(t, func() bool { return display.Frames() >= 5 }, "display should get frames")

	path, err := s.StartRecording(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vidoutput0.mkv"), path)

	start := display.Frames()
	waitFor(t, func() bool { return display.Frames() >= start+20 }, "display should keep running while recording")
	m, err := s.StopRecording(ctx, 0)
	require.NoError(t, err)
	assert.Greater(t, m.Frames, uint64(0))

	after := display.Frames()
	waitFor(t, func() bool { return display.Frames() >= after+5 }, "display should keep running after recording")

	st := display.Stats()
	assert.Equal(t, st.Last-st.First+1, st.Frames, "display skipped frames")
}

func TestRecordingLifecycle(t *testing.T) {
	ctx := context.Background()
	hub, dir := newTestHub(t, &fakeCommander{})
	s, err := hub.NewSession()
	require.NoError(t, err)

	_, err = s.StartRecording(ctx, 0)
	assert.ErrorIs(t, err, ErrNoSource)
	_, err = s.StopRecording(ctx, 0)
	assert.ErrorIs(t, err, ErrNotRecording)

	require.NoError(t, s.SelectSource(ctx, 0, "cam1"))
	first, err := s.StartRecording(ctx, 0)
	require.NoError(t, err)
	_, err = s.StartRecording(ctx, 0)
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	waitFor(t, func() bool { return hub.Graph("cam1").Seq() > 10 }, "cam1 should deliver")
	require.NoError(t, s.SelectSource(ctx, 0, "cam2"))
	waitFor(t, func() bool { return hub.Graph("cam2").Seq() > 10 }, "cam2 should deliver")

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "cam2", status[0].Camera)
	assert.Equal(t, first, status[0].Recording)

	m, err := s.StopRecording(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"cam1", "cam2"}, m.Sources)
	_, err = os.Stat(media.ManifestPath(first))
	assert.NoError(t, err)

	second, err := s.StartRecording(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vidoutput1.mkv"), second)
	_, err = s.StopRecording(ctx, 0)
	require.NoError(t, err)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	hub, dir := newTestHub(t, &fakeCommander{})
	s, err := hub.NewSession()
	require.NoError(t, err)

	_, err = s.Snapshot(ctx, 0)
	assert.ErrorIs(t, err, ErrNoSource)

	require.NoError(t, s.SelectSource(ctx, 0, "dead"))
	_, err = s.Snapshot(ctx, 0)
	assert.ErrorIs(t, err, ErrNoFrame)

	require.NoError(t, s.SelectSource(ctx, 0, "cam3"))
	waitFor(t, func() bool { return displayOf(s, 0).Frames() > 0 }, "display should get frames")

	path, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "imageout0.jpeg"), path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "imageout1.jpeg"), nil, 0o644))
	path, err = s.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "imageout2.jpeg"), path)
}

func TestSelectSourceFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	cmd := &fakeCommander{fail: map[string]bool{"cam2 up": true}}
	hub, _ := newTestHub(t, cmd)
	s, err := hub.NewSession()
	require.NoError(t, err)

	require.NoError(t, s.SelectSource(ctx, 0, "cam1"))
	err = s.SelectSource(ctx, 0, "cam2")
	require.Error(t, err)
	assert.True(t, control.IsTransient(err))

	assert.Equal(t, "cam1", s.Status()[0].Camera)
	assert.Equal(t, 1, hub.Activator().RefCount("cam1"))
	assert.Equal(t, 0, hub.Activator().RefCount("cam2"))
	assert.Equal(t, []string{"tee"}, nodesBesideSource(hub.Graph("cam2")))

	err = s.SelectSource(ctx, 0, "cam9")
	assert.ErrorIs(t, err, resource.ErrUnknownResource)
}

func nodesBesideSource(g *graph.Graph) []string {
	var out []string
	for _, n := range g.Stats().Nodes {
		if n != "src" {
			out = append(out, n)
		}
	}
	return out
}

func TestSessionCloseDetachesThenReleases(t *testing.T) {
	ctx := context.Background()
	cmd := &fakeCommander{}
	hub, _ := newTestHub(t, cmd)
	s, err := hub.NewSession()
	require.NoError(t, err)

	require.NoError(t, s.SelectSource(ctx, 0, "cam1"))
	require.NoError(t, s.SelectSource(ctx, 1, "cam3"))
	_, err = s.StartRecording(ctx, 1)
	require.NoError(t, err)
	display := displayOf(s, 0)

	require.NoError(t, s.Close(ctx))
	assert.True(t, display.Closed())
	assert.Equal(t, []string{"cam1 up", "cam3 up", "cam1 down", "cam3 down"}, cmd.commands())
	assert.Empty(t, hub.Sessions())
	assert.Equal(t, 0, hub.Graph("cam3").Stats().Branches)

	assert.ErrorIs(t, s.SelectSource(ctx, 0, "cam2"), ErrSessionClosed)
	_, err = hub.Session(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, s.Close(ctx))
}

func TestNetworkOutput(t *testing.T) {
	ctx := context.Background()
	hub, _ := newTestHub(t, &fakeCommander{})
	s, err := hub.NewSession()
	require.NoError(t, err)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	assert.ErrorIs(t, s.StopOutput(ctx, 0), ErrNoOutput)
	require.NoError(t, s.SelectSource(ctx, 0, "cam2"))
	require.NoError(t, s.StartOutput(ctx, 0, "udp", pc.LocalAddr().String()))
	assert.ErrorIs(t, s.StartOutput(ctx, 0, "udp", pc.LocalAddr().String()), ErrAlreadyOutput)

	buf := make([]byte, 65536)
	_ = pc.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	_, w, h, length, err := media.ParseFrameHeader(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, 4, w)
	assert.Equal(t, 4, h)
	assert.Equal(t, n-media.FrameHeaderLen, length)

	require.NoError(t, s.StopOutput(ctx, 0))
	assert.Empty(t, s.Status()[0].Output)
}

func TestHubShutdown(t *testing.T) {
	ctx := context.Background()
	cmd := &fakeCommander{}
	hub, _ := newTestHub(t, cmd)
	s, err := hub.NewSession()
	require.NoError(t, err)
	require.NoError(t, s.SelectSource(ctx, 0, "cam2"))

	require.NoError(t, hub.Shutdown(ctx))
	assert.Equal(t, []string{"cam2 up", "cam2 down"}, cmd.commands())
	for _, st := range hub.Cameras() {
		assert.False(t, st.Active, st.Name)
		assert.Equal(t, graph.StateTornDown.String(), st.Graph.State, st.Name)
	}
	_, err = hub.NewSession()
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestNewHubRejectsDuplicates(t *testing.T) {
	src := media.NewPatternSource(media.PatternBars, 4, 4)
	_, err := NewHub(&fakeCommander{}, []CameraSource{{Name: "a", Source: src}, {Name: "a", Source: src}}, Config{})
	assert.Error(t, err)
	_, err = NewHub(&fakeCommander{}, nil, Config{})
	assert.Error(t, err)
}
