package media

import (
	"bytes"
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camrelay/internal/graph"
)

func rgbaFrame(seq uint64, w, h int) graph.Frame {
	data := make([]byte, w*h*4)
	FillPattern(PatternBars, data, w, h, seq)
	return graph.Frame{Seq: seq, Width: w, Height: h, Format: graph.FormatRGBA, Data: data, Captured: time.Now()}
}

func TestParsePattern(t *testing.T) {
	p, path, err := ParsePattern("")
	require.NoError(t, err)
	assert.Equal(t, PatternBars, p)
	assert.Empty(t, path)

	p, _, err = ParsePattern("noise")
	require.NoError(t, err)
	assert.Equal(t, PatternNoise, p)

	_, path, err = ParsePattern("file:/tmp/cam.rgba")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cam.rgba", path)

	_, _, err = ParsePattern("file:")
	assert.Error(t, err)
	_, _, err = ParsePattern("plaid")
	assert.Error(t, err)
}

func TestFillPatternChangesPerFrame(t *testing.T) {
	for _, p := range []Pattern{PatternBars, PatternGradient, PatternNoise} {
		a := make([]byte, 16*8*4)
		b := make([]byte, 16*8*4)
		FillPattern(p, a, 16, 8, 1)
		FillPattern(p, b, 16, 8, 2)
		assert.NotEqual(t, a, b, "pattern %s should move between frames", p)
		assert.Equal(t, byte(255), a[3], "pattern %s should be opaque", p)
	}

	// Short buffers are left alone.
	short := make([]byte, 4)
	FillPattern(PatternBars, short, 16, 8, 1)
	assert.Equal(t, make([]byte, 4), short)
}

func TestRawFileLoops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.raw")
	require.NoError(t, os.WriteFile(path, []byte{1, 1, 2, 2, 3}, 0o644))

	raw, err := OpenRawFile(path, 2)
	require.NoError(t, err)
	defer raw.Close()

	buf := make([]byte, 2)
	var got []byte
	for i := 0; i < 4; i++ {
		require.NoError(t, raw.Next(buf))
		got = append(got, buf[0])
	}
	// The trailing partial frame is skipped.
	assert.Equal(t, []byte{1, 2, 1, 2}, got)

	require.NoError(t, raw.Close())
	assert.Error(t, raw.Next(buf))

	_, err = OpenRawFile(path, 64)
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.raw")
	frame := rgbaFrame(1, 2, 2)
	require.NoError(t, os.WriteFile(path, frame.Data, 0o644))

	src, err := NewFileSource(path, 2, 2)
	require.NoError(t, err)
	defer src.Close()

	for i := uint64(1); i <= 3; i++ {
		f, err := src.Pull(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, f.ProducerSeq)
		assert.Equal(t, frame.Data, f.Data)
	}
}

func TestPatternSourceHonorsContext(t *testing.T) {
	src := NewPatternSource(PatternGradient, 4, 4)
	f, err := src.Pull(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.Data, 64)
	assert.Equal(t, uint64(1), f.ProducerSeq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Pull(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeJPEG(t *testing.T) {
	f := rgbaFrame(1, 32, 16)
	data, err := EncodeJPEG(f, 0)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())

	passthrough, err := EncodeJPEG(graph.Frame{Format: graph.FormatJPEG, Data: data}, 50)
	require.NoError(t, err)
	assert.Equal(t, data, passthrough)

	_, err = EncodeJPEG(graph.Frame{Width: 4, Height: 4, Data: make([]byte, 8)}, 50)
	assert.Error(t, err)
	_, err = EncodeJPEG(graph.Frame{Format: "yuv", Width: 1, Height: 1, Data: make([]byte, 4)}, 50)
	assert.Error(t, err)
}

func TestJPEGFilter(t *testing.T) {
	out, ok := JPEGFilter(70).Process(rgbaFrame(3, 8, 8))
	require.True(t, ok)
	assert.Equal(t, graph.FormatJPEG, out.Format)
	assert.Equal(t, uint64(3), out.Seq)

	_, ok = JPEGFilter(70).Process(graph.Frame{Width: 8, Height: 8})
	assert.False(t, ok)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster("cam1")
	ch := b.Subscribe("a", 1)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Broadcast([]byte("one"))
	assert.Equal(t, []byte("one"), <-ch)

	// Late subscribers get the cached picture.
	late := b.Subscribe("b", 2)
	assert.Equal(t, []byte("one"), <-late)

	// A full subscriber is dropped and its channel closed.
	b.Broadcast([]byte("two"))
	b.Broadcast([]byte("three"))
	assert.Equal(t, []byte("two"), <-ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe("b")
	assert.Equal(t, 0, b.SubscriberCount())

	b.Close()
	_, open = <-b.Subscribe("c", 1)
	assert.False(t, open)
}

func TestBroadcasterResubscribeReplacesChannel(t *testing.T) {
	b := NewBroadcaster("cam1")
	first := b.Subscribe("a", 1)
	second := b.Subscribe("a", 1)
	_, open := <-first
	assert.False(t, open)

	b.Broadcast([]byte("x"))
	assert.Equal(t, []byte("x"), <-second)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestDisplaySink(t *testing.T) {
	d := NewDisplaySink("viewer", 60)
	_, ok := d.Latest()
	assert.False(t, ok)

	ch := d.Subscribe("ws", 4)
	require.NoError(t, d.Consume(rgbaFrame(1, 8, 8)))
	require.NoError(t, d.Consume(rgbaFrame(2, 8, 8)))

	latest, ok := d.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(2), latest.Seq)
	assert.Equal(t, uint64(2), d.Frames())

	pic := <-ch
	_, err := jpeg.Decode(bytes.NewReader(pic))
	assert.NoError(t, err)

	require.NoError(t, d.Close())
	assert.True(t, d.Closed())
	for range ch {
	}
}

func TestRecorderSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recording1.mkv")
	r, err := NewRecorderSink(path, 16, 16, 30, 70)
	require.NoError(t, err)
	assert.Equal(t, path, r.Path())

	r.AddSource("cam1")
	r.AddSource("cam1")
	start := time.Now()
	for i := uint64(5); i < 10; i++ {
		f := rgbaFrame(i, 16, 16)
		f.Captured = start.Add(time.Duration(i-5) * 33 * time.Millisecond)
		require.NoError(t, r.Consume(f))
	}
	r.AddSource("cam2")
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Error(t, r.Consume(rgbaFrame(10, 16, 16)))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))

	data, err := os.ReadFile(filepath.Join(dir, "recording1.toml"))
	require.NoError(t, err)
	var m RecordingManifest
	require.NoError(t, toml.Unmarshal(data, &m))
	assert.Equal(t, uint64(5), m.Frames)
	assert.Equal(t, uint64(5), m.FirstSeq)
	assert.Equal(t, uint64(9), m.LastSeq)
	assert.Equal(t, []string{"cam1", "cam2"}, m.Sources)
	assert.Equal(t, "V_MJPEG", m.Codec)
	assert.Equal(t, int64(132), m.DurationMS)
}

func TestManifestPath(t *testing.T) {
	assert.Equal(t, "/out/recording1.toml", ManifestPath("/out/recording1.mkv"))
	assert.Equal(t, "/out.d/rec.toml", ManifestPath("/out.d/rec"))
}
