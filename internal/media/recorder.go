package media

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/graph"
)

// RecordingManifest is written next to each recording when it closes.
type RecordingManifest struct {
	File       string    `toml:"file"`
	Codec      string    `toml:"codec"`
	Width      int       `toml:"width"`
	Height     int       `toml:"height"`
	Sources    []string  `toml:"sources"`
	Frames     uint64    `toml:"frames"`
	FirstSeq   uint64    `toml:"first_seq"`
	LastSeq    uint64    `toml:"last_seq"`
	Started    time.Time `toml:"started"`
	Stopped    time.Time `toml:"stopped"`
	DurationMS int64     `toml:"duration_ms"`
}

// RecorderSink writes JPEG frames into a Matroska file as an MJPEG track.
// Raw frames are encoded on the way in.
type RecorderSink struct {
	path    string
	quality int
	logger  *slog.Logger

	failed atomic.Pointer[error]

	mu       sync.Mutex
	video    webm.BlockWriteCloser
	manifest RecordingManifest
	first    time.Time
	closed   bool
}

// failWriter stops accepting writes after the first error so a full disk
// does not produce a stream of half-written blocks.
type failWriter struct {
	w      io.WriteCloser
	failed bool
}

func (fw *failWriter) Write(p []byte) (int, error) {
	if fw.failed {
		return 0, io.ErrClosedPipe
	}
	n, err := fw.w.Write(p)
	if err != nil {
		fw.failed = true
	}
	return n, err
}

func (fw *failWriter) Close() error { return fw.w.Close() }

// NewRecorderSink creates path and writes the container header.
func NewRecorderSink(path string, width, height, fps, quality int) (*RecorderSink, error) {
	if fps <= 0 {
		fps = 30
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create recording %s", path)
	}
	r := &RecorderSink{
		path:    path,
		quality: quality,
		logger:  slog.With("component", "recorder", "file", path),
		manifest: RecordingManifest{
			File:   path,
			Codec:  "V_MJPEG",
			Width:  width,
			Height: height,
		},
	}
	writers, err := webm.NewSimpleBlockWriter(&failWriter{w: f}, []webm.TrackEntry{
		{
			Name:            "Video",
			TrackNumber:     1,
			TrackUID:        1,
			CodecID:         "V_MJPEG",
			TrackType:       1,
			DefaultDuration: uint64(time.Second / time.Duration(fps)),
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		},
	}, mkvcore.WithOnFatalHandler(func(err error) {
		r.logger.Warn("Recording container error", "error", err)
		r.failed.Store(&err)
	}))
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "failed to start recording %s", path)
	}
	r.video = writers[0]
	return r, nil
}

// Path returns the recording file.
func (r *RecorderSink) Path() string { return r.path }

// AddSource notes a camera that fed the recording.
func (r *RecorderSink) AddSource(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.manifest.Sources); n == 0 || r.manifest.Sources[n-1] != name {
		r.manifest.Sources = append(r.manifest.Sources, name)
	}
}

func (r *RecorderSink) Consume(f graph.Frame) error {
	data, err := EncodeJPEG(f, r.quality)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Errorf("recording %s is closed", r.path)
	}
	if errp := r.failed.Load(); errp != nil {
		return *errp
	}
	captured := f.Captured
	if captured.IsZero() {
		captured = time.Now()
	}
	if r.manifest.Frames == 0 {
		r.first = captured
		r.manifest.Started = captured
		r.manifest.FirstSeq = f.Seq
	}
	ts := captured.Sub(r.first).Milliseconds()
	if ts < 0 {
		ts = 0
	}
	// Every MJPEG frame is a keyframe.
	if _, err := r.video.Write(true, ts, data); err != nil {
		return errors.Wrapf(err, "failed to write frame %d to %s", f.Seq, r.path)
	}
	r.manifest.Frames++
	r.manifest.LastSeq = f.Seq
	r.manifest.Stopped = captured
	return nil
}

// Close finishes the container and writes the manifest.
func (r *RecorderSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.video.Close()
	if err != nil {
		err = errors.Wrapf(err, "failed to finish recording %s", r.path)
	}
	if r.manifest.Frames > 0 {
		r.manifest.DurationMS = r.manifest.Stopped.Sub(r.manifest.Started).Milliseconds()
	}
	if merr := r.writeManifest(); merr != nil && err == nil {
		err = merr
	}
	r.logger.Info("Recording finished", "frames", r.manifest.Frames, "duration_ms", r.manifest.DurationMS)
	return err
}

// Manifest returns a copy of the current manifest.
func (r *RecorderSink) Manifest() RecordingManifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.manifest
	m.Sources = append([]string(nil), r.manifest.Sources...)
	return m
}

// ManifestPath returns where the manifest of a recording is written.
func ManifestPath(recording string) string {
	if i := strings.LastIndexByte(recording, '.'); i > strings.LastIndexByte(recording, '/') {
		recording = recording[:i]
	}
	return recording + ".toml"
}

func (r *RecorderSink) writeManifest() error {
	data, err := toml.Marshal(r.manifest)
	if err != nil {
		return errors.Wrap(err, "failed to encode recording manifest")
	}
	path := ManifestPath(r.path)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write manifest %s", path)
	}
	return nil
}
