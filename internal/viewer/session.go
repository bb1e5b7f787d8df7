package viewer

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dchest/uniuri"
	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/graph"
	"github.com/babelcloud/camrelay/internal/media"
	"github.com/babelcloud/camrelay/internal/util"
)

var (
	ErrSessionClosed    = errors.New("session is closed")
	ErrNoSource         = errors.New("slot has no source selected")
	ErrAlreadyRecording = errors.New("slot is already recording")
	ErrNotRecording     = errors.New("slot is not recording")
	ErrAlreadyOutput    = errors.New("slot already has a network output")
	ErrNoOutput         = errors.New("slot has no network output")
	ErrNoFrame          = errors.New("no frame has been displayed yet")
)

// slot is one display position of a session and the branches hanging off
// its current camera.
type slot struct {
	camera string

	display *media.DisplaySink
	dispBr  *graph.Branch

	recorder *media.RecorderSink
	recBr    *graph.Branch

	output *media.NetworkSink
	outBr  *graph.Branch

	peer *media.PeerSink
}

// followers are the branches that move with the display when the slot
// changes camera.
func (sl *slot) followers() []*graph.Branch {
	var out []*graph.Branch
	if sl.recBr != nil {
		out = append(out, sl.recBr)
	}
	if sl.outBr != nil {
		out = append(out, sl.outBr)
	}
	return out
}

// Session is one viewer. Operations on a session are serialized; different
// sessions proceed independently.
type Session struct {
	id  string
	hub *Hub

	mu     sync.Mutex
	slots  map[int]*slot
	closed bool
}

func newSession(id string, h *Hub) *Session {
	return &Session{id: id, hub: h, slots: make(map[int]*slot)}
}

func (s *Session) ID() string { return s.id }

func (s *Session) branchID(kind string, n int) string {
	return fmt.Sprintf("%s.%s%d.%s", s.id[:8], kind, n, uniuri.NewLen(6))
}

func (s *Session) slot(n int) *slot {
	sl := s.slots[n]
	if sl == nil {
		sl = &slot{}
		s.slots[n] = sl
	}
	return sl
}

// SelectSource shows camera in slot n. The camera is acquired before the
// display moves and the previous camera is released afterwards, so a camera
// shared with another viewer never goes down in between. On failure the slot
// keeps its previous source.
func (s *Session) SelectSource(ctx context.Context, n int, cameraName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	cam, err := s.hub.camera(cameraName)
	if err != nil {
		return err
	}
	sl := s.slot(n)
	if sl.camera == cameraName {
		return nil
	}
	act, engine := s.hub.activator, s.hub.engine
	logger := util.GetLogger().With("session", s.id, "slot", n, "camera", cameraName)

	if err := act.Acquire(ctx, cameraName); err != nil {
		return err
	}

	if sl.dispBr == nil {
		display := media.NewDisplaySink(fmt.Sprintf("%s/%d", s.id, n), s.hub.cfg.JPEGQuality)
		br := graph.NewBranch(s.branchID("display", n), display, graph.WithQueueSize(s.hub.cfg.QueueSize))
		if err := engine.Attach(ctx, cam.tee, br); err != nil {
			s.releaseQuietly(cameraName)
			return err
		}
		sl.camera, sl.display, sl.dispBr = cameraName, display, br
		logger.Info("Source selected")
		return nil
	}

	prev, err := s.hub.camera(sl.camera)
	if err != nil {
		s.releaseQuietly(cameraName)
		return err
	}
	if err := engine.Switch(ctx, prev.tee, cam.tee, sl.dispBr); err != nil {
		s.releaseQuietly(cameraName)
		return errors.Wrapf(err, "failed to switch slot %d to %s", n, cameraName)
	}
	for _, br := range sl.followers() {
		if err := engine.Switch(ctx, prev.tee, cam.tee, br); err != nil {
			logger.Warn("Branch could not follow source, stopping it", "branch", br.ID(), "error", err)
			s.stopFollower(ctx, sl, br)
		}
	}
	if sl.recorder != nil {
		sl.recorder.AddSource(cameraName)
	}
	old := sl.camera
	sl.camera = cameraName
	if err := act.Release(ctx, old); err != nil {
		logger.Warn("Failed to release previous camera", "previous", old, "error", err)
	}
	logger.Info("Source switched", "previous", old)
	return nil
}

func (s *Session) stopFollower(ctx context.Context, sl *slot, br *graph.Branch) {
	if err := s.hub.engine.Detach(ctx, br); err != nil {
		util.GetLogger().Warn("Failed to detach branch", "branch", br.ID(), "error", err)
	}
	switch br {
	case sl.recBr:
		sl.recorder, sl.recBr = nil, nil
	case sl.outBr:
		sl.output, sl.outBr = nil, nil
	}
}

func (s *Session) releaseQuietly(cameraName string) {
	if err := s.hub.activator.Release(context.Background(), cameraName); err != nil {
		util.GetLogger().Warn("Failed to release camera", "session", s.id, "camera", cameraName, "error", err)
	}
}

func (s *Session) activeSlot(n int) (*slot, *camera, error) {
	if s.closed {
		return nil, nil, ErrSessionClosed
	}
	sl := s.slots[n]
	if sl == nil || sl.camera == "" {
		return nil, nil, errors.Wrapf(ErrNoSource, "slot %d", n)
	}
	cam, err := s.hub.camera(sl.camera)
	if err != nil {
		return nil, nil, err
	}
	return sl, cam, nil
}

// StartRecording attaches a recorder to slot n and returns the file it
// writes to.
func (s *Session) StartRecording(ctx context.Context, n int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, cam, err := s.activeSlot(n)
	if err != nil {
		return "", err
	}
	if sl.recBr != nil {
		return "", errors.Wrapf(ErrAlreadyRecording, "slot %d", n)
	}
	cfg := s.hub.cfg
	path, err := s.hub.names.next(cfg.RecordingPrefix, "mkv")
	if err != nil {
		return "", err
	}
	rec, err := media.NewRecorderSink(path, cfg.Width, cfg.Height, cfg.FPS, cfg.JPEGQuality)
	if err != nil {
		return "", err
	}
	rec.AddSource(sl.camera)
	br := graph.NewBranch(s.branchID("rec", n), rec, graph.WithQueueSize(cfg.QueueSize))
	if err := s.hub.engine.Attach(ctx, cam.tee, br); err != nil {
		rec.Close()
		os.Remove(path)
		os.Remove(media.ManifestPath(path))
		return "", err
	}
	sl.recorder, sl.recBr = rec, br
	util.GetLogger().Info("Recording started", "session", s.id, "slot", n, "camera", sl.camera, "file", path)
	return path, nil
}

// StopRecording detaches the recorder of slot n. The file is complete when
// it returns.
func (s *Session) StopRecording(ctx context.Context, n int) (media.RecordingManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.RecordingManifest{}, ErrSessionClosed
	}
	sl := s.slots[n]
	if sl == nil || sl.recBr == nil {
		return media.RecordingManifest{}, errors.Wrapf(ErrNotRecording, "slot %d", n)
	}
	rec, br := sl.recorder, sl.recBr
	sl.recorder, sl.recBr = nil, nil
	if err := s.hub.engine.Detach(ctx, br); err != nil {
		return rec.Manifest(), err
	}
	m := rec.Manifest()
	util.GetLogger().Info("Recording stopped", "session", s.id, "slot", n, "file", m.File, "frames", m.Frames)
	return m, nil
}

// Snapshot writes the most recent displayed frame of slot n as a JPEG file.
func (s *Session) Snapshot(ctx context.Context, n int) (string, error) {
	s.mu.Lock()
	sl, _, err := s.activeSlot(n)
	var display *media.DisplaySink
	if err == nil {
		display = sl.display
	}
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, ok := display.Latest()
	if !ok {
		return "", errors.Wrapf(ErrNoFrame, "slot %d", n)
	}
	data, err := media.EncodeJPEG(f, s.hub.cfg.JPEGQuality)
	if err != nil {
		return "", err
	}
	path, err := s.hub.names.next(s.hub.cfg.SnapshotPrefix, "jpeg")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write snapshot %s", path)
	}
	util.GetLogger().Info("Snapshot saved", "session", s.id, "slot", n, "file", path, "seq", f.Seq)
	return path, nil
}

// StartOutput streams slot n as JPEG frames to a TCP or UDP endpoint.
func (s *Session) StartOutput(ctx context.Context, n int, network, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, cam, err := s.activeSlot(n)
	if err != nil {
		return err
	}
	if sl.outBr != nil {
		return errors.Wrapf(ErrAlreadyOutput, "slot %d", n)
	}
	if network == "" {
		network = "udp"
	}
	out, err := media.DialNetworkSink(ctx, network, addr)
	if err != nil {
		return err
	}
	br := graph.NewBranch(s.branchID("out", n), out,
		graph.WithFilters(media.JPEGFilter(s.hub.cfg.JPEGQuality)),
		graph.WithQueueSize(s.hub.cfg.QueueSize),
		graph.WithLeaky())
	if err := s.hub.engine.Attach(ctx, cam.tee, br); err != nil {
		out.Close()
		return err
	}
	sl.output, sl.outBr = out, br
	util.GetLogger().Info("Network output started", "session", s.id, "slot", n, "addr", out.Addr())
	return nil
}

func (s *Session) StopOutput(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	sl := s.slots[n]
	if sl == nil || sl.outBr == nil {
		return errors.Wrapf(ErrNoOutput, "slot %d", n)
	}
	br := sl.outBr
	sl.output, sl.outBr = nil, nil
	return s.hub.engine.Detach(ctx, br)
}

// Watch subscribes to JPEG pictures of slot n's display.
func (s *Session) Watch(n int, subscriber string) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, _, err := s.activeSlot(n)
	if err != nil {
		return nil, err
	}
	return sl.display.Subscribe(subscriber, 4), nil
}

// Unwatch drops a subscription made with Watch.
func (s *Session) Unwatch(n int, subscriber string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl := s.slots[n]; sl != nil && sl.display != nil {
		sl.display.Unsubscribe(subscriber)
	}
}

// Offer answers a browser's WebRTC offer for slot n. Frames of the slot's
// display flow over the data channel the browser opens.
func (s *Session) Offer(ctx context.Context, n int, sdp string) (string, error) {
	s.mu.Lock()
	sl, _, err := s.activeSlot(n)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if sl.peer != nil {
		sl.peer.Close()
		sl.peer = nil
	}
	peer, err := media.NewPeerSink(fmt.Sprintf("%s-%d", s.id, n), sl.display)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	sl.peer = peer
	s.mu.Unlock()

	return peer.Answer(ctx, sdp)
}

// SlotStatus describes one slot.
type SlotStatus struct {
	Slot      int                `json:"slot"`
	Camera    string             `json:"camera"`
	Display   media.DisplayStats `json:"display"`
	Recording string             `json:"recording,omitempty"`
	Output    string             `json:"output,omitempty"`
}

// Status lists the session's slots in order.
func (s *Session) Status() []SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SlotStatus, 0, len(s.slots))
	for n, sl := range s.slots {
		if sl.camera == "" {
			continue
		}
		st := SlotStatus{Slot: n, Camera: sl.camera, Display: sl.display.Stats()}
		if sl.recorder != nil {
			st.Recording = sl.recorder.Path()
		}
		if sl.output != nil {
			st.Output = sl.output.Addr()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Close detaches every branch the session owns and then releases every
// camera it holds.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	slots := s.slots
	s.slots = make(map[int]*slot)
	s.mu.Unlock()
	defer s.hub.forget(s.id)

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keys := make([]int, 0, len(slots))
	for n := range slots {
		keys = append(keys, n)
	}
	sort.Ints(keys)

	for _, n := range keys {
		sl := slots[n]
		if sl.peer != nil {
			keep(sl.peer.Close())
		}
		for _, br := range append(sl.followers(), sl.dispBr) {
			if br != nil {
				keep(s.hub.engine.Detach(ctx, br))
			}
		}
	}
	for _, n := range keys {
		if cam := slots[n].camera; cam != "" {
			keep(s.hub.activator.Release(ctx, cam))
		}
	}
	util.GetLogger().Info("Session closed", "session", s.id)
	return first
}
