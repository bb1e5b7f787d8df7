// Package viewer ties camera graphs, the activation table and viewer
// sessions together.
package viewer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/bridge"
	"github.com/babelcloud/camrelay/internal/graph"
	"github.com/babelcloud/camrelay/internal/media"
	"github.com/babelcloud/camrelay/internal/resource"
	"github.com/babelcloud/camrelay/internal/shm"
)

var (
	ErrHubClosed       = errors.New("viewer hub is shut down")
	ErrSessionNotFound = errors.New("session not found")
)

// CameraSource names the frame source of one camera graph.
type CameraSource struct {
	Name   string
	Source graph.Source
}

// Config holds the hub settings.
type Config struct {
	OutputDir       string
	RecordingPrefix string
	SnapshotPrefix  string
	Width           int
	Height          int
	FPS             int
	JPEGQuality     int
	QueueSize       int
	MaxBranches     int
	ErrorBackoff    time.Duration
}

func (c *Config) setDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.RecordingPrefix == "" {
		c.RecordingPrefix = "vidoutput"
	}
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = "imageout"
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.QueueSize <= 0 {
		c.QueueSize = graph.DefaultQueueSize
	}
	if c.MaxBranches <= 0 {
		c.MaxBranches = 16
	}
}

// camera is one per-camera graph: source feeding a splitter named "tee".
type camera struct {
	name  string
	graph *graph.Graph
	tee   *graph.Splitter
}

// Hub owns one graph per camera and the sessions viewing them. A graph plays
// only while at least one session has its camera selected.
type Hub struct {
	cfg       Config
	engine    *graph.Engine
	activator *resource.Activator
	cameras   map[string]*camera
	names     *outputNamer
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewHub builds the camera graphs. cmd powers cameras up and down on the
// resource server.
func NewHub(cmd resource.Commander, sources []CameraSource, cfg Config) (*Hub, error) {
	cfg.setDefaults()
	if len(sources) == 0 {
		return nil, errors.New("no cameras configured")
	}
	h := &Hub{
		cfg:      cfg,
		engine:   graph.NewEngine(),
		cameras:  make(map[string]*camera, len(sources)),
		names:    newOutputNamer(cfg.OutputDir),
		logger:   slog.With("component", "viewer-hub"),
		sessions: make(map[string]*Session),
	}

	names := make([]string, 0, len(sources))
	for _, cs := range sources {
		if _, dup := h.cameras[cs.Name]; dup {
			return nil, errors.Errorf("camera %s configured twice", cs.Name)
		}
		cam, err := h.buildCamera(cs)
		if err != nil {
			return nil, err
		}
		h.cameras[cs.Name] = cam
		names = append(names, cs.Name)
	}
	h.activator = resource.New(cmd, names, resource.WithTransitionHook(h.onTransition))
	return h, nil
}

func (h *Hub) buildCamera(cs CameraSource) (*camera, error) {
	opts := []graph.Option{graph.WithInterval(time.Second / time.Duration(h.cfg.FPS))}
	if h.cfg.ErrorBackoff > 0 {
		opts = append(opts, graph.WithErrorBackoff(h.cfg.ErrorBackoff))
	}
	g := graph.New(cs.Name, opts...)
	src := graph.NewSourceNode("src", cs.Source)
	tee := graph.NewSplitterNode("tee", h.cfg.MaxBranches)
	if err := g.AddNode(src); err != nil {
		return nil, err
	}
	if err := g.AddNode(tee); err != nil {
		return nil, err
	}
	if _, err := g.Link(src, tee); err != nil {
		return nil, errors.Wrapf(err, "failed to build graph for %s", cs.Name)
	}
	return &camera{name: cs.Name, graph: g, tee: tee.Splitter()}, nil
}

// onTransition runs under the activator lock; it only flips graph state.
func (h *Hub) onTransition(name string, up bool) {
	cam := h.cameras[name]
	if cam == nil {
		return
	}
	if !up {
		cam.graph.Pause()
		return
	}
	if err := cam.graph.Play(); err != nil {
		h.logger.Error("Failed to play camera graph", "camera", name, "error", err)
	}
}

// OpenBridgeSource maps region read-only from dir and returns a source that
// pulls frames of the named camera through the control channel.
func OpenBridgeSource(opener bridge.Opener, dir, cameraName, region string, width, height int, opts ...bridge.Option) (*media.BridgeSource, error) {
	r, err := shm.Open(dir, region, width*height*graph.FormatRGBA.BytesPerPixel())
	if err != nil {
		return nil, err
	}
	opts = append([]bridge.Option{bridge.WithLockName(cameraName)}, opts...)
	b, err := bridge.New(opener, r, width, height, opts...)
	if err != nil {
		r.Close()
		return nil, err
	}
	return media.NewBridgeSource(b, r), nil
}

func (h *Hub) camera(name string) (*camera, error) {
	cam := h.cameras[name]
	if cam == nil {
		return nil, errors.Wrapf(resource.ErrUnknownResource, "camera %s", name)
	}
	return cam, nil
}

// Engine returns the reconfiguration engine shared by all sessions.
func (h *Hub) Engine() *graph.Engine { return h.engine }

// Activator returns the camera activation table.
func (h *Hub) Activator() *resource.Activator { return h.activator }

// CameraStatus is the API view of one camera.
type CameraStatus struct {
	resource.Status
	Graph    graph.Stats `json:"graph"`
	Branches []string    `json:"branches"`
}

// Cameras reports every camera sorted by name.
func (h *Hub) Cameras() []CameraStatus {
	var out []CameraStatus
	for _, st := range h.activator.Snapshot() {
		cam := h.cameras[st.Name]
		out = append(out, CameraStatus{Status: st, Graph: cam.graph.Stats(), Branches: cam.tee.Targets()})
	}
	return out
}

// Graph returns the graph of a camera, or nil.
func (h *Hub) Graph(name string) *graph.Graph {
	if cam := h.cameras[name]; cam != nil {
		return cam.graph
	}
	return nil
}

// NewSession registers a session with a fresh ID.
func (h *Hub) NewSession() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	s := newSession(uuid.New().String(), h)
	h.sessions[s.id] = s
	h.logger.Info("Session opened", "session", s.id)
	return s, nil
}

// Session looks up a session by ID.
func (h *Hub) Session(id string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %s", id)
	}
	return s, nil
}

// Sessions lists the IDs of open sessions.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseSession closes and forgets a session.
func (h *Hub) CloseSession(ctx context.Context, id string) error {
	s, err := h.Session(id)
	if err != nil {
		return err
	}
	return s.Close(ctx)
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Shutdown closes every session, tears the graphs down and powers down any
// camera still up, in that order.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, s := range sessions {
		keep(s.Close(ctx))
	}
	for _, name := range h.activator.Names() {
		keep(h.cameras[name].graph.Teardown(ctx))
	}
	keep(h.activator.Shutdown(ctx))
	h.logger.Info("Viewer hub shut down", "sessions", len(sessions))
	return first
}
