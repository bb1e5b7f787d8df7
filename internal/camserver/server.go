// Package camserver is the resource server: it owns the shared memory
// regions, produces frames into them while their camera is up, and answers
// control commands.
package camserver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/shm"
	"github.com/babelcloud/camrelay/internal/util"
)

// CameraConfig describes one camera.
type CameraConfig struct {
	Name    string
	Region  string
	Pattern string
}

// Config configures a Server.
type Config struct {
	Addr          string
	Dir           string
	Width         int
	Height        int
	FPS           int
	MaxClients    int
	ProxyProtocol bool
	// LockTimeout bounds how long a write waits for readers, and how long a
	// remote read lock waits for a write to finish.
	LockTimeout time.Duration
	Cameras     []CameraConfig
	// InMemory keeps regions in process memory instead of Dir.
	InMemory bool
}

// Server runs the cameras and the control listener.
type Server struct {
	cfg      Config
	cameras  map[string]*Camera
	byRegion map[string]*Camera
	ctl      *control.Server

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates every camera region. Nothing runs until Run.
func New(cfg Config) (*Server, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = time.Second
	}
	s := &Server{
		cfg:      cfg,
		cameras:  make(map[string]*Camera),
		byRegion: make(map[string]*Camera),
		stop:     make(chan struct{}),
	}
	size := cfg.Width * cfg.Height * 4
	for _, cc := range cfg.Cameras {
		if _, dup := s.cameras[cc.Name]; dup {
			s.closeCameras()
			return nil, errors.Errorf("camera %q configured twice", cc.Name)
		}
		region, err := s.createRegion(cc.Region, size)
		if err != nil {
			s.closeCameras()
			return nil, err
		}
		cam, err := newCamera(cc.Name, region, cc.Pattern, cfg.Width, cfg.Height)
		if err != nil {
			region.Close()
			s.closeCameras()
			return nil, errors.Wrapf(err, "camera %s", cc.Name)
		}
		s.cameras[cc.Name] = cam
		s.byRegion[cc.Region] = cam
	}
	s.ctl = control.NewServer(cfg.Addr, s,
		control.WithMaxClients(cfg.MaxClients),
		control.WithProxyProtocol(cfg.ProxyProtocol))
	return s, nil
}

func (s *Server) createRegion(name string, size int) (shm.Writable, error) {
	if s.cfg.InMemory {
		return shm.NewMemory(name, size), nil
	}
	return shm.Create(s.cfg.Dir, name, size)
}

// Camera returns the camera called name, or nil.
func (s *Server) Camera(name string) *Camera { return s.cameras[name] }

// Cameras returns every camera sorted by name.
func (s *Server) Cameras() []*Camera {
	out := make([]*Camera, 0, len(s.cameras))
	for _, c := range s.cameras {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Listen binds the control listener. Failing to bind is fatal to startup.
func (s *Server) Listen() error {
	return s.ctl.Listen()
}

// Addr returns the bound control address.
func (s *Server) Addr() string {
	if a := s.ctl.Addr(); a != nil {
		return a.String()
	}
	return s.cfg.Addr
}

// Stop asks Run to return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run serves commands and produces frames until ctx ends or a STOP command
// arrives, then releases every region. Listen is called if it has not been.
func (s *Server) Run(ctx context.Context) error {
	if s.ctl.Addr() == nil {
		if err := s.Listen(); err != nil {
			s.closeCameras()
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := util.GetLogger()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.produceLoop(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.ctl.Serve(ctx) }()

	var err error
	select {
	case <-ctx.Done():
	case <-s.stop:
		logger.Info("Resource server stopping on request")
	case err = <-serveErr:
	}
	cancel()
	wg.Wait()
	s.ctl.Close()
	if err == nil {
		err = <-serveErr
	}
	if cerr := s.closeCameras(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) produceLoop(ctx context.Context) {
	logger := util.GetLogger()
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()
	cams := s.Cameras()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, c := range cams {
			c.produce(ctx, s.cfg.LockTimeout, logger)
		}
	}
}

func (s *Server) closeCameras() error {
	var first error
	for _, c := range s.cameras {
		if err := c.close(); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to close camera %s", c.name)
		}
		if !s.cfg.InMemory {
			if err := shm.Remove(s.cfg.Dir, c.region.Name()); err != nil && first == nil {
				first = err
			}
		}
	}
	s.cameras = map[string]*Camera{}
	s.byRegion = map[string]*Camera{}
	return first
}

// lookup accepts a camera name or a region name.
func (s *Server) lookup(name string) *Camera {
	if c, ok := s.cameras[name]; ok {
		return c
	}
	return s.byRegion[name]
}

// Handle implements control.Handler.
func (s *Server) Handle(ctx context.Context, cmd control.Command) control.Reply {
	if cmd.Verb == control.VerbStop {
		s.Stop()
		return control.ReplyACK
	}
	c := s.lookup(cmd.Target)
	if c == nil {
		return control.ReplyUnknown
	}
	logger := util.GetLogger()
	switch cmd.Verb {
	case control.VerbUp:
		if !c.up.Swap(true) {
			logger.Info("Camera up", "camera", c.name)
		}
		return control.ReplyACK
	case control.VerbDown:
		if c.up.Swap(false) {
			logger.Info("Camera down", "camera", c.name)
		}
		return control.ReplyACK
	case control.VerbStatus:
		if c.Up() {
			return control.ReplyUp
		}
		return control.ReplyDown
	case control.VerbLock:
		if !c.Up() {
			return control.ReplyDown
		}
		lctx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
		defer cancel()
		frame, ok := c.buf.ReadLock(lctx)
		if !ok {
			return control.ReplyDown
		}
		return control.AckSeq(frame)
	case control.VerbRelease:
		c.buf.ReadRelease()
		return control.ReplyACK
	}
	return control.ReplyUnknown
}
