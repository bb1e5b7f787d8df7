package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/server/handlers"
	"github.com/babelcloud/camrelay/internal/server/router"
	"github.com/babelcloud/camrelay/internal/viewer"
)

// CamRelayServer serves the viewer API and WebSocket on top of a hub.
type CamRelayServer struct {
	port       int
	httpServer *http.Server
	mux        *http.ServeMux
	hub        *viewer.Hub

	routesOnce sync.Once
	stopOnce   sync.Once
	stopErr    error

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
	buildID   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewCamRelayServer creates a server for hub listening on port.
func NewCamRelayServer(port int, hub *viewer.Hub) *CamRelayServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &CamRelayServer{
		port:      port,
		mux:       http.NewServeMux(),
		hub:       hub,
		startTime: time.Now(),
		buildID:   GetBuildID(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler returns the HTTP handler with every route registered.
func (s *CamRelayServer) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return loggingMiddleware(s.mux)
}

// Start listens on the configured port and serves until Stop.
func (s *CamRelayServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.port)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *CamRelayServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  0, // No read timeout for streaming connections
		WriteTimeout: 0, // No write timeout for streaming connections
		IdleTimeout:  0,
	}
	s.running = true
	srv := s.httpServer
	s.mu.Unlock()

	log.Printf("Viewer server listening on %s", ln.Addr())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down and then the hub.
func (s *CamRelayServer) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		srv := s.httpServer
		s.mu.Unlock()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := srv.Shutdown(ctx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				// Force close if graceful shutdown fails
				if err := srv.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
			cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.stopErr = s.hub.Shutdown(ctx)
		s.cancel()
		log.Println("Viewer server stopped")
	})
	return s.stopErr
}

// Done is closed once Stop has finished.
func (s *CamRelayServer) Done() <-chan struct{} { return s.ctx.Done() }

// setupRoutes registers routers, most specific first.
func (s *CamRelayServer) setupRoutes() {
	routers := []router.Router{
		&router.APIRouter{},
		&router.SessionsRouter{},
		&router.WebSocketRouter{},
	}
	for _, r := range routers {
		r.RegisterRoutes(s.mux, s)
	}
}

// ServerService interface implementations for handlers

// IsRunning returns whether the server is serving
func (s *CamRelayServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetPort returns the server port
func (s *CamRelayServer) GetPort() int {
	return s.port
}

// GetUptime returns server uptime
func (s *CamRelayServer) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// GetBuildID returns build ID
func (s *CamRelayServer) GetBuildID() string {
	return s.buildID
}

// GetVersion returns version info
func (s *CamRelayServer) GetVersion() string {
	return BuildInfo.Version
}

// Hub returns the viewer hub
func (s *CamRelayServer) Hub() *viewer.Hub {
	return s.hub
}

var _ handlers.ServerService = (*CamRelayServer)(nil)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		duration := time.Since(start)
		log.Printf("%s %s %d %d %s %s", r.Method, r.URL.Path, lw.status, lw.length, duration, r.RemoteAddr)
	})
}
