package control

import (
	"bufio"
	"context"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/util"
)

// Handler answers one parsed command. Handlers run on the connection's
// goroutine, so a slow handler only delays its own client.
type Handler interface {
	Handle(ctx context.Context, cmd Command) Reply
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) Reply

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) Reply { return f(ctx, cmd) }

// Server accepts control connections and dispatches each request line to a
// Handler. A connection may carry any number of commands.
type Server struct {
	addr          string
	handler       Handler
	maxClients    int
	proxyProtocol bool
	idleTimeout   time.Duration

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	sem chan struct{}
	wg  sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMaxClients bounds the number of connections served at once. Further
// clients wait in the listen backlog.
func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

// WithProxyProtocol accepts PROXY protocol headers from a fronting proxy.
func WithProxyProtocol(enabled bool) ServerOption {
	return func(s *Server) { s.proxyProtocol = enabled }
}

// WithIdleTimeout closes connections that send nothing for d.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.idleTimeout = d }
}

// NewServer creates a server for addr. Nothing is bound until Listen.
func NewServer(addr string, h Handler, opts ...ServerOption) *Server {
	s := &Server{
		addr:        addr,
		handler:     h,
		maxClients:  4,
		idleTimeout: time.Minute,
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = make(chan struct{}, s.maxClients)
	return s
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind control listener on %s", s.addr)
	}
	if s.proxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 5 * time.Second}
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds and serves until ctx is done or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control server is not listening")
	}

	logger := util.GetLogger()
	logger.Info("Control server listening", "addr", ln.Addr().String(), "max_clients", s.maxClients)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			<-s.sem
			if s.isClosed() {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Warn("Control accept timeout", "error", err)
				continue
			}
			return errors.Wrap(err, "control accept failed")
		}

		if !s.track(conn) {
			conn.Close()
			<-s.sem
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	logger := util.GetLogger().With("remote", conn.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Control connection panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	logger.Debug("Control client connected")

	r := bufio.NewReader(conn)
	for s.armRead(conn) {
		line, err := readLine(r, MaxCommandLen)
		if err != nil {
			if err != io.EOF && !s.isClosed() {
				logger.Debug("Control connection closed", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		reply := Reply(ReplyUnknown)
		cmd, err := ParseCommand(line)
		if err != nil {
			logger.Debug("Unknown control command", "line", line)
		} else {
			reply = s.handler.Handle(ctx, cmd)
		}
		if len(reply)+1 > MaxReplyLen {
			reply = reply[:MaxReplyLen-1]
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.WriteString(conn, string(reply)+"\n"); err != nil {
			logger.Debug("Failed to write control reply", "error", err)
			return
		}
	}
}

// armRead sets the idle deadline for the next command, or reports false
// once the server is closing.
func (s *Server) armRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	var deadline time.Time
	if s.idleTimeout > 0 {
		deadline = time.Now().Add(s.idleTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	return true
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting and ends every connection once its current command
// has been answered. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for c := range s.conns {
		// Interrupt idle reads; a command being handled still gets its reply.
		_ = c.SetReadDeadline(time.Unix(1, 0))
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
