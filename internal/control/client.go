package control

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout bounds a dial or a command round trip when the caller sets
// no deadline of its own.
const DefaultTimeout = 3 * time.Second

// Client talks to a resource server. Each Do opens a fresh connection;
// Open hands out a Session for callers that need several commands on one
// connection.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the dial and round-trip timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient returns a client for the resource server at addr (host:port).
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{addr: addr, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Do sends one command on a new connection and returns the reply.
func (c *Client) Do(ctx context.Context, cmd Command) (Reply, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	s, err := c.Open(ctx)
	if err != nil {
		return "", err
	}
	defer s.Close()
	return s.Do(ctx, cmd)
}

// Open dials the server and returns a session bound to that connection.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dctx, "tcp", c.addr)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && !errors.Is(cerr, context.DeadlineExceeded) {
			return nil, errors.Wrapf(cerr, "dial %s", c.addr)
		}
		return nil, &TransientError{Op: "dial", Addr: c.addr, Err: err}
	}
	return &Session{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, MaxReplyLen),
		addr:    c.addr,
		timeout: c.timeout,
	}, nil
}

// Session is one open control connection. It is not safe for concurrent use.
type Session struct {
	conn    net.Conn
	r       *bufio.Reader
	addr    string
	timeout time.Duration
}

// Do writes cmd and waits for the reply line.
func (s *Session) Do(ctx context.Context, cmd Command) (Reply, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return "", errors.Wrap(err, "failed to set control deadline")
	}

	stop := context.AfterFunc(ctx, func() {
		// Unblock any pending read or write.
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := io.WriteString(s.conn, cmd.String()+"\n"); err != nil {
		return "", s.wrap("write", ctx, err)
	}
	line, err := readLine(s.r, MaxReplyLen)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", s.wrap("read", ctx, err)
	}
	return Reply(strings.TrimSpace(line)), nil
}

// wrap classifies a failed exchange. A caller's deadline is transient like
// any other timeout; only cancellation is final.
func (s *Session) wrap(op string, ctx context.Context, err error) error {
	switch cerr := ctx.Err(); {
	case errors.Is(cerr, context.DeadlineExceeded):
		return &TransientError{Op: op, Addr: s.addr, Err: cerr}
	case cerr != nil:
		return errors.Wrapf(cerr, "control %s %s", op, s.addr)
	}
	if err == ErrLineTooLong {
		return errors.Wrapf(err, "reply from %s exceeds %d bytes", s.addr, MaxReplyLen)
	}
	return &TransientError{Op: op, Addr: s.addr, Err: err}
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
