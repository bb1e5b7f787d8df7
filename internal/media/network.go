package media

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/graph"
)

// FrameHeaderLen is the size of the header preceding every frame sent by a
// NetworkSink: sequence (8 bytes), width (2), height (2), payload length (4),
// all big endian.
const FrameHeaderLen = 16

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// NetworkSink streams frames to a remote endpoint. Over UDP each frame is one
// datagram, so frames must be encoded small enough to fit.
type NetworkSink struct {
	network string
	addr    string
	conn    net.Conn
	timeout time.Duration
	buf     []byte
}

// DialNetworkSink connects to addr over "tcp" or "udp".
func DialNetworkSink(ctx context.Context, network, addr string) (*NetworkSink, error) {
	switch network {
	case "tcp", "udp":
	default:
		return nil, errors.Errorf("unsupported output network %q", network)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect output %s://%s", network, addr)
	}
	return &NetworkSink{network: network, addr: addr, conn: conn, timeout: 2 * time.Second}, nil
}

// Addr returns the remote endpoint as network://addr.
func (n *NetworkSink) Addr() string { return n.network + "://" + n.addr }

// PutFrameHeader encodes the header for f into dst.
func PutFrameHeader(dst []byte, f graph.Frame) {
	binary.BigEndian.PutUint64(dst[0:8], f.Seq)
	binary.BigEndian.PutUint16(dst[8:10], uint16(f.Width))
	binary.BigEndian.PutUint16(dst[10:12], uint16(f.Height))
	binary.BigEndian.PutUint32(dst[12:16], uint32(len(f.Data)))
}

// ParseFrameHeader decodes a header written by PutFrameHeader.
func ParseFrameHeader(src []byte) (seq uint64, width, height int, length int, err error) {
	if len(src) < FrameHeaderLen {
		return 0, 0, 0, 0, errors.Errorf("frame header needs %d bytes, got %d", FrameHeaderLen, len(src))
	}
	return binary.BigEndian.Uint64(src[0:8]),
		int(binary.BigEndian.Uint16(src[8:10])),
		int(binary.BigEndian.Uint16(src[10:12])),
		int(binary.BigEndian.Uint32(src[12:16])),
		nil
}

func (n *NetworkSink) Consume(f graph.Frame) error {
	total := FrameHeaderLen + len(f.Data)
	if n.network == "udp" && total > maxDatagram {
		return errors.Errorf("frame %d is %d bytes, too large for a datagram", f.Seq, total)
	}
	if cap(n.buf) < total {
		n.buf = make([]byte, total)
	}
	buf := n.buf[:total]
	PutFrameHeader(buf, f)
	copy(buf[FrameHeaderLen:], f.Data)

	_ = n.conn.SetWriteDeadline(time.Now().Add(n.timeout))
	if _, err := n.conn.Write(buf); err != nil {
		return errors.Wrapf(err, "failed to send frame %d to %s", f.Seq, n.Addr())
	}
	return nil
}

func (n *NetworkSink) Close() error {
	return n.conn.Close()
}
