package media

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camrelay/internal/graph"
)

func TestNetworkSinkUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	sink, err := DialNetworkSink(context.Background(), "udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer sink.Close()

	f := graph.Frame{Seq: 42, Width: 320, Height: 240, Format: graph.FormatJPEG, Data: []byte("jpeg-bytes")}
	require.NoError(t, sink.Consume(f))

	buf := make([]byte, 1024)
	_ = pc.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)

	seq, w, h, length, err := ParseFrameHeader(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)
	assert.Equal(t, len(f.Data), length)
	assert.Equal(t, f.Data, buf[FrameHeaderLen:n])
}

func TestNetworkSinkUDPRejectsOversizeFrames(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	sink, err := DialNetworkSink(context.Background(), "udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer sink.Close()

	err = sink.Consume(graph.Frame{Seq: 1, Data: make([]byte, maxDatagram)})
	assert.ErrorContains(t, err, "too large")
}

func TestNetworkSinkTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	sink, err := DialNetworkSink(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "tcp://"+ln.Addr().String(), sink.Addr())

	require.NoError(t, sink.Consume(graph.Frame{Seq: 1, Width: 2, Height: 2, Data: []byte("ab")}))
	require.NoError(t, sink.Consume(graph.Frame{Seq: 2, Width: 2, Height: 2, Data: []byte("cde")}))
	require.NoError(t, sink.Close())

	var data []byte
	select {
	case data = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("no data received")
	}

	seq, _, _, length, err := ParseFrameHeader(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, "ab", string(data[FrameHeaderLen:FrameHeaderLen+length]))

	rest := data[FrameHeaderLen+length:]
	seq, _, _, length, err = ParseFrameHeader(rest)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, "cde", string(rest[FrameHeaderLen:FrameHeaderLen+length]))
}

func TestDialNetworkSinkErrors(t *testing.T) {
	_, err := DialNetworkSink(context.Background(), "unix", "/tmp/x")
	assert.Error(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	_, err = DialNetworkSink(context.Background(), "tcp", addr)
	assert.Error(t, err)
}

func TestParseFrameHeaderShort(t *testing.T) {
	_, _, _, _, err := ParseFrameHeader(make([]byte, 4))
	assert.Error(t, err)
}
