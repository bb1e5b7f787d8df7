package media

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/util"
)

// PeerChannelLabel is the data channel the browser opens for frames.
const PeerChannelLabel = "frames"

// peerChunk bounds each data channel message. Frames are split into chunks;
// the first byte of every chunk is 1 on the last chunk of a frame, else 0.
const peerChunk = 16 * 1024

// PeerSink forwards a display's JPEG pictures to a browser over a WebRTC data
// channel. The browser creates the channel; the server answers its offer.
type PeerSink struct {
	id      string
	display *DisplaySink
	pc      *webrtc.PeerConnection

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	cancel context.CancelFunc
	closed bool
	sent   uint64
}

// NewPeerSink creates the peer connection. Frames flow once the browser's
// data channel opens.
func NewPeerSink(id string, display *DisplaySink) (*PeerSink, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer connection")
	}
	p := &PeerSink{id: id, display: display, pc: pc}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if util.IsVerbose() || s == webrtc.PeerConnectionStateConnected || s == webrtc.PeerConnectionStateFailed {
			log.Printf("Viewer %s WebRTC state: %s", id, s.String())
		}
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			p.stopPump()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != PeerChannelLabel {
			return
		}
		dc.OnOpen(func() { p.startPump(dc) })
		dc.OnClose(p.stopPump)
	})
	return p, nil
}

// Answer applies the browser's offer and returns the answer SDP once ICE
// gathering has finished.
func (p *PeerSink) Answer(ctx context.Context, offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", errors.Wrap(err, "failed to set remote description")
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create answer")
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(err, "failed to set local description")
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "ICE gathering did not finish")
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *PeerSink) startPump(dc *webrtc.DataChannel) {
	p.mu.Lock()
	if p.closed || p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.dc, p.cancel = dc, cancel
	p.mu.Unlock()

	subID := "peer-" + p.id
	frames := p.display.Subscribe(subID, 4)
	go func() {
		defer p.display.Unsubscribe(subID)
		for {
			select {
			case <-ctx.Done():
				return
			case jpg, ok := <-frames:
				if !ok {
					return
				}
				if err := p.send(dc, jpg); err != nil {
					util.GetLogger().Debug("Peer frame send failed", "viewer", p.id, "error", err)
					return
				}
			}
		}
	}()
}

func (p *PeerSink) send(dc *webrtc.DataChannel, jpg []byte) error {
	// Skip frames while the channel is still flushing earlier ones.
	if dc.BufferedAmount() > 4*peerChunk*8 {
		return nil
	}
	msg := make([]byte, 0, peerChunk+1)
	for off := 0; off < len(jpg); off += peerChunk {
		end := min(off+peerChunk, len(jpg))
		last := byte(0)
		if end == len(jpg) {
			last = 1
		}
		msg = append(msg[:0], last)
		msg = append(msg, jpg[off:end]...)
		if err := dc.Send(msg); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	return nil
}

func (p *PeerSink) stopPump() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Sent counts frames delivered to the browser.
func (p *PeerSink) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Close tears down the peer connection.
func (p *PeerSink) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.pc.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return errors.New("timed out closing peer connection")
	}
}
