package media

import (
	"sync"

	"github.com/babelcloud/camrelay/internal/graph"
	"github.com/babelcloud/camrelay/internal/util"
)

// DisplaySink keeps the most recent frame for snapshots and pushes JPEG
// copies to live viewers.
type DisplaySink struct {
	name    string
	quality int
	bc      *Broadcaster

	mu     sync.Mutex
	latest graph.Frame
	has    bool
	first  uint64
	frames uint64
	closed bool
}

// DisplayStats counts what a display has shown.
type DisplayStats struct {
	Frames uint64 `json:"frames"`
	First  uint64 `json:"first_seq"`
	Last   uint64 `json:"last_seq"`
}

func NewDisplaySink(name string, quality int) *DisplaySink {
	return &DisplaySink{name: name, quality: quality, bc: NewBroadcaster(name)}
}

func (d *DisplaySink) Consume(f graph.Frame) error {
	d.mu.Lock()
	if !d.has {
		d.first = f.Seq
	}
	d.latest, d.has = f, true
	d.frames++
	d.mu.Unlock()

	if d.bc.SubscriberCount() == 0 {
		return nil
	}
	data, err := EncodeJPEG(f, d.quality)
	if err != nil {
		return err
	}
	d.bc.Broadcast(data)
	return nil
}

func (d *DisplaySink) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.bc.Close()
	util.GetLogger().Debug("Display closed", "display", d.name)
	return nil
}

// Latest returns the most recent frame, if any has arrived.
func (d *DisplaySink) Latest() (graph.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest, d.has
}

// Frames counts frames consumed so far.
func (d *DisplaySink) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Stats returns the frame count together with the first and last sequence
// numbers, read at one instant.
func (d *DisplaySink) Stats() DisplayStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DisplayStats{Frames: d.frames, First: d.first, Last: d.latest.Seq}
}

// Closed reports whether the display has received end-of-stream.
func (d *DisplaySink) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Subscribe returns a channel of JPEG pictures.
func (d *DisplaySink) Subscribe(id string, buffer int) <-chan []byte {
	return d.bc.Subscribe(id, buffer)
}

func (d *DisplaySink) Unsubscribe(id string) {
	d.bc.Unsubscribe(id)
}
