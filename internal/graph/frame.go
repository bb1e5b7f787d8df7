package graph

import (
	"context"
	"time"
)

// Format names the pixel layout of a frame.
type Format string

const (
	FormatRGBA Format = "RGBA"
	FormatJPEG Format = "JPEG"
)

// BytesPerPixel returns the pixel size of raw formats, or 0 for compressed ones.
func (f Format) BytesPerPixel() int {
	if f == FormatRGBA {
		return 4
	}
	return 0
}

// Frame is one immutable picture. Seq is stamped by the graph's source node
// and increases by one per pulled frame; ProducerSeq is whatever counter the
// producer attached. Data must not be modified once the frame is delivered,
// since sibling branches share it.
type Frame struct {
	Seq         uint64
	ProducerSeq uint64
	Width       int
	Height      int
	Format      Format
	Data        []byte
	Captured    time.Time
}

// IsZero reports whether f carries no picture.
func (f Frame) IsZero() bool {
	return f.Data == nil && f.Seq == 0
}

// Source produces frames. Pull may block until a frame is available.
type Source interface {
	Pull(ctx context.Context) (Frame, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Frame, error)

func (f SourceFunc) Pull(ctx context.Context) (Frame, error) { return f(ctx) }

// Filter transforms a frame. Returning false drops it.
type Filter interface {
	Process(f Frame) (Frame, bool)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(f Frame) (Frame, bool)

func (fn FilterFunc) Process(f Frame) (Frame, bool) { return fn(f) }

// Sink terminates a branch. Consume is called from the branch goroutine only;
// Close is called once, after the last Consume, when end-of-stream arrives.
type Sink interface {
	Consume(f Frame) error
	Close() error
}

// event is what travels over a link: a frame or end-of-stream.
type event struct {
	frame Frame
	eos   bool
}
