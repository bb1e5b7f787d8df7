// Package media holds the concrete frame sources and sinks plugged into
// camera graphs.
package media

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/babelcloud/camrelay/internal/bridge"
	"github.com/babelcloud/camrelay/internal/graph"
)

// BridgeSource pulls frames from another process through a bridge and owns
// the region the bridge reads.
type BridgeSource struct {
	bridge *bridge.Bridge
	region io.Closer
}

func NewBridgeSource(b *bridge.Bridge, region io.Closer) *BridgeSource {
	return &BridgeSource{bridge: b, region: region}
}

func (s *BridgeSource) Pull(ctx context.Context) (graph.Frame, error) {
	return s.bridge.Pull(ctx)
}

// Bridge exposes the underlying bridge for its counters.
func (s *BridgeSource) Bridge() *bridge.Bridge { return s.bridge }

func (s *BridgeSource) Close() error {
	if s.region == nil {
		return nil
	}
	return s.region.Close()
}

// PatternSource draws synthetic frames in process.
type PatternSource struct {
	pattern Pattern
	width   int
	height  int
	n       atomic.Uint64
}

func NewPatternSource(p Pattern, width, height int) *PatternSource {
	return &PatternSource{pattern: p, width: width, height: height}
}

func (s *PatternSource) Pull(ctx context.Context) (graph.Frame, error) {
	if err := ctx.Err(); err != nil {
		return graph.Frame{}, err
	}
	n := s.n.Add(1)
	data := make([]byte, s.width*s.height*4)
	FillPattern(s.pattern, data, s.width, s.height, n)
	return graph.Frame{
		ProducerSeq: n,
		Width:       s.width,
		Height:      s.height,
		Format:      graph.FormatRGBA,
		Data:        data,
		Captured:    time.Now(),
	}, nil
}

// FileSource loops over a raw RGBA file.
type FileSource struct {
	raw    *RawFile
	width  int
	height int
	n      atomic.Uint64
}

func NewFileSource(path string, width, height int) (*FileSource, error) {
	raw, err := OpenRawFile(path, width*height*4)
	if err != nil {
		return nil, err
	}
	return &FileSource{raw: raw, width: width, height: height}, nil
}

func (s *FileSource) Pull(ctx context.Context) (graph.Frame, error) {
	if err := ctx.Err(); err != nil {
		return graph.Frame{}, err
	}
	data := make([]byte, s.width*s.height*4)
	if err := s.raw.Next(data); err != nil {
		return graph.Frame{}, err
	}
	return graph.Frame{
		ProducerSeq: s.n.Add(1),
		Width:       s.width,
		Height:      s.height,
		Format:      graph.FormatRGBA,
		Data:        data,
		Captured:    time.Now(),
	}, nil
}

func (s *FileSource) Close() error { return s.raw.Close() }
