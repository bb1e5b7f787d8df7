package media

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"

	"github.com/babelcloud/camrelay/internal/graph"
)

// DefaultJPEGQuality is used when a caller passes a quality outside 1..100.
const DefaultJPEGQuality = 80

// EncodeJPEG returns f as JPEG bytes. JPEG frames are returned unchanged.
func EncodeJPEG(f graph.Frame, quality int) ([]byte, error) {
	switch f.Format {
	case graph.FormatJPEG:
		return f.Data, nil
	case graph.FormatRGBA, "":
	default:
		return nil, errors.Errorf("cannot encode %s frame as JPEG", f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) < f.Width*f.Height*4 {
		return nil, errors.Errorf("frame %d: %d bytes do not hold %dx%d RGBA", f.Seq, len(f.Data), f.Width, f.Height)
	}
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	img := &image.RGBA{
		Pix:    f.Data[:f.Width*f.Height*4],
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrapf(err, "failed to encode frame %d", f.Seq)
	}
	return buf.Bytes(), nil
}

// JPEGFilter converts raw frames to JPEG on a branch goroutine. Frames that
// fail to encode are dropped.
func JPEGFilter(quality int) graph.Filter {
	return graph.FilterFunc(func(f graph.Frame) (graph.Frame, bool) {
		data, err := EncodeJPEG(f, quality)
		if err != nil {
			return f, false
		}
		out := f
		out.Format = graph.FormatJPEG
		out.Data = data
		return out, true
	})
}
