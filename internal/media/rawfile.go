package media

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// RawFile plays back a file of concatenated fixed-size frames, starting over
// at the end.
type RawFile struct {
	path string
	size int

	mu sync.Mutex
	f  *os.File
}

// OpenRawFile opens path for frames of frameSize bytes. The file must hold at
// least one whole frame.
func OpenRawFile(path string, frameSize int) (*RawFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open raw video %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to stat raw video %s", path)
	}
	if fi.Size() < int64(frameSize) {
		f.Close()
		return nil, errors.Errorf("raw video %s is shorter than one %d byte frame", path, frameSize)
	}
	return &RawFile{path: path, size: frameSize, f: f}, nil
}

// Next reads the following frame into dst.
func (r *RawFile) Next(dst []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return errors.Errorf("raw video %s is closed", r.path)
	}
	if len(dst) < r.size {
		return errors.Errorf("buffer of %d bytes too small for %d byte frame", len(dst), r.size)
	}
	_, err := io.ReadFull(r.f, dst[:r.size])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if _, err := r.f.Seek(0, io.SeekStart); err != nil {
			return errors.Wrapf(err, "failed to rewind %s", r.path)
		}
		_, err = io.ReadFull(r.f, dst[:r.size])
	}
	return errors.Wrapf(err, "failed to read frame from %s", r.path)
}

func (r *RawFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
