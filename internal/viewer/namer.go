package viewer

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// outputNamer hands out <prefix><n>.<ext> paths in dir. Counters only move
// forward and skip names that already exist on disk.
type outputNamer struct {
	dir string

	mu       sync.Mutex
	counters map[string]int
}

func newOutputNamer(dir string) *outputNamer {
	return &outputNamer{dir: dir, counters: make(map[string]int)}
}

func (o *outputNamer) next(prefix, ext string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create output directory %s", o.dir)
	}
	key := prefix + "." + ext
	for n := o.counters[key]; ; n++ {
		path := filepath.Join(o.dir, prefix+strconv.Itoa(n)+"."+ext)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			o.counters[key] = n + 1
			return path, nil
		} else if err != nil {
			return "", errors.Wrapf(err, "failed to check %s", path)
		}
	}
}
