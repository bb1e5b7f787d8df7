package control

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// TransientError marks a control-channel failure that may succeed when
// retried: refused dials, resets and timeouts.
type TransientError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("control %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Temporary reports true so callers using the net.Error convention treat it
// as retryable.
func (e *TransientError) Temporary() bool { return true }

// IsTransient reports whether err, or anything it wraps, is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Retry runs fn up to attempts times, sleeping backoff between tries, and
// gives up early on the first non-transient error.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), err.Error())
		case <-time.After(backoff):
		}
	}
	return errors.Wrapf(err, "giving up after %d attempts", attempts)
}
