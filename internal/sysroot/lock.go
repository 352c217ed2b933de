package sysroot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bootkit-org/bootkit/models"
)

// lockPollInterval is how often a blocked interactive caller re-attempts
// the flock while waiting on its deadline.
const lockPollInterval = 100 * time.Millisecond

// Lock is an exclusive advisory lock over the whole storage root. Every
// mutating operation holds one for its full duration.
type Lock struct {
	f *os.File
}

// TryLock attempts a single non-blocking acquisition. The generator uses
// this: on contention it defers its work rather than blocking boot.
func (s *Sysroot) TryLock() (*Lock, error) {
	f, err := os.OpenFile(s.path(lockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", models.ErrLockContended, s.path(lockFile))
		}
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Lock acquires the root lock, polling until the context deadline.
// Interactive commands use this with a visible bounded timeout.
func (s *Sysroot) Lock(ctx context.Context) (*Lock, error) {
	for {
		l, err := s.TryLock()
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, models.ErrLockContended) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: gave up waiting: %s", models.ErrLockContended, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}
