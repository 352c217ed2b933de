package sysroot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carlmjohnson/be"

	"github.com/bootkit-org/bootkit/models"
)

func TestTryLock(t *testing.T) {
	t.Parallel()
	sys := testSysroot(t)

	l, err := sys.TryLock()
	be.NilErr(t, err)

	_, err = sys.TryLock()
	be.Nonzero(t, err)
	be.True(t, errors.Is(err, models.ErrLockContended))

	be.NilErr(t, l.Unlock())

	l2, err := sys.TryLock()
	be.NilErr(t, err)
	be.NilErr(t, l2.Unlock())
}

func TestLockWaitsForRelease(t *testing.T) {
	t.Parallel()
	sys := testSysroot(t)

	l, err := sys.TryLock()
	be.NilErr(t, err)

	go func() {
		time.Sleep(250 * time.Millisecond)
		l.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l2, err := sys.Lock(ctx)
	be.NilErr(t, err)
	be.NilErr(t, l2.Unlock())
}

func TestLockGivesUpAtDeadline(t *testing.T) {
	t.Parallel()
	sys := testSysroot(t)

	l, err := sys.TryLock()
	be.NilErr(t, err)
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = sys.Lock(ctx)
	be.Nonzero(t, err)
	be.True(t, errors.Is(err, models.ErrLockContended))
}

func TestUnlockIsIdempotent(t *testing.T) {
	t.Parallel()
	sys := testSysroot(t)

	l, err := sys.TryLock()
	be.NilErr(t, err)
	be.NilErr(t, l.Unlock())
	be.NilErr(t, l.Unlock())

	var nilLock *Lock
	be.NilErr(t, nilLock.Unlock())
}
