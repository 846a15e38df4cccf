package fs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by [TryLockFile] when the lock is already
// held elsewhere.
var ErrWouldBlock = errors.New("fs: lock would block")

// Flocker is implemented by files that emulate advisory locking without
// a real file descriptor (in-memory files). [TryLockFile] and
// [UnlockFile] prefer it over flock(2) when present.
type Flocker interface {
	// TryFlock acquires an exclusive advisory lock without blocking.
	// Returns [ErrWouldBlock] if another handle holds the lock.
	TryFlock() error

	// Funlock releases the lock held by this handle.
	Funlock() error
}

// TryLockFile acquires a non-blocking exclusive advisory lock on f.
//
// Files implementing [Flocker] lock in memory; anything else is locked
// with flock(2) on its descriptor, so [Real] files behave exactly like
// flock in production code. The lock follows the handle: closing the
// file releases it.
//
// flock is advisory. All cooperating readers and writers must take the
// lock for it to have any effect.
//
// This implementation is Unix-only.
func TryLockFile(f File) error {
	if fl, ok := f.(Flocker); ok {
		return fl.TryFlock()
	}

	err := flockRetryEINTR(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}

	if err != nil {
		return fmt.Errorf("flock: %w", err)
	}

	return nil
}

// UnlockFile releases a lock acquired with [TryLockFile].
func UnlockFile(f File) error {
	if fl, ok := f.(Flocker); ok {
		return fl.Funlock()
	}

	err := flockRetryEINTR(int(f.Fd()), unix.LOCK_UN)
	if err != nil {
		return fmt.Errorf("funlock: %w", err)
	}

	return nil
}

func flockRetryEINTR(fd int, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
