package bundle

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock is an exclusive cross-process lock on a bundle. Only one process may
// drive the machine of a bundle.
type Lock struct {
	fl *flock.Flock
}

// NewLock returns the lock for l.
func NewLock(l Layout) *Lock {
	return &Lock{fl: flock.New(l.LockPath())}
}

// TryLock acquires the lock without blocking. It returns ErrLocked if
// another process holds it.
func (l *Lock) TryLock() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock bundle %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock bundle %s: %w", l.fl.Path(), err)
	}
	return nil
}
