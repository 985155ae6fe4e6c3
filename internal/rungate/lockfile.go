package rungate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/smtre/internal/lockfile"
)

// Lockfile holds the state directory's scheduler lock for the life of the
// process. Processes that fail to take it stay closed.
type Lockfile struct {
	lock *lockfile.Lock
}

// NewLockfile tries to take the scheduler lock in stateDir. Contention is not
// an error: the returned gate is simply closed. Other failures are returned.
func NewLockfile(stateDir string) (*Lockfile, error) {
	lock, err := lockfile.AcquireLock(stateDir)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Info("rungate.Lockfile: another process owns scheduled work", "lock_path", lockErr.LockPath, "holder", lockErr.ExistingInfo)
			return &Lockfile{}, nil
		}
		return nil, err
	}
	return &Lockfile{lock: lock}, nil
}

func (l *Lockfile) Allowed(context.Context) bool {
	return l.lock != nil
}

// Release gives up the lock if held. Safe to call multiple times.
func (l *Lockfile) Release() error {
	if l.lock == nil {
		return nil
	}
	err := l.lock.Release()
	l.lock = nil
	return err
}
