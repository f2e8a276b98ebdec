// Package lock provides advisory per-machine locks so concurrent anvil
// processes cannot race start/shutdown of the same virtual machine.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 100 * time.Millisecond

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
}

var _ Locker = (*MachineLock)(nil)

// MachineLock combines in-process exclusion (a size-1 token channel, so
// blocking respects the context) with cross-process exclusion via flock(2).
// A fresh flock fd is opened on every acquisition so concurrent callers on
// the same instance block each other properly.
type MachineLock struct {
	path string
	ch   chan struct{}
	// fl is the active flock fd, non-nil while the lock is held.
	fl *flock.Flock
}

// ForMachine creates a lock for the given machine identifier inside dir,
// creating dir as needed.
func ForMachine(dir, machineID string) (*MachineLock, error) {
	if strings.TrimSpace(machineID) == "" {
		return nil, fmt.Errorf("machine id is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory %q: %w", dir, err)
	}
	name := sanitize(machineID) + ".lock"
	return &MachineLock{
		path: filepath.Join(dir, name),
		ch:   make(chan struct{}, 1),
	}, nil
}

// Lock acquires the lock, blocking until available or ctx is cancelled.
func (l *MachineLock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire lock %s: %w", l.path, ctx.Err())
	}
	ok, err := l.commit(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, retryDelay)
	})
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("acquire flock %s: %w", l.path, ctx.Err())
	}
	return nil
}

// TryLock attempts a non-blocking acquisition. Returns (false, nil) if the
// lock is currently held by another caller.
func (l *MachineLock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.ch <- struct{}{}:
	default:
		return false, nil
	}
	return l.commit(func(fl *flock.Flock) (bool, error) {
		return fl.TryLock()
	})
}

// Unlock releases the lock.
func (l *MachineLock) Unlock(_ context.Context) error {
	var err error
	if l.fl != nil {
		err = l.fl.Unlock()
		l.fl = nil
	}
	select {
	case <-l.ch:
	default:
	}
	if err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}

// commit opens a fresh flock fd and either stores it (held) or returns the
// in-process token so Lock/Unlock stay balanced.
func (l *MachineLock) commit(acquire func(*flock.Flock) (bool, error)) (bool, error) {
	fl := flock.New(l.path)
	locked, err := acquire(fl)
	if err != nil || !locked {
		<-l.ch
		return false, err
	}
	l.fl = fl
	return true, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
