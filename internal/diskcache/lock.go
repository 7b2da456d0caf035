package diskcache

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

const lockFilePermissions = 0o644

// ownerLock is an advisory flock on the cache directory. Every process using
// the directory holds it shared; a process may only sweep pending records
// while it holds it exclusively, which proves no other process has a
// population in flight.
type ownerLock struct {
	f *os.File
}

// acquireOwnerLock opens path and takes the lock. It tries an exclusive lock
// first; if another process already uses the directory it falls back to a
// shared lock. exclusive reports which one was obtained.
func acquireOwnerLock(path string) (lock *ownerLock, exclusive bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, false, fmt.Errorf("diskcache: opening lock file: %w", err)
	}

	l := &ownerLock{f: f}

	if l.tryExclusive() {
		return l, true, nil
	}

	// Blocks only while another process holds the lock exclusively for its
	// own startup sweep.
	if err := syscall.Flock(l.fd(), syscall.LOCK_SH); err != nil {
		f.Close()

		return nil, false, fmt.Errorf("diskcache: locking %s: %w", path, err)
	}

	return l, false, nil
}

func (l *ownerLock) fd() int {
	return int(l.f.Fd())
}

// tryExclusive converts the lock to exclusive without blocking.
func (l *ownerLock) tryExclusive() bool {
	return syscall.Flock(l.fd(), syscall.LOCK_EX|syscall.LOCK_NB) == nil
}

// downgrade converts an exclusive lock to shared.
func (l *ownerLock) downgrade() error {
	if err := syscall.Flock(l.fd(), syscall.LOCK_SH); err != nil {
		return fmt.Errorf("diskcache: downgrading lock: %w", err)
	}

	return nil
}

func (l *ownerLock) release() error {
	unlockErr := syscall.Flock(l.fd(), syscall.LOCK_UN)

	return errors.Join(unlockErr, l.f.Close())
}

// keyedMutex serializes work per key. Entries are reference counted and
// dropped when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()

	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}

	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		defer k.mu.Unlock()

		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
	}
}
