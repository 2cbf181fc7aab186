// Package runlock serializes lab runs through a pid-bearing lock file
// in the lab directory. Rebuilding a lab while another rebuild is
// halfway through would interleave teardown and create, so only one
// process may hold the lock at a time. A lock left by a dead process is
// reclaimed.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockName is the lock file kept in the lab directory.
const LockName = "lab.lock"

var (
	// ErrLocked is returned when another live process holds the lock.
	// Callers can match it with errors.Is().
	ErrLocked = errors.New("lab directory locked")

	// ErrLockNotHeld is returned by Release on a lock that was never
	// acquired.
	ErrLockNotHeld = errors.New("lock not held")
)

type (
	// Lock is a held run lock.
	Lock struct {
		path string
		held bool
	}
)

// Acquire takes the run lock for a lab directory, creating the
// directory if needed. A lock file naming a dead pid is treated as
// stale and taken over.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, LockName)

	// Two attempts: the second one runs after a stale lock was removed.
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, werr
			}
			return &Lock{path: path, held: true}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		holder, err := readHolder(path)
		if err != nil {
			return nil, err
		}
		if holder != 0 && alive(holder) {
			return nil, fmt.Errorf("%w: %s held by running pid %d", ErrLocked, dir, holder)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || !l.held {
		return ErrLockNotHeld
	}
	l.held = false
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// readHolder parses the pid recorded in a lock file. A lock removed
// between the failed create and this read counts as holderless.
func readHolder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file %s: %w", path, err)
	}
	return pid, nil
}

// alive reports whether a process with the given pid exists. Signal 0
// probes without touching the process; permission errors mean it
// exists under another uid.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
