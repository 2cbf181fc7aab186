// Package pidfile tracks background processes across runs using files that
// hold a single process id. It is the crash-recovery complement to the
// in-memory process handles held during a run: a new run uses the files to
// find and stop whatever a previous run left behind.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// termWait is how long Terminate waits for a process to exit after SIGTERM
// before escalating to SIGKILL.
const termWait = 3 * time.Second

// Write records pid at path, creating or truncating the file.
func Write(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// Read returns the pid stored at path. A missing file is not an error and
// yields a zero pid.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %s", path, err)
	}
	return pid, nil
}

// Alive reports whether a process with the given pid exists. A permission
// error still counts as alive; the process is just not ours to signal.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Terminate stops the process recorded at path and removes the file. The
// process gets a SIGTERM first and a SIGKILL if it has not exited after a
// grace period. A missing file, an empty pid, or an already-dead process all
// count as success.
func Terminate(path string) error {
	pid, err := Read(path)
	if err != nil {
		return err
	}
	if pid > 0 && Alive(pid) {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("terminating pid %d: %s", pid, err)
		}
		deadline := time.Now().Add(termWait)
		for Alive(pid) {
			if time.Now().After(deadline) {
				if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
					return fmt.Errorf("killing pid %d: %s", pid, err)
				}
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
