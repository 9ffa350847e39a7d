// Package hostlock serializes provisioning runs on one host with an
// exclusive advisory lock on a well-known file.
package hostlock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/btcdash/microvm/pkg/errors"
)

// errBusy is returned by tryLock when another process holds the lock.
var errBusy = errors.New("lock held by another process")

// Lock is a held host lock.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking. A lock held by another
// process fails with EnvironmentError{Reason: "host-busy"}. The holder's PID
// is written into the file for diagnostics.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create lock directory")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lock file")
	}

	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errBusy) {
			holder := Holder(path)
			slog.Error("host_busy", "lock", path, "holder_pid", holder)
			return nil, &errors.EnvironmentError{
				Reason: "host-busy",
				Err:    fmt.Errorf("%s held by pid %d", path, holder),
			}
		}
		return nil, errors.Wrap(err, "failed to lock")
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	slog.Debug("host_lock_acquired", "lock", path)
	return &Lock{path: path, f: f}, nil
}

// Release drops the lock. The file itself stays so the path remains stable.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	l.f.Truncate(0)
	err := unlock(l.f)
	l.f.Close()
	l.f = nil
	slog.Debug("host_lock_released", "lock", l.path)
	return err
}

// Holder returns the PID recorded in the lock file, or 0.
func Holder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
