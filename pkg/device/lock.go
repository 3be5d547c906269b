package device

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"axiplot/pkg/errors"
)

// LockPath returns the single-owner lock file location under TMPDIR.
func LockPath() string {
	base := os.Getenv("TMPDIR")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "axiplot.lock")
}

// Lock is a held process-level device lock.
type Lock struct {
	file *os.File
}

// AcquireLock takes the exclusive device lock without blocking. A second
// process plotting to the same machine fails fast instead of interleaving
// commands on the serial port.
func AcquireLock() (*Lock, error) {
	path := LockPath()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDeviceBusy, "open lock file %s failed", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrDeviceBusy,
			"device lock %s held by another process", path)
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "pid=%d\n", os.Getpid())
	}
	return &Lock{file: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
