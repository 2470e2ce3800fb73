package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// LockFile marks the data directory as owned by one writing process.
const LockFile = "relayclaw.lock"

// ErrLocked is returned by LockDir while another process holds the lock.
var ErrLocked = errors.New("data directory is in use by another relayclaw process")

// DirLock is an exclusive lock on a data directory. Every process that
// mutates the state files holds one, so two stores never rewrite the same
// file from different memory.
type DirLock struct {
	file *os.File
	path string
}

// LockDir takes the lock on dir without waiting.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	path := filepath.Join(dir, LockFile)
	file, err := acquire(path)
	if err != nil {
		return nil, err
	}
	// The pid is informational only; the lock itself is held on the fd.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &DirLock{file: file, path: path}, nil
}

func (l *DirLock) Path() string { return l.path }

// Unlock releases the lock. It is safe to call more than once.
func (l *DirLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := release(l.file, l.path)
	l.file = nil
	return err
}
