//go:build !unix

package state

import (
	"fmt"
	"os"
)

// Without flock the lock is the file's existence. A crashed process
// leaves it behind; delete it by hand.
func acquire(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	return file, nil
}

func release(file *os.File, path string) error {
	err := file.Close()
	if rerr := os.Remove(path); err == nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	return err
}
