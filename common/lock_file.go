package common

import (
	"fmt"
	"os"
)

// FileLock guards a resource shared between processes through a marker
// file: creating the file exclusively acquires the lock, removing it
// releases the lock. A marker left behind by a crashed process is not
// cleaned up automatically and must be removed by hand.
type FileLock struct {
	path string
	file *os.File
}

// CreateLockFile acquires the lock marked by the given path. It fails if
// the marker file already exists, in particular when another process
// holds it.
func CreateLockFile(path string) (*FileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}
	return &FileLock{path: path, file: file}, nil
}

// Valid reports whether this lock still owns its marker file.
func (l *FileLock) Valid() bool {
	return l.file != nil
}

// Release gives up the lock by removing the marker file. A lock can only
// be released once.
func (l *FileLock) Release() error {
	if l.file == nil {
		return fmt.Errorf("lock on %s already released", l.path)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to release file lock: %w", err)
	}
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("failed to release file lock: %w", err)
	}
	l.file = nil
	return nil
}
