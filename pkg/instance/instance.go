package instance

import (
	"errors"
	"fmt"
	"github.com/alexflint/go-filemutex"
	"os"
	"path/filepath"
	"sync"
)

const (
	runtimeDirEnv = "XDG_RUNTIME_DIR"
	lockDirName   = "shackle"
	lockFileName  = "shackle.lock"
)

// ErrNoRuntimeDir is returned by Acquire when XDG_RUNTIME_DIR is not set.
var ErrNoRuntimeDir = errors.New(runtimeDirEnv + " is not set, is the session running?")

// Lock is a held instance lock.
type Lock struct {
	mu       sync.Mutex
	mutex    *filemutex.FileMutex
	path     string
	released bool
}

// Acquire takes the instance lock in the session's runtime directory.
//
// A nil Lock and nil error means that another instance holds the lock. This is not a failure;
// the caller should exit without touching the session.
func Acquire() (*Lock, error) {
	runtimeDir, ok := os.LookupEnv(runtimeDirEnv)
	if !ok || runtimeDir == "" {
		return nil, ErrNoRuntimeDir
	}

	return AcquireIn(filepath.Join(runtimeDir, lockDirName))
}

// AcquireIn takes the instance lock in dir, creating dir if it does not exist.
// See Acquire for the meaning of the return values.
func AcquireIn(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, lockFileName)
	mutex, err := filemutex.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	err = mutex.TryLock()
	switch {
	case errors.Is(err, filemutex.AlreadyLocked):
		_ = mutex.Close()
		return nil, nil
	case err != nil:
		_ = mutex.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	return &Lock{
		mutex: mutex,
		path:  path,
	}, nil
}

// Path returns the path of the lock file.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. It is safe to call more than once and on a nil Lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	// Closing the descriptor drops the flock as well, so an unlock error is not fatal.
	return errors.Join(l.mutex.Unlock(), l.mutex.Close())
}
