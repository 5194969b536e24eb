// Package lockfile provides advisory file locks so that two processes never
// run turns on the same conversation thread at once.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrAlreadyLocked indicates the lock is held by another process.
var ErrAlreadyLocked = errors.New("lock already held")

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes a non-blocking exclusive lock on path, creating the file.
func Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			if pid := readPID(path); pid != "" {
				return nil, fmt.Errorf("%w by pid %s", ErrAlreadyLocked, pid)
			}
		}
		return nil, err
	}

	// Best-effort: write pid for troubleshooting.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ThreadPath returns <stateDir>/locks/<thread>.lock.
func ThreadPath(stateDir, threadID string) string {
	name := unsafeName.ReplaceAllString(strings.TrimSpace(threadID), "_")
	if name == "" || strings.Trim(name, ".") == "" {
		name = "default"
	}
	return filepath.Join(stateDir, "locks", name+".lock")
}

// AcquireThread locks one conversation thread under stateDir.
func AcquireThread(stateDir, threadID string) (*Lock, error) {
	path := ThreadPath(stateDir, threadID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	l, err := Acquire(path)
	if err != nil {
		return nil, fmt.Errorf("thread %q: %w", threadID, err)
	}
	return l, nil
}

func readPID(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
