package instance

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// fileLock is a per-record advisory lock held across a read-modify-write
// cycle. It is a plain lock file created with O_CREATE|O_EXCL so it works
// across independent processes sharing the store directory.
//
// Locks older than staleAfter are presumed abandoned by a crashed holder
// and are broken.
type fileLock struct {
	path string
}

const (
	lockRetryInterval = 10 * time.Millisecond
	lockStaleAfter    = 30 * time.Second
)

// acquireLock blocks until the lock file is created or the timeout expires.
func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("instance: ensure lock dir: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			_ = f.Close()
			return &fileLock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("instance: acquire lock %s: %w", path, err)
		}
		breakIfStale(path)
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("instance: lock %s held past %s", path, timeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

// breakIfStale removes a lock file whose holder has presumably crashed.
func breakIfStale(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > lockStaleAfter {
		_ = os.Remove(path)
	}
}

func (l *fileLock) release() {
	if l == nil {
		return
	}
	_ = os.Remove(l.path)
}
