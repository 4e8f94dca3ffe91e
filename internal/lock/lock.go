// Package lock serializes workspace writers. A Guard combines an in-process
// mutex with an advisory lock file so two controllers pointed at the same
// content root cannot commit or reset concurrently.
package lock

import (
	"fmt"
	"os"
	"sync"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
)

// FileName is the lock file created under the content root.
const FileName = ".al.lock"

// Guard is a non-blocking exclusive lock.
type Guard struct {
	path string
	mu   sync.Mutex
}

// New returns a guard backed by the lock file at path.
func New(path string) *Guard {
	return &Guard{path: path}
}

// Path returns the lock file location.
func (g *Guard) Path() string { return g.path }

// TryAcquire takes the guard without waiting. If another holder exists it
// fails with ErrConcurrencyViolation. The returned release must be called
// exactly once.
func (g *Guard) TryAcquire(stage string) (release func() error, err error) {
	if !g.mu.TryLock() {
		return nil, alerr.New(alerr.ErrConcurrencyViolation, stage, -1, "another operation is in progress")
	}
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	held, err := tryLockFile(f)
	if err != nil || !held {
		f.Close()
		g.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", g.path, err)
		}
		return nil, alerr.New(alerr.ErrConcurrencyViolation, stage, -1, "workspace locked by another process (%s)", g.path)
	}

	var once sync.Once
	return func() error {
		var rerr error
		once.Do(func() {
			rerr = unlockFile(f)
			if cerr := f.Close(); rerr == nil {
				rerr = cerr
			}
			g.mu.Unlock()
		})
		return rerr
	}, nil
}
