package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileLock is an exclusive cross-process lock implemented as an O_EXCL
// lock file. Acquisition polls until the context expires; stale files
// older than staleAfter are broken.
type fileLock struct {
	path       string
	staleAfter time.Duration
}

func newFileLock(locksDir, name string) *fileLock {
	return &fileLock{
		path:       filepath.Join(locksDir, name+".lock"),
		staleAfter: 10 * time.Minute,
	}
}

func (l *fileLock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire lock %s: %w", l.path, err)
		}
		if info, serr := os.Stat(l.path); serr == nil && time.Since(info.ModTime()) > l.staleAfter {
			_ = os.Remove(l.path)
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire lock %s: %w", l.path, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (l *fileLock) Release() error {
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
