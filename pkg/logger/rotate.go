package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// auditFile is a size-rotated append-only log file. Backups are kept as
// <path>.1 .. <path>.N, newest first, and pruned by count and age.
type auditFile struct {
	mu      sync.Mutex
	out     *os.File
	path    string
	limit   int64
	keep    int
	retain  time.Duration
	written int64
}

func openAuditFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFile{
		path:   path,
		limit:  int64(maxSizeMB) * 1024 * 1024,
		keep:   maxBackups,
		retain: time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (f *auditFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.open(); err != nil {
		return 0, err
	}
	if f.limit > 0 && f.written+int64(len(p)) > f.limit {
		f.rotate()
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	n, err := f.out.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *auditFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out == nil {
		return nil
	}
	err := f.out.Close()
	f.out = nil
	f.written = 0
	return err
}

// open lazily opens the target file and picks up its current size, so a
// restarted process keeps rotating an existing file at the right point.
func (f *auditFile) open() error {
	if f.out != nil {
		return nil
	}
	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	f.out = out
	f.written = info.Size()
	return nil
}

// rotate shifts every backup one slot up and moves the live file into
// slot 1. Rename failures are ignored, the next write starts fresh anyway.
func (f *auditFile) rotate() {
	if f.out != nil {
		_ = f.out.Close()
		f.out = nil
	}
	f.written = 0

	if f.keep <= 0 {
		_ = os.Remove(f.path)
		return
	}
	for i := f.keep - 1; i >= 1; i-- {
		src := f.backupPath(i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, f.backupPath(i+1))
		}
	}
	if _, err := os.Stat(f.path); err == nil {
		_ = os.Rename(f.path, f.backupPath(1))
	}
	f.prune()
}

// prune removes backups older than the retention window.
func (f *auditFile) prune() {
	if f.retain <= 0 {
		return
	}
	cutoff := time.Now().Add(-f.retain)
	for i := 1; i <= f.keep; i++ {
		path := f.backupPath(i)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

func (f *auditFile) backupPath(slot int) string {
	return fmt.Sprintf("%s.%d", f.path, slot)
}
