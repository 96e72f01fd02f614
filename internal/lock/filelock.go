// SPDX-License-Identifier: MIT

//go:build linux || darwin

// Package lock provides a flock(2)-based single-instance guard for the data
// directory, so two daemons never write the same state file.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
)

// FileLock is an exclusive file lock with PID tracking.
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

// New creates a lock at path, creating the parent directory if needed. The
// lock is not held until Acquire succeeds.
func New(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}
	// #nosec G301 - lock directory needs group read for monitoring
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileLock{path: path, pid: os.Getpid()}, nil
}

// Acquire takes the exclusive lock without blocking. If another process
// holds it, the error names the holder's PID when it can be read.
func (fl *FileLock) Acquire() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		return fmt.Errorf("lock already held")
	}

	// #nosec G302 G304 - lock file needs group read for multi-process coordination
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if holder := readPID(fl.path); holder > 0 {
			return fmt.Errorf("lock held by pid %d", holder)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(fl.pid)), 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("write pid to lock file: %w", err)
	}

	fl.file = file
	return nil
}

// Release drops the lock and removes the lock file. Safe to call when not
// held.
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return nil
	}

	err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)
	closeErr := fl.file.Close()
	fl.file = nil
	_ = os.Remove(fl.path)

	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}
	return nil
}

// Held reports whether this process holds the lock.
func (fl *FileLock) Held() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.file != nil
}

// readPID returns the PID recorded in the lock file, or 0.
func readPID(path string) int {
	data, err := os.ReadFile(path) // #nosec G304 - lock path is operator-controlled
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}
