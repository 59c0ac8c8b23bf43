// Copyright 2016 Nokia Corporation and/or its subsidiary(-ies).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lockfile implements advisory file locks backed by flock(2).
//
// A lock is identified by a directory, a lock type and a resource name.
// Locks of different types on the same resource are disjoint and never
// block each other.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/sys/unix"
)

// ErrAlreadyLocked is returned by a non-blocking Acquire when another
// process or goroutine holds the lock.
var ErrAlreadyLocked = errors.New("lock already held")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_\-()]`)

// SanitizeName maps an arbitrary resource path to a safe lock file name.
func SanitizeName(resource string) string {
	return unsafeChars.ReplaceAllString(resource, "_")
}

// Lock is one advisory file lock. Not safe for concurrent use by multiple
// goroutines; create one Lock value per acquisition site.
type Lock struct {
	path string
	file *os.File
}

// New creates a lock handle for the given resource. dir is created if
// missing. The lock is not acquired yet.
func New(dir, lockType, resource string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s-%s.lock", lockType, SanitizeName(resource))
	return &Lock{path: filepath.Join(dir, name)}, nil
}

// Acquire takes the lock. With block=false it returns ErrAlreadyLocked
// immediately when the lock is held elsewhere.
func (l *Lock) Acquire(block bool) error {
	if l.file != nil {
		return fmt.Errorf("lock %s acquired twice", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	how := unix.LOCK_EX
	if !block {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrAlreadyLocked
		}
		return fmt.Errorf("failed to flock %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Release drops the lock. Releasing a lock that is not held is a no-op.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return closeErr
}

// WithLock acquires the lock, runs fn and releases on every exit path.
func WithLock(dir, lockType, resource string, block bool, fn func() error) error {
	lock, err := New(dir, lockType, resource)
	if err != nil {
		return err
	}
	if err := lock.Acquire(block); err != nil {
		return err
	}
	defer lock.Release() //nolint:errcheck
	return fn()
}
