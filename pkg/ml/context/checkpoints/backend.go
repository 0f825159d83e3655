// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ErrNotFound is returned (wrapped) by Backend.Get for blobs that don't exist.
var ErrNotFound = errors.New("checkpoint blob not found")

// Backend stores the checkpoint blobs: it is an opaque key-value store, keyed by blob name.
//
// A checkpoint is made of two blobs: "<base>.bin" with the variable values, written first, and "<base>.json"
// with the metadata, written last. A checkpoint without its JSON blob is ignored.
type Backend interface {
	// Put stores the blob, replacing any previous one with the same name. Readers must never see a partial blob.
	Put(name string, data []byte) error

	// Get returns the blob, or an error wrapping ErrNotFound.
	Get(name string) ([]byte, error)

	// List returns the sorted names of all blobs.
	List() ([]string, error)

	// Delete the blob. Deleting a blob that doesn't exist is not an error.
	Delete(name string) error

	// Exists returns whether the blob exists.
	Exists(name string) (bool, error)
}

// dirBackend stores each blob as a file in a directory.
type dirBackend struct {
	dir string
}

// DirBackend returns a Backend that stores blobs as files in dir. The directory is created if it doesn't exist,
// and a leading "~" is expanded to the user's home directory.
func DirBackend(dir string) (Backend, error) {
	dir, err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	return &dirBackend{dir: dir}, nil
}

// String implements fmt.Stringer.
func (b *dirBackend) String() string { return b.dir }

func (b *dirBackend) path(name string) string { return filepath.Join(b.dir, name) }

// Put implements Backend, writing the file atomically.
func (b *dirBackend) Put(name string, data []byte) error {
	return fsutil.WriteFileAtomic(b.path(name), data)
}

// Get implements Backend.
func (b *dirBackend) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%q in %q", name, b.dir)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", b.path(name))
	}
	return data, nil
}

// List implements Backend. Sub-directories and temporary files are skipped.
func (b *dirBackend) List() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoints directory %q", b.dir)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	return names, nil
}

// Delete implements Backend.
func (b *dirBackend) Delete(name string) error {
	err := os.Remove(b.path(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %q", b.path(name))
	}
	return nil
}

// Exists implements Backend.
func (b *dirBackend) Exists(name string) (bool, error) {
	return fsutil.FileExists(b.path(name))
}

// MemoryBackend is a Backend that keeps the blobs in memory. Mostly for tests.
type MemoryBackend struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

// String implements fmt.Stringer.
func (b *MemoryBackend) String() string { return "memory" }

// Put implements Backend. The data is copied.
func (b *MemoryBackend) Put(name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[name] = slices.Clone(data)
	return nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, found := b.blobs[name]
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return data, nil
}

// List implements Backend.
func (b *MemoryBackend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := maps.Keys(b.blobs)
	slices.Sort(names)
	return names, nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, name)
	return nil
}

// Exists implements Backend.
func (b *MemoryBackend) Exists(name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, found := b.blobs[name]
	return found, nil
}
