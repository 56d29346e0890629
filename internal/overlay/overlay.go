// Copyright 2016 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package overlay implements per-inode persistent storage: directory
// listings and regular-file/symlink bodies that have been materialized
// out of the content-addressed object store and now live as ordinary
// files on disk, plus the durable inode-number allocator.
//
// Directory listings are published the same way the teacher's
// cache.CAS.Write publishes a blob: write to a temp file in the same
// directory, then os.Rename over the final name. That rename is what
// makes a save_directory call atomic from a reader's point of view.
package overlay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
)

// DirEntry is one entry of a materialized directory listing.
type DirEntry struct {
	Name string          `json:"name"`
	Ino  uint64          `json:"ino"`
	Kind model.EntryKind `json:"kind"`

	// SourceHash is set when this entry is still a lazy stub backed by
	// the object store rather than a loaded, materialized child.
	SourceHash *hash.Hash `json:"source_hash,omitempty"`
}

// Overlay owns a directory tree of per-inode files rooted at dir.
type Overlay struct {
	dir string

	allocMu sync.Mutex
	allocFh *os.File
	nextIno uint64
}

const counterFileName = ".ino-counter"

// Open opens (initializing if necessary) an Overlay rooted at dir.
func Open(dir string) (*Overlay, error) {
	if err := os.MkdirAll(filepath.Join(dir, "dirs"), 0700); err != nil {
		return nil, fmt.Errorf("overlay: mkdir dirs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0700); err != nil {
		return nil, fmt.Errorf("overlay: mkdir files: %w", err)
	}

	counterPath := filepath.Join(dir, counterFileName)
	fh, err := os.OpenFile(counterPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("overlay: open counter: %w", err)
	}

	next, err := readCounter(fh)
	if err != nil {
		fh.Close()
		return nil, err
	}

	return &Overlay{dir: dir, allocFh: fh, nextIno: next}, nil
}

// Close releases the allocator's file handle.
func (o *Overlay) Close() error {
	return o.allocFh.Close()
}

func readCounter(fh *os.File) (uint64, error) {
	var buf [8]byte
	n, err := fh.ReadAt(buf[:], 0)
	if n == 0 {
		// Freshly created counter file: inode 1 is reserved for the
		// mount root, so allocation starts at 2.
		return 2, nil
	}
	if err != nil && n != len(buf) {
		return 0, fmt.Errorf("overlay: read counter: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// AllocateInodeNumber returns the next inode number, strictly monotone
// within this mount, durable before it is returned.
func (o *Overlay) AllocateInodeNumber() (uint64, error) {
	o.allocMu.Lock()
	defer o.allocMu.Unlock()

	ino := o.nextIno
	o.nextIno++

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], o.nextIno)
	if _, err := o.allocFh.WriteAt(buf[:], 0); err != nil {
		o.nextIno = ino
		return 0, fmt.Errorf("overlay: write counter: %w", err)
	}
	if err := o.allocFh.Sync(); err != nil {
		o.nextIno = ino
		return 0, fmt.Errorf("overlay: fsync counter: %w", err)
	}
	return ino, nil
}

func (o *Overlay) dirPath(ino uint64) string {
	return filepath.Join(o.dir, "dirs", fmt.Sprintf("%d", ino))
}

func (o *Overlay) filePath(ino uint64) string {
	return filepath.Join(o.dir, "files", fmt.Sprintf("%d", ino))
}

// LoadDirectory returns the materialized listing for ino, or
// (nil, false, nil) if ino has never been materialized as a directory.
func (o *Overlay) LoadDirectory(ino uint64) ([]DirEntry, bool, error) {
	data, err := os.ReadFile(o.dirPath(ino))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fserr.Transport("overlay read directory", err)
	}
	var entries []DirEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false, fserr.Corruption("overlay directory record", err)
	}
	return entries, true, nil
}

// SaveDirectory atomically replaces the materialized listing for ino.
func (o *Overlay) SaveDirectory(ino uint64, entries []DirEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("overlay: marshal directory %d: %w", ino, err)
	}
	return atomicWrite(o.dirPath(ino), data)
}

// OpenFile opens the overlay backing file for a materialized regular
// file or symlink, creating it if mode includes os.O_CREATE.
func (o *Overlay) OpenFile(ino uint64, mode int) (*os.File, error) {
	fh, err := os.OpenFile(o.filePath(ino), mode, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fserr.NotFound(fmt.Sprintf("overlay file %d", ino))
		}
		return nil, fserr.Transport("overlay open file", err)
	}
	return fh, nil
}

// Remove deletes the overlay state (directory listing or file body)
// for ino. Called once an inode is unlinked and has no open handles.
func (o *Overlay) Remove(ino uint64) error {
	derr := os.Remove(o.dirPath(ino))
	ferr := os.Remove(o.filePath(ino))
	if derr != nil && !os.IsNotExist(derr) {
		return fserr.Transport("overlay remove directory record", derr)
	}
	if ferr != nil && !os.IsNotExist(ferr) {
		return fserr.Transport("overlay remove file body", ferr)
	}
	return nil
}

// atomicWrite publishes data at path via write-temp-then-rename, the
// same publication pattern as the content-addressed blob store.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-overlay-*")
	if err != nil {
		return fserr.Transport("overlay create temp", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fserr.Transport("overlay write temp", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fserr.Transport("overlay close temp", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fserr.Transport("overlay publish", err)
	}
	return nil
}
