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

package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
)

// snapshotMagic identifies a SNAPSHOT file and its format version.
var snapshotMagic = [8]byte{'e', 'd', 'e', 'n', 0, 0, 0, 1}

const (
	snapshotShortLen = 8 + 20
	snapshotLongLen  = 8 + 20 + 20
)

// ReadSnapshot parses a SNAPSHOT file's contents into ParentCommits.
// Only 28-byte (single parent) and 48-byte (merge) files are valid;
// any other length is a Corruption error.
func ReadSnapshot(data []byte) (model.ParentCommits, error) {
	switch len(data) {
	case snapshotShortLen, snapshotLongLen:
	default:
		return model.ParentCommits{}, fserr.Corruption("snapshot: bad length", nil)
	}
	if !bytes.Equal(data[:8], snapshotMagic[:]) {
		return model.ParentCommits{}, fserr.Corruption("snapshot: bad magic", nil)
	}

	var out model.ParentCommits
	copy(out.Parent1[:], data[8:28])
	if len(data) == snapshotLongLen {
		var p2 hash.Hash
		copy(p2[:], data[28:48])
		out.Parent2 = &p2
	}
	return out, nil
}

// WriteSnapshot encodes parents in the SNAPSHOT binary layout.
func WriteSnapshot(parents model.ParentCommits) []byte {
	size := snapshotShortLen
	if parents.Parent2 != nil {
		size = snapshotLongLen
	}
	out := make([]byte, size)
	copy(out[:8], snapshotMagic[:])
	copy(out[8:28], parents.Parent1[:])
	if parents.Parent2 != nil {
		copy(out[28:48], parents.Parent2[:])
	}
	return out
}

// ReadSnapshotFile reads and parses the SNAPSHOT file at path.
func ReadSnapshotFile(path string) (model.ParentCommits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.ParentCommits{}, fserr.NotFound("snapshot file")
		}
		return model.ParentCommits{}, fserr.Transport("read snapshot", err)
	}
	return ReadSnapshot(data)
}

// WriteSnapshotFile atomically publishes parents to path, the same
// write-temp-then-rename idiom the overlay and the local store's blob
// space both use for durable publication.
func WriteSnapshotFile(path string, parents model.ParentCommits) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-snapshot-*")
	if err != nil {
		return fserr.Transport("snapshot create temp", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(WriteSnapshot(parents)); err != nil {
		tmp.Close()
		return fserr.Transport("snapshot write temp", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fserr.Transport("snapshot fsync temp", err)
	}
	if err := tmp.Close(); err != nil {
		return fserr.Transport("snapshot close temp", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fserr.Transport("snapshot rename", err)
	}
	return nil
}
