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

package kvstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arborfs/arbor/internal/hash"
)

// casBackend is a content-addressable store for the blob key space. It
// stores values as plain files, sharded into directories named by the
// first three hex digits of the hash,
// so that a single directory never holds an unreasonable number of
// entries. Values are written to a temp file and published with an
// atomic rename, the same publication pattern the teacher used for
// both its blob cache and its tree cache.
type casBackend struct {
	dir string
}

func newCASBackend(dir string) (*casBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &casBackend{dir: dir}, nil
}

func (c *casBackend) path(id hash.Hash) string {
	str := id.String()
	return filepath.Join(c.dir, str[:3], str[3:])
}

func (c *casBackend) get(id hash.Hash) ([]byte, bool, error) {
	data, err := os.ReadFile(c.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (c *casBackend) put(id hash.Hash, data []byte) error {
	f, err := os.CreateTemp(c.dir, "tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Chmod(0444); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	p := c.path(id)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, p)
}

func (c *casBackend) clear() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("kvstore: clear blob space: %w", err)
	}
	return os.MkdirAll(c.dir, 0700)
}

func (c *casBackend) approximateSize() (int64, error) {
	var size int64
	err := filepath.Walk(c.dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
