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

// Package kvstore implements the durable, on-disk store of immutable
// objects by content hash, partitioned into named key spaces. Small-key
// spaces (tree, blob_metadata, commit_to_tree, and per-importer aux
// spaces) live in a single bbolt database, one bucket per space. The
// blob space, tuned for large values, is a flat content-addressed file
// store instead: large blobs do not belong in a B+tree page cache, and
// a plain file lets the FUSE layer wire up the data directly.
package kvstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/arborfs/arbor/internal/hash"
)

// Space names a partition of the local KV with its own tuning.
type Space string

const (
	SpaceBlob         Space = "blob"
	SpaceBlobMetadata Space = "blob_metadata"
	SpaceTree         Space = "tree"
	SpaceCommitToTree Space = "commit_to_tree"
)

// AuxSpace names an auxiliary key space owned by a particular importer.
func AuxSpace(name string) Space {
	return Space("aux_" + name)
}

// batchLimit is the maximum number of keys issued per underlying call
// before GetBatch splits into sub-batches.
const batchLimit = 2048

// defaultIOConcurrency is the suggested size of the bounded I/O pool
// serving local-KV calls.
const defaultIOConcurrency = 12

// Options configures a LocalStore.
type Options struct {
	// ReadOnly disables the best-effort repair-and-retry on Open, and
	// rejects all mutating calls.
	ReadOnly bool

	// IOConcurrency bounds how many sub-batch calls run concurrently.
	// Defaults to 12.
	IOConcurrency int
}

// LocalStore is the durable, on-disk key-value store described in
// spec.md §4.1.
type LocalStore struct {
	dir      string
	db       *bbolt.DB
	blobs    *casBackend
	readOnly bool
	ioSem    *semaphore.Weighted
}

// Open opens (creating if necessary) a LocalStore rooted at dir.
func Open(dir string, opts Options) (*LocalStore, error) {
	if opts.IOConcurrency <= 0 {
		opts.IOConcurrency = defaultIOConcurrency
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("kvstore: mkdir %s: %w", dir, err)
	}

	dbPath := filepath.Join(dir, "local.bbolt")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil && !opts.ReadOnly {
		// Best-effort repair: a freelist that failed to sync cleanly is
		// the most common reason a second open succeeds. Retry once;
		// if the retry also fails, its error is the one surfaced.
		db, err = bbolt.Open(dbPath, 0600, &bbolt.Options{
			Timeout:        time.Second,
			NoFreelistSync: true,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", dbPath, err)
	}

	for _, s := range []Space{SpaceBlobMetadata, SpaceTree, SpaceCommitToTree} {
		s := s
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(s))
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("kvstore: create bucket %s: %w", s, err)
		}
	}

	blobs, err := newCASBackend(filepath.Join(dir, "blobs"))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &LocalStore{
		dir:      dir,
		db:       db,
		blobs:    blobs,
		readOnly: opts.ReadOnly,
		ioSem:    semaphore.NewWeighted(int64(opts.IOConcurrency)),
	}, nil
}

// Close releases underlying file handles.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// ensureSpace makes sure a bucket exists for an aux key space used by
// an importer. Standard spaces are created eagerly in Open.
func (s *LocalStore) ensureSpace(space Space) error {
	if space == SpaceBlob {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(space))
		return err
	})
}

// Get looks up a single key. A missing key returns (nil, false, nil),
// not an error.
func (s *LocalStore) Get(space Space, key hash.Hash) ([]byte, bool, error) {
	if space == SpaceBlob {
		return s.blobs.get(key)
	}

	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(space))
		if b == nil {
			return nil
		}
		if v := b.Get(key[:]); v != nil {
			found = true
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, found, err
}

// HasKey reports whether a key is present in a space.
func (s *LocalStore) HasKey(space Space, key hash.Hash) (bool, error) {
	if space == SpaceBlob {
		_, ok, err := s.blobs.get(key)
		return ok, err
	}
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(space))
		if b == nil {
			return nil
		}
		found = b.Get(key[:]) != nil
		return nil
	})
	return found, err
}

// Put stores a single key/value pair immediately (no batching).
func (s *LocalStore) Put(space Space, key hash.Hash, value []byte) error {
	if s.readOnly {
		return fmt.Errorf("kvstore: store is read-only")
	}
	if space == SpaceBlob {
		return s.blobs.put(key, value)
	}
	if err := s.ensureSpace(space); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(space))
		return b.Put(key[:], value)
	})
}

// GetBatch looks up many keys, preserving input order in the result.
// Large batches are split into sub-batches of at most 2048 keys, each
// dispatched onto the bounded I/O pool.
func (s *LocalStore) GetBatch(ctx context.Context, space Space, keys []hash.Hash) ([][]byte, error) {
	results := make([][]byte, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(keys); start += batchLimit {
		end := start + batchLimit
		if end > len(keys) {
			end = len(keys)
		}
		start, end := start, end
		if err := s.ioSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer s.ioSem.Release(1)
			for i := start; i < end; i++ {
				v, _, err := s.Get(space, keys[i])
				if err != nil {
					return err
				}
				results[i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ClearSpace removes all keys from a space. Calling it twice in a row
// is a no-op the second time.
func (s *LocalStore) ClearSpace(space Space) error {
	if s.readOnly {
		return fmt.Errorf("kvstore: store is read-only")
	}
	if space == SpaceBlob {
		return s.blobs.clear()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(space)) == nil {
			return nil
		}
		if err := tx.DeleteBucket([]byte(space)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(space))
		return err
	})
}

// CompactSpace rewrites a space's storage to reclaim space from
// deleted keys. For the bbolt-backed spaces this copies the bucket out
// to a temporary database file, then deletes the bucket and recreates
// it in the main database from that copy.
func (s *LocalStore) CompactSpace(space Space) error {
	if s.readOnly {
		return fmt.Errorf("kvstore: store is read-only")
	}
	if space == SpaceBlob {
		// The blob CAS never moves existing files around after the
		// atomic rename that created them; there is nothing to compact.
		return nil
	}

	tmpPath := filepath.Join(s.dir, fmt.Sprintf(".compact-%s.bbolt", space))
	os.Remove(tmpPath)
	tmpDB, err := bbolt.Open(tmpPath, 0600, nil)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)
	defer tmpDB.Close()

	err = s.db.View(func(srcTx *bbolt.Tx) error {
		return tmpDB.Update(func(dstTx *bbolt.Tx) error {
			src := srcTx.Bucket([]byte(space))
			if src == nil {
				return nil
			}
			dst, err := dstTx.CreateBucketIfNotExists([]byte(space))
			if err != nil {
				return err
			}
			return src.ForEach(func(k, v []byte) error {
				return dst.Put(k, v)
			})
		})
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(space)) != nil {
			if err := tx.DeleteBucket([]byte(space)); err != nil {
				return err
			}
		}
		dst, err := tx.CreateBucket([]byte(space))
		if err != nil {
			return err
		}
		return tmpDB.View(func(srcTx *bbolt.Tx) error {
			src := srcTx.Bucket([]byte(space))
			if src == nil {
				return nil
			}
			return src.ForEach(func(k, v []byte) error {
				return dst.Put(k, v)
			})
		})
	})
}

// ApproximateSize estimates the on-disk size used by a space, in bytes.
func (s *LocalStore) ApproximateSize(space Space) (int64, error) {
	if space == SpaceBlob {
		return s.blobs.approximateSize()
	}
	var size int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(space))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			size += int64(len(k) + len(v))
			return nil
		})
	})
	return size, err
}
