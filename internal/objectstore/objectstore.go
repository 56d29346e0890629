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

// Package objectstore implements the read-through two-tier object
// cache described in spec.md §4.2: an in-memory metadata LRU, a local
// persistent key-value store, and a backing store of last resort, with
// request coalescing so that concurrent callers asking for the same
// hash share one fetch.
package objectstore

import (
	"context"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/arborfs/arbor/internal/backingstore"
	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/kvstore"
	"github.com/arborfs/arbor/internal/model"
)

// DefaultMetadataCacheSize bounds the in-memory blob metadata LRU.
const DefaultMetadataCacheSize = 1_000_000

// ObjectStore is a read-through cache in front of a BackingStore.
type ObjectStore struct {
	local   *kvstore.LocalStore
	backing backingstore.BackingStore
	metaLRU *lru.Cache[hash.Hash, model.BlobMetadata]

	// inflight coalesces concurrent fetches for the same (space, hash)
	// pair, exactly the "(space, hash) -> pending_result map guarded by
	// a short-held lock" design note in spec.md §9 -- singleflight.Group
	// already provides precisely that contract.
	inflight singleflight.Group
}

// New constructs an ObjectStore. cacheSize <= 0 selects
// DefaultMetadataCacheSize.
func New(local *kvstore.LocalStore, backing backingstore.BackingStore, cacheSize int) (*ObjectStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultMetadataCacheSize
	}
	c, err := lru.New[hash.Hash, model.BlobMetadata](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("objectstore: new LRU: %w", err)
	}
	return &ObjectStore{local: local, backing: backing, metaLRU: c}, nil
}

func coalesceKey(space kvstore.Space, id hash.Hash) string {
	return string(space) + ":" + id.String()
}

// GetTree fetches a tree by hash: local KV, then backing store,
// writing back on a backing-store hit.
func (s *ObjectStore) GetTree(ctx context.Context, id hash.Hash) (*model.Tree, error) {
	v, err, _ := s.inflight.Do(coalesceKey(kvstore.SpaceTree, id), func() (interface{}, error) {
		data, ok, err := s.local.Get(kvstore.SpaceTree, id)
		if err != nil {
			return nil, fserr.Transport("local tree lookup", err)
		}
		if ok {
			t, derr := model.DeserializeTree(id, data)
			if derr != nil {
				return nil, fserr.Corruption("deserialize cached tree", derr)
			}
			return t, nil
		}

		t, ferr := s.backing.GetTree(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		if perr := s.local.Put(kvstore.SpaceTree, id, model.SerializeTree(t)); perr != nil {
			log.Printf("objectstore: write-back tree %s: %v", id, perr)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Tree), nil
}

// GetBlob fetches a blob's contents by hash: local KV, then backing
// store, writing back on a backing-store hit.
func (s *ObjectStore) GetBlob(ctx context.Context, id hash.Hash) ([]byte, error) {
	v, err, _ := s.inflight.Do(coalesceKey(kvstore.SpaceBlob, id), func() (interface{}, error) {
		data, ok, err := s.local.Get(kvstore.SpaceBlob, id)
		if err != nil {
			return nil, fserr.Transport("local blob lookup", err)
		}
		if ok {
			return data, nil
		}

		data, ferr := s.backing.GetBlob(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		if perr := s.local.Put(kvstore.SpaceBlob, id, data); perr != nil {
			log.Printf("objectstore: write-back blob %s: %v", id, perr)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// GetBlobMetadata resolves (size, content-sha1) via the in-memory LRU,
// then the local KV, then by fetching and hashing the full blob body.
// Cache hits mutate LRU recency order, so every access goes through the
// LRU's own internal lock rather than a separately-held one.
func (s *ObjectStore) GetBlobMetadata(ctx context.Context, id hash.Hash) (model.BlobMetadata, error) {
	if md, ok := s.metaLRU.Get(id); ok {
		return md, nil
	}

	v, err, _ := s.inflight.Do(coalesceKey(kvstore.SpaceBlobMetadata, id), func() (interface{}, error) {
		if md, ok := s.metaLRU.Get(id); ok {
			return md, nil
		}

		data, ok, err := s.local.Get(kvstore.SpaceBlobMetadata, id)
		if err != nil {
			return nil, fserr.Transport("local blob metadata lookup", err)
		}
		if ok {
			md, derr := decodeMetadata(data)
			if derr == nil {
				s.metaLRU.Add(id, md)
				return md, nil
			}
			log.Printf("objectstore: corrupt cached metadata for %s, recomputing: %v", id, derr)
		}

		blob, ferr := s.GetBlob(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		md := model.BlobMetadata{Size: int64(len(blob)), ContentSHA1: hash.OfBytes(blob)}
		s.metaLRU.Add(id, md)
		if perr := s.local.Put(kvstore.SpaceBlobMetadata, id, encodeMetadata(md)); perr != nil {
			log.Printf("objectstore: write-back metadata %s: %v", id, perr)
		}
		return md, nil
	})
	if err != nil {
		return model.BlobMetadata{}, err
	}
	return v.(model.BlobMetadata), nil
}

// GetBlobSize is a derived view over GetBlobMetadata.
func (s *ObjectStore) GetBlobSize(ctx context.Context, id hash.Hash) (int64, error) {
	md, err := s.GetBlobMetadata(ctx, id)
	if err != nil {
		return 0, err
	}
	return md.Size, nil
}

// GetBlobSha1 is a derived view over GetBlobMetadata.
func (s *ObjectStore) GetBlobSha1(ctx context.Context, id hash.Hash) (hash.Hash, error) {
	md, err := s.GetBlobMetadata(ctx, id)
	if err != nil {
		return hash.Hash{}, err
	}
	return md.ContentSHA1, nil
}

// GetTreeForCommit resolves a commit to its root tree via the
// commit_to_tree space (populated by an importer in the general case);
// on a cache miss it asks the backing store directly and back-fills
// commit_to_tree for next time.
func (s *ObjectStore) GetTreeForCommit(ctx context.Context, commitID hash.Hash) (*model.Tree, error) {
	data, ok, err := s.local.Get(kvstore.SpaceCommitToTree, commitID)
	if err != nil {
		return nil, fserr.Transport("commit_to_tree lookup", err)
	}
	if ok {
		var treeID hash.Hash
		if len(data) != len(treeID) {
			return nil, fserr.Corruption("commit_to_tree record has wrong length", nil)
		}
		copy(treeID[:], data)
		return s.GetTree(ctx, treeID)
	}

	t, err := s.backing.GetTreeForCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	if perr := s.local.Put(kvstore.SpaceCommitToTree, commitID, append([]byte(nil), t.ID[:]...)); perr != nil {
		log.Printf("objectstore: write-back commit_to_tree %s: %v", commitID, perr)
	}
	return t, nil
}

// PrefetchBlobs is a hint to the backing store; it succeeds trivially
// on an empty slice.
func (s *ObjectStore) PrefetchBlobs(ctx context.Context, ids []hash.Hash) error {
	if len(ids) == 0 {
		return nil
	}
	return s.backing.PrefetchBlobs(ctx, ids)
}

func encodeMetadata(md model.BlobMetadata) []byte {
	out := make([]byte, 8+len(md.ContentSHA1))
	for i := 0; i < 8; i++ {
		out[i] = byte(md.Size >> (8 * (7 - i)))
	}
	copy(out[8:], md.ContentSHA1[:])
	return out
}

func decodeMetadata(data []byte) (model.BlobMetadata, error) {
	var zero model.BlobMetadata
	if len(data) != 8+len(zero.ContentSHA1) {
		return zero, fmt.Errorf("objectstore: bad metadata record length %d", len(data))
	}
	var size int64
	for i := 0; i < 8; i++ {
		size = size<<8 | int64(data[i])
	}
	var sha hash.Hash
	copy(sha[:], data[8:])
	return model.BlobMetadata{Size: size, ContentSHA1: sha}, nil
}
