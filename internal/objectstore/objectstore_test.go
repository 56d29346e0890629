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

package objectstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arborfs/arbor/internal/backingstore"
	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/kvstore"
)

func open(t *testing.T) *kvstore.LocalStore {
	t.Helper()
	s, err := kvstore.Open(t.TempDir(), kvstore.Options{})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// countingBackingStore wraps a FakeBackingStore-compatible backend and
// counts GetBlob calls, used to assert coalescing actually happens.
type countingBackingStore struct {
	backingstore.BackingStore
	blobCalls int32
	delay     time.Duration
}

func (c *countingBackingStore) GetBlob(ctx context.Context, id hash.Hash) ([]byte, error) {
	atomic.AddInt32(&c.blobCalls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.BackingStore.GetBlob(ctx, id)
}

func TestGetBlobCachesLocally(t *testing.T) {
	b := backingstore.NewTreeBuilder()
	b.SetFiles(map[string]string{"a.txt": "hello world"})
	fake, _, err := b.Build(true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	id := b.Hash("a.txt")

	local := open(t)
	counting := &countingBackingStore{BackingStore: fake}
	os, err := New(local, counting, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		data, err := os.GetBlob(ctx, id)
		if err != nil {
			t.Fatalf("GetBlob: %v", err)
		}
		if string(data) != "hello world" {
			t.Fatalf("got %q", data)
		}
	}

	if got, ok, err := local.Get(kvstore.SpaceBlob, id); err != nil || !ok || string(got) != "hello world" {
		t.Fatalf("local store not populated: %v %v %q", err, ok, got)
	}
	if calls := atomic.LoadInt32(&counting.blobCalls); calls != 1 {
		t.Fatalf("backing store called %d times, want 1 (local cache should short-circuit)", calls)
	}
}

func TestGetBlobCoalescesConcurrentMisses(t *testing.T) {
	b := backingstore.NewTreeBuilder()
	b.SetFiles(map[string]string{"a.txt": "hello world"})
	fake, _, err := b.Build(true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	id := b.Hash("a.txt")

	local := open(t)
	counting := &countingBackingStore{BackingStore: fake, delay: 50 * time.Millisecond}
	os, err := New(local, counting, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := os.GetBlob(context.Background(), id); err != nil {
				t.Errorf("GetBlob: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&counting.blobCalls); calls != 1 {
		t.Fatalf("backing store called %d times concurrently, want exactly 1 (coalescing failed)", calls)
	}
}

func TestGetBlobMetadataComputesAndCaches(t *testing.T) {
	b := backingstore.NewTreeBuilder()
	b.SetFiles(map[string]string{"a.txt": "hello world"})
	fake, _, err := b.Build(true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	id := b.Hash("a.txt")

	local := open(t)
	os, err := New(local, fake, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	md, err := os.GetBlobMetadata(ctx, id)
	if err != nil {
		t.Fatalf("GetBlobMetadata: %v", err)
	}
	if md.Size != int64(len("hello world")) {
		t.Fatalf("size = %d, want %d", md.Size, len("hello world"))
	}
	if md.ContentSHA1 != hash.OfBytes([]byte("hello world")) {
		t.Fatalf("sha1 mismatch")
	}

	if _, ok := os.metaLRU.Get(id); !ok {
		t.Fatalf("metadata not cached in LRU")
	}

	if got, ok, err := local.Get(kvstore.SpaceBlobMetadata, id); err != nil || !ok || len(got) == 0 {
		t.Fatalf("metadata not persisted: %v %v %v", got, ok, err)
	}

	size, err := os.GetBlobSize(ctx, id)
	if err != nil || size != md.Size {
		t.Fatalf("GetBlobSize = %d, %v", size, err)
	}
	sha, err := os.GetBlobSha1(ctx, id)
	if err != nil || sha != md.ContentSHA1 {
		t.Fatalf("GetBlobSha1 mismatch: %v %v", sha, err)
	}
}

func TestGetTreeNotFoundPropagates(t *testing.T) {
	b := backingstore.NewTreeBuilder()
	b.SetFiles(map[string]string{"a.txt": "x"})
	fake, _, err := b.Build(true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	local := open(t)
	os, err := New(local, fake, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = os.GetTree(context.Background(), hash.OfBytes([]byte("does-not-exist")))
	if fserr.CodeOf(err) != fserr.CodeNotFound {
		t.Fatalf("GetTree err = %v, want CodeNotFound", err)
	}
}

func TestGetTreeForCommitBackfillsMapping(t *testing.T) {
	b := backingstore.NewTreeBuilder()
	b.SetFiles(map[string]string{"a.txt": "x"})
	fake, root, err := b.Build(true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	commitID := hash.OfBytes([]byte("commit-1"))
	b.AddCommit(commitID, root)

	local := open(t)
	os, err := New(local, fake, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tree, err := os.GetTreeForCommit(context.Background(), commitID)
	if err != nil {
		t.Fatalf("GetTreeForCommit: %v", err)
	}
	if tree.ID != root {
		t.Fatalf("tree ID = %v, want %v", tree.ID, root)
	}

	mapped, ok, err := local.Get(kvstore.SpaceCommitToTree, commitID)
	if err != nil || !ok {
		t.Fatalf("commit_to_tree not backfilled: %v %v", ok, err)
	}
	var got hash.Hash
	copy(got[:], mapped)
	if got != root {
		t.Fatalf("backfilled tree id = %v, want %v", got, root)
	}
}
