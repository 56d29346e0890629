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

// Package backingstore defines the BackingStore capability (the
// authoritative, possibly-remote source of trees and blobs) and ships
// two implementations: GitBackingStore, which reads objects out of a
// local or lazily-cloned git repository, and FakeBackingStore, a
// deterministic in-memory store for tests.
package backingstore

import (
	"context"

	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
)

// BackingStore is the authoritative, possibly-remote source of trees
// and blobs, addressed by content hash. Any type meeting this contract
// plugs into the object store (spec.md §9, "Polymorphism over storage
// backends").
type BackingStore interface {
	// GetTree fetches a tree by hash. A missing tree returns an error
	// satisfying fserr.CodeOf(err) == fserr.CodeNotFound.
	GetTree(ctx context.Context, id hash.Hash) (*model.Tree, error)

	// GetBlob fetches a blob's full contents by hash.
	GetBlob(ctx context.Context, id hash.Hash) ([]byte, error)

	// GetTreeForCommit resolves a commit hash to its root tree and
	// fetches that tree.
	GetTreeForCommit(ctx context.Context, commitID hash.Hash) (*model.Tree, error)

	// PrefetchBlobs hints that the given blobs will likely be needed
	// soon. It may be a no-op; it always succeeds on an empty slice.
	PrefetchBlobs(ctx context.Context, ids []hash.Hash) error
}
