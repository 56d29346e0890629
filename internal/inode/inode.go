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

// Package inode implements the hybrid inode graph: TreeInode and
// FileInode, each either unmaterialized (backed by a content hash in
// the object store) or materialized (backed by overlay storage), with
// a one-way Unmaterialized -> Materialized -> Destroyed state machine.
// Both node types embed fs.Inode from go-fuse's fs package, the same
// embedding idiom the teacher's gitilesNode/gitilesRoot use, which
// makes the graph directly mountable without an adapter layer.
package inode

import (
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"

	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
	"github.com/arborfs/arbor/internal/objectstore"
	"github.com/arborfs/arbor/internal/overlay"
)

// State is a node's position in the materialization state machine.
type State int

const (
	StateUnmaterialized State = iota
	StateMaterialized
	StateDestroyed
)

// Mount bundles the collaborators every inode in one mount shares: the
// object store for unmaterialized reads, the overlay for materialized
// storage, and the tracker for subtrees degraded by an Invariant
// violation.
type Mount struct {
	Objects  *objectstore.ObjectStore
	Overlay  *overlay.Overlay
	Degraded *fserr.DegradedTracker
}

// entry is one name's slot in a TreeInode's listing: either a promoted,
// live node (Node != nil) or a lazy stub carrying just enough to
// promote it later. Ino is 0 until allocated, which spec.md §4.4
// requires to happen no earlier than when the entry is first observed
// (looked up or enumerated via readdir).
type entry struct {
	kind model.EntryKind
	ino  uint64

	// node is non-nil once this entry has been promoted to a live,
	// loaded Inode by Lookup.
	node fusefs.InodeEmbedder

	// hasSource and sourceHash record the entry's object-store source
	// as of when the listing was loaded; sourceHash is meaningful only
	// while hasSource is true. They are not updated once node is set:
	// from then on the node's own state (see sourceStateOf) is current.
	hasSource  bool
	sourceHash hash.Hash
}

// modeFor returns the syscall S_IF* bits for an entry kind.
func modeFor(kind model.EntryKind) uint32 {
	switch kind {
	case model.KindTree:
		return syscall.S_IFDIR
	case model.KindSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// sourceStateOf asks a live node (TreeInode or FileInode) for its
// current materialization state, used when a parent snapshots its
// listing for an overlay write: a loaded child may have materialized
// independently of its parent's own last save.
func sourceStateOf(node fusefs.InodeEmbedder) (hasSource bool, source hash.Hash) {
	switch n := node.(type) {
	case *TreeInode:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.state == StateUnmaterialized, n.sourceHash
	case *FileInode:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.state == StateUnmaterialized, n.sourceHash
	default:
		return false, hash.Hash{}
	}
}
