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

// Package model holds the immutable, content-addressed data types
// shared by the object store, the inode layer and the glob evaluator:
// trees, blobs, blob metadata and the working-copy parent record.
package model

import (
	"fmt"
	"sort"

	"github.com/arborfs/arbor/internal/hash"
)

// EntryKind is the type of a Tree entry.
type EntryKind int

const (
	KindRegular EntryKind = iota
	KindExecutable
	KindSymlink
	KindTree
)

func (k EntryKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindExecutable:
		return "executable"
	case KindSymlink:
		return "symlink"
	case KindTree:
		return "tree"
	default:
		return "unknown"
	}
}

// IsDir reports whether the entry kind is a subtree.
func (k EntryKind) IsDir() bool { return k == KindTree }

// TreeEntry is one name -> (hash, kind) mapping inside a Tree.
type TreeEntry struct {
	Name string
	ID   hash.Hash
	Kind EntryKind
}

// Tree is an immutable, sorted mapping from path component to
// TreeEntry. Two trees with the same sorted contents have the same
// Hash, computed by the importer and never re-derived from the
// serialized form.
type Tree struct {
	ID      hash.Hash
	Entries []TreeEntry
}

// NewTree builds a Tree from entries, sorting them by name. It does
// not compute ID: the caller (an importer, or the backing store) is
// responsible for supplying the authoritative hash.
func NewTree(id hash.Hash, entries []TreeEntry) *Tree {
	sorted := append([]TreeEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Tree{ID: id, Entries: sorted}
}

// Lookup finds an entry by name using binary search over the sorted
// entry list.
func (t *Tree) Lookup(name string) (TreeEntry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return t.Entries[i], true
	}
	return TreeEntry{}, false
}

// BlobMetadata is the cheap-to-query pair (size, content hash)
// associated with a Blob, cacheable independently of the blob body.
type BlobMetadata struct {
	Size        int64
	ContentSHA1 hash.Hash
}

// ParentCommits is the working copy's one or two base commit hashes.
// A second, present parent indicates an in-progress merge.
type ParentCommits struct {
	Parent1 hash.Hash
	Parent2 *hash.Hash
}

func (p ParentCommits) String() string {
	if p.Parent2 != nil {
		return fmt.Sprintf("%s+%s", p.Parent1, p.Parent2)
	}
	return p.Parent1.String()
}

// IsMerge reports whether a second parent is present.
func (p ParentCommits) IsMerge() bool { return p.Parent2 != nil }
