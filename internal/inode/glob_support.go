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

package inode

import (
	"context"

	fusefs "github.com/hanwen/go-fuse/v2/fs"

	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
	"github.com/arborfs/arbor/internal/objectstore"
)

// ChildView is one name's entry as seen from outside the package,
// exposing exactly what the glob evaluator in spec.md §4.5 is allowed
// to look at: the name, kind, and either an already-promoted live node
// or a still-lazy source hash. Like Readdir, Children never promotes a
// stub to a loaded inode.
type ChildView struct {
	Name       string
	Kind       model.EntryKind
	Node       fusefs.InodeEmbedder
	HasSource  bool
	SourceHash hash.Hash
}

// Children loads this directory's listing (if not already loaded) and
// returns a snapshot without promoting any lazy stub, so a caller doing
// deferred recursive descent can decide for itself whether to recurse
// into a live node or consult the backing tree directly.
func (t *TreeInode) Children(ctx context.Context) ([]ChildView, error) {
	if err := t.ensureListing(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ChildView, 0, len(t.entries))
	for name, e := range t.entries {
		out = append(out, ChildView{
			Name:       name,
			Kind:       e.kind,
			Node:       e.node,
			HasSource:  e.hasSource,
			SourceHash: e.sourceHash,
		})
	}
	return out, nil
}

// Objects exposes the mount's object store so a caller evaluating a
// glob against this tree can fetch a lazy stub's backing Tree without
// promoting it.
func (t *TreeInode) Objects() *objectstore.ObjectStore {
	return t.mount.Objects
}
