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

package backingstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
)

type fakeEntry struct {
	mu    sync.Mutex
	ready bool
	ch    chan struct{}
}

func newFakeEntry(ready bool) *fakeEntry {
	e := &fakeEntry{ready: ready, ch: make(chan struct{})}
	if ready {
		close(e.ch)
	}
	return e
}

func (e *fakeEntry) setReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		e.ready = true
		close(e.ch)
	}
}

func (e *fakeEntry) wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FakeBackingStore is an in-memory BackingStore driven by a
// TreeBuilder. It exists purely for tests: it lets test code declare a
// nested path -> content mapping and either mark all entries ready
// immediately, or defer readiness so tests can observe the inode
// layer's and glob evaluator's lazy-loading behavior.
type FakeBackingStore struct {
	mu      sync.RWMutex
	trees   map[hash.Hash]*model.Tree
	blobs   map[hash.Hash][]byte
	commits map[hash.Hash]hash.Hash
	gate    map[hash.Hash]*fakeEntry
}

func newFakeBackingStore() *FakeBackingStore {
	return &FakeBackingStore{
		trees:   map[hash.Hash]*model.Tree{},
		blobs:   map[hash.Hash][]byte{},
		commits: map[hash.Hash]hash.Hash{},
		gate:    map[hash.Hash]*fakeEntry{},
	}
}

func (s *FakeBackingStore) GetTree(ctx context.Context, id hash.Hash) (*model.Tree, error) {
	s.mu.RLock()
	t, ok := s.trees[id]
	gate := s.gate[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fserr.NotFound(fmt.Sprintf("tree %s", id))
	}
	if gate != nil {
		if err := gate.wait(ctx); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *FakeBackingStore) GetBlob(ctx context.Context, id hash.Hash) ([]byte, error) {
	s.mu.RLock()
	b, ok := s.blobs[id]
	gate := s.gate[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fserr.NotFound(fmt.Sprintf("blob %s", id))
	}
	if gate != nil {
		if err := gate.wait(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (s *FakeBackingStore) GetTreeForCommit(ctx context.Context, commitID hash.Hash) (*model.Tree, error) {
	s.mu.RLock()
	treeID, ok := s.commits[commitID]
	s.mu.RUnlock()
	if !ok {
		return nil, fserr.NotFound(fmt.Sprintf("commit %s", commitID))
	}
	return s.GetTree(ctx, treeID)
}

func (s *FakeBackingStore) PrefetchBlobs(ctx context.Context, ids []hash.Hash) error {
	return nil
}

// setReady marks the object at id as available without waiting.
func (s *FakeBackingStore) setReady(id hash.Hash) {
	s.mu.Lock()
	g, ok := s.gate[id]
	s.mu.Unlock()
	if ok {
		g.setReady()
	}
}

func (s *FakeBackingStore) setAllReady() {
	s.mu.RLock()
	gates := make([]*fakeEntry, 0, len(s.gate))
	for _, g := range s.gate {
		gates = append(gates, g)
	}
	s.mu.RUnlock()
	for _, g := range gates {
		g.setReady()
	}
}

// fakeDirNode is the TreeBuilder's intermediate representation of a
// directory while files are being declared, before Build() turns it
// into a tree of model.Tree values.
type fakeDirNode struct {
	children map[string]*fakeChild
}

type fakeChild struct {
	isDir   bool
	content string
	dir     *fakeDirNode
}

func newFakeDirNode() *fakeDirNode {
	return &fakeDirNode{children: map[string]*fakeChild{}}
}

// TreeBuilder lets test code declare a nested {path -> content}
// mapping and build a FakeBackingStore from it, mirroring the original
// FakeTreeBuilder test harness.
type TreeBuilder struct {
	root       *fakeDirNode
	store      *FakeBackingStore
	pathToHash map[string]hash.Hash
	rootHash   hash.Hash
}

// NewTreeBuilder returns an empty TreeBuilder.
func NewTreeBuilder() *TreeBuilder {
	return &TreeBuilder{root: newFakeDirNode(), pathToHash: map[string]hash.Hash{}}
}

// SetFiles declares a set of path -> content entries. Intermediate
// directories are created implicitly.
func (b *TreeBuilder) SetFiles(files map[string]string) {
	for path, content := range files {
		b.setFile(path, content)
	}
}

func (b *TreeBuilder) setFile(path, content string) {
	parts := strings.Split(path, "/")
	dir := b.root
	for _, p := range parts[:len(parts)-1] {
		c, ok := dir.children[p]
		if !ok || !c.isDir {
			c = &fakeChild{isDir: true, dir: newFakeDirNode()}
			dir.children[p] = c
		}
		dir = c.dir
	}
	dir.children[parts[len(parts)-1]] = &fakeChild{content: content}
}

// Build turns the declared file tree into a FakeBackingStore. If
// startReady is true, every tree and blob is immediately available;
// otherwise nothing is ready until SetReady or SetAllReady is called.
func (b *TreeBuilder) Build(startReady bool) (*FakeBackingStore, hash.Hash, error) {
	store := newFakeBackingStore()
	root, err := buildDir(store, "", b.root, startReady, b.pathToHash)
	if err != nil {
		return nil, hash.Hash{}, err
	}
	b.store = store
	b.rootHash = root
	return store, root, nil
}

func buildDir(store *FakeBackingStore, prefix string, dir *fakeDirNode, ready bool, pathToHash map[string]hash.Hash) (hash.Hash, error) {
	names := make([]string, 0, len(dir.children))
	for n := range dir.children {
		names = append(names, n)
	}
	sort.Strings(names)

	var entries []model.TreeEntry
	for _, name := range names {
		c := dir.children[name]
		childPath := name
		if prefix != "" {
			childPath = prefix + "/" + name
		}
		if c.isDir {
			id, err := buildDir(store, childPath, c.dir, ready, pathToHash)
			if err != nil {
				return hash.Hash{}, err
			}
			entries = append(entries, model.TreeEntry{Name: name, ID: id, Kind: model.KindTree})
		} else {
			id := hash.OfBytes([]byte(c.content))
			store.mu.Lock()
			store.blobs[id] = []byte(c.content)
			store.gate[id] = newFakeEntry(ready)
			store.mu.Unlock()
			pathToHash[childPath] = id
			entries = append(entries, model.TreeEntry{Name: name, ID: id, Kind: model.KindRegular})
		}
	}

	tree := model.NewTree(hash.Hash{}, entries)
	id := hash.OfBytes(model.SerializeTree(tree))
	tree.ID = id

	store.mu.Lock()
	store.trees[id] = tree
	store.gate[id] = newFakeEntry(ready)
	store.mu.Unlock()
	pathToHash[prefix] = id

	return id, nil
}

// SetReady marks the tree or blob at the given declared path as
// available, without affecting its descendants or ancestors.
func (b *TreeBuilder) SetReady(path string) {
	if id, ok := b.pathToHash[path]; ok {
		b.store.setReady(id)
	}
}

// SetAllReady marks every tree and blob in the builder as available.
func (b *TreeBuilder) SetAllReady() {
	b.store.setAllReady()
}

// Hash returns the hash at a declared path, useful for assertions.
func (b *TreeBuilder) Hash(path string) hash.Hash {
	return b.pathToHash[path]
}

// RootHash returns the root tree's hash.
func (b *TreeBuilder) RootHash() hash.Hash {
	return b.rootHash
}

// AddCommit registers a fake commit -> tree mapping for
// GetTreeForCommit tests.
func (b *TreeBuilder) AddCommit(commitID, treeID hash.Hash) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.store.commits[commitID] = treeID
}
