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

// Package glob compiles one or more glob patterns into a shared prefix
// tree and evaluates them against a mounted tree by deferred recursive
// descent, per spec.md §4.5. Evaluation never forces a lazy subtree to
// load: an unpromoted stub is matched against its backing Tree directly
// through the object store.
package glob

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/inode"
	"github.com/arborfs/arbor/internal/model"
	"github.com/arborfs/arbor/internal/objectstore"
	"github.com/arborfs/arbor/internal/vpath"
)

// Result is one matched path and its kind.
type Result struct {
	Path string
	Kind model.EntryKind
}

// node is one component's slot in the shared prefix tree. Several
// patterns sharing a leading component (e.g. "dir/*" and "dir/**")
// share the same node for "dir".
type node struct {
	token      string
	doubleStar bool
	terminal   bool
	children   map[string]*node
}

func newNode(token string) *node {
	return &node{token: token, children: map[string]*node{}}
}

func (n *node) childFor(token string) *node {
	if c, ok := n.children[token]; ok {
		return c
	}
	c := newNode(token)
	n.children[token] = c
	return c
}

// Root is the compiled form of one or more patterns, parsed via Parse.
type Root struct {
	includeDotfiles bool
	root            *node
}

// NewRoot returns an empty pattern tree. includeDotfiles controls
// whether a bare "*" (or "**") component matches a name starting with
// ".".
func NewRoot(includeDotfiles bool) *Root {
	return &Root{includeDotfiles: includeDotfiles, root: newNode("")}
}

// Parse adds one slash-separated pattern to the tree, splitting it into
// per-component tokens and sharing prefixes with any pattern already
// parsed into this Root.
func (r *Root) Parse(pattern string) error {
	cur := r.root
	for _, comp := range strings.Split(pattern, "/") {
		if comp == "" {
			continue
		}
		cur = cur.childFor(comp)
		cur.doubleStar = comp == "**"
	}
	cur.terminal = true
	return nil
}

// PrefetchSink collects the source hashes of matched files that were
// resolved purely from a backing Tree (never promoted to a live inode),
// per the §4.5 prefetch-list rule.
type PrefetchSink struct {
	hashes []hash.Hash
}

func (p *PrefetchSink) add(h hash.Hash) {
	if p == nil {
		return
	}
	p.hashes = append(p.hashes, h)
}

// Hashes returns the collected hashes in the order they were appended.
func (p *PrefetchSink) Hashes() []hash.Hash {
	if p == nil {
		return nil
	}
	return p.hashes
}

// matchComponent reports whether name matches a single path component
// token: a literal, "*"/"?"/"[...]" wildcard evaluated with path.Match,
// or "**" (handled separately by the caller, never reaching here for
// its own level).
func matchComponent(token, name string, includeDotfiles bool) bool {
	if !includeDotfiles && isDotfile(name) && strings.ContainsAny(token, "*?[") {
		return false
	}
	if !strings.ContainsAny(token, "*?[") {
		return token == name
	}
	ok, err := path.Match(token, name)
	return err == nil && ok
}

// Evaluate walks root's children (as visible via Children, without
// forcing subtree loads), matching each against the pattern tree, and
// returns every match deduplicated by path. prefetch may be nil.
func Evaluate(ctx context.Context, objects *objectstore.ObjectStore, root *inode.TreeInode, r *Root, prefetch *PrefetchSink) ([]Result, error) {
	seen := map[string]Result{}
	if err := evalInode(ctx, objects, root, r.root, "", r.includeDotfiles, prefetch, seen); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func joinPath(prefix, name string) string {
	return string(vpath.Relative(prefix).Join(name))
}

// isDotfile reports whether a single path component begins with ".".
func isDotfile(name string) bool {
	return vpath.Relative(name).IsDotfile()
}

func record(seen map[string]Result, p string, kind model.EntryKind) {
	seen[p] = Result{Path: p, Kind: kind}
}

// evalInode matches pat's children against tree's live listing. A
// matched subtree recurses via evalInode if already promoted, or via
// evalBackingTree (never promoting it) if it is still a lazy stub.
func evalInode(ctx context.Context, objects *objectstore.ObjectStore, tree *inode.TreeInode, pat *node, prefix string, includeDotfiles bool, prefetch *PrefetchSink, seen map[string]Result) error {
	children, err := tree.Children(ctx)
	if err != nil {
		return err
	}

	for _, pc := range pat.children {
		for _, c := range children {
			if pc.doubleStar {
				if err := matchDoubleStarInode(ctx, objects, c, pc, prefix, includeDotfiles, prefetch, seen); err != nil {
					return err
				}
				continue
			}
			if !matchComponent(pc.token, c.Name, includeDotfiles) {
				continue
			}
			p := joinPath(prefix, c.Name)
			if pc.terminal {
				record(seen, p, c.Kind)
				if c.Kind != model.KindTree && c.HasSource && c.Node == nil {
					prefetch.add(c.SourceHash)
				}
			}
			if c.Kind != model.KindTree || len(pc.children) == 0 {
				continue
			}
			if err := recurseInto(ctx, objects, c, pc, p, includeDotfiles, prefetch, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// recurseInto descends into a matched subtree: via its live node if
// already promoted, or via its backing Tree (without promoting it)
// if it is still a lazy stub.
func recurseInto(ctx context.Context, objects *objectstore.ObjectStore, c inode.ChildView, pat *node, prefix string, includeDotfiles bool, prefetch *PrefetchSink, seen map[string]Result) error {
	if childTree, ok := c.Node.(*inode.TreeInode); ok {
		return evalInode(ctx, objects, childTree, pat, prefix, includeDotfiles, prefetch, seen)
	}
	if !c.HasSource {
		return nil
	}
	return evalBackingTree(ctx, objects, c.SourceHash, pat, prefix, includeDotfiles, prefetch, seen)
}

// matchDoubleStarInode handles a "**" pattern node against one already
// loaded child: it matches the child itself at the current position and
// recurses into every descendant depth, per spec.md §4.5 rule 3.
func matchDoubleStarInode(ctx context.Context, objects *objectstore.ObjectStore, c inode.ChildView, pat *node, prefix string, includeDotfiles bool, prefetch *PrefetchSink, seen map[string]Result) error {
	if !includeDotfiles && isDotfile(c.Name) {
		return nil
	}
	p := joinPath(prefix, c.Name)
	if pat.terminal {
		record(seen, p, c.Kind)
		if c.Kind != model.KindTree && c.HasSource && c.Node == nil {
			prefetch.add(c.SourceHash)
		}
	}
	if c.Kind != model.KindTree {
		return nil
	}
	// "**" keeps matching at every depth below, so recurse with the
	// same pattern node (not its children).
	if childTree, ok := c.Node.(*inode.TreeInode); ok {
		grandchildren, err := childTree.Children(ctx)
		if err != nil {
			return err
		}
		for _, gc := range grandchildren {
			if err := matchDoubleStarInode(ctx, objects, gc, pat, p, includeDotfiles, prefetch, seen); err != nil {
				return err
			}
		}
		return nil
	}
	if !c.HasSource {
		return nil
	}
	return descendDoubleStarBackingTree(ctx, objects, c.SourceHash, pat, p, includeDotfiles, prefetch, seen)
}

// evalBackingTree is evalInode's counterpart for a lazy stub: it fetches
// the backing Tree directly from the object store and matches against
// its entries, never constructing a TreeInode, per the load-minimization
// contract.
func evalBackingTree(ctx context.Context, objects *objectstore.ObjectStore, treeHash hash.Hash, pat *node, prefix string, includeDotfiles bool, prefetch *PrefetchSink, seen map[string]Result) error {
	t, err := objects.GetTree(ctx, treeHash)
	if err != nil {
		return err
	}
	for _, pc := range pat.children {
		for _, e := range t.Entries {
			if pc.doubleStar {
				if err := matchDoubleStarBackingEntry(ctx, objects, e, pc, prefix, includeDotfiles, prefetch, seen); err != nil {
					return err
				}
				continue
			}
			if !matchComponent(pc.token, e.Name, includeDotfiles) {
				continue
			}
			p := joinPath(prefix, e.Name)
			if pc.terminal {
				record(seen, p, e.Kind)
				if e.Kind != model.KindTree {
					prefetch.add(e.ID)
				}
			}
			if e.Kind != model.KindTree || len(pc.children) == 0 {
				continue
			}
			if err := evalBackingTree(ctx, objects, e.ID, pc, p, includeDotfiles, prefetch, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// descendDoubleStarBackingTree fetches the Tree at treeHash (the
// backing tree of the directory already matched at prefix) and matches
// "**" against each of its entries.
func descendDoubleStarBackingTree(ctx context.Context, objects *objectstore.ObjectStore, treeHash hash.Hash, pat *node, prefix string, includeDotfiles bool, prefetch *PrefetchSink, seen map[string]Result) error {
	t, err := objects.GetTree(ctx, treeHash)
	if err != nil {
		return err
	}
	for _, e := range t.Entries {
		if err := matchDoubleStarBackingEntry(ctx, objects, e, pat, prefix, includeDotfiles, prefetch, seen); err != nil {
			return err
		}
	}
	return nil
}

// matchDoubleStarBackingEntry matches "**" against one backing-tree
// entry: it records/prefetches the entry itself at the current depth,
// then, if it is a subtree, keeps descending at every depth below.
func matchDoubleStarBackingEntry(ctx context.Context, objects *objectstore.ObjectStore, e model.TreeEntry, pat *node, prefix string, includeDotfiles bool, prefetch *PrefetchSink, seen map[string]Result) error {
	if !includeDotfiles && isDotfile(e.Name) {
		return nil
	}
	p := joinPath(prefix, e.Name)
	if pat.terminal {
		record(seen, p, e.Kind)
		if e.Kind != model.KindTree {
			prefetch.add(e.ID)
		}
	}
	if e.Kind != model.KindTree {
		return nil
	}
	return descendDoubleStarBackingTree(ctx, objects, e.ID, pat, p, includeDotfiles, prefetch, seen)
}
