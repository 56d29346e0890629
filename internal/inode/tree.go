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
	"sort"
	"sync"
	"syscall"
	"time"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
	"github.com/arborfs/arbor/internal/overlay"
)

// TreeInode represents a live directory. It holds a weak (non-owning)
// parent link, its inode number, the current listing, and its
// materialization state, exactly as spec.md §4.4 describes.
type TreeInode struct {
	fusefs.Inode

	mount  *Mount
	parent *TreeInode // weak: never the owner, just used for chain walks

	mu      sync.Mutex
	cond    *sync.Cond
	loading bool

	ino        uint64
	state      State
	sourceHash hash.Hash

	listingLoaded bool
	entries       map[string]*entry

	// metaEntry, set only on a mount root via ExposeMetaDir, is
	// re-merged into entries on every (re)load since ensureListing
	// otherwise replaces the whole map wholesale.
	metaEntry *entry
}

// metaDirName is the synthetic metadata directory every mount root
// exposes, mirroring the teacher's own ".slothfs" directory.
const metaDirName = ".arbor"

var (
	_ fusefs.NodeLookuper   = (*TreeInode)(nil)
	_ fusefs.NodeReaddirer  = (*TreeInode)(nil)
	_ fusefs.NodeMkdirer    = (*TreeInode)(nil)
	_ fusefs.NodeCreater    = (*TreeInode)(nil)
	_ fusefs.NodeSymlinker  = (*TreeInode)(nil)
	_ fusefs.NodeUnlinker   = (*TreeInode)(nil)
	_ fusefs.NodeRmdirer    = (*TreeInode)(nil)
	_ fusefs.NodeRenamer    = (*TreeInode)(nil)
	_ fusefs.NodeGetattrer  = (*TreeInode)(nil)
	_ fusefs.NodeSetattrer  = (*TreeInode)(nil)
)

// NewRoot constructs the root TreeInode of a mount, backed by rootHash
// (the working copy's current tree) unless the overlay already holds a
// materialized directory record for ino from a prior run, in which case
// the root comes back up materialized, matching the overlay's own
// record rather than reverting to its unmaterialized source tree.
func NewRoot(mount *Mount, ino uint64, rootHash hash.Hash) *TreeInode {
	t := &TreeInode{mount: mount, ino: ino, state: StateUnmaterialized, sourceHash: rootHash}
	t.cond = sync.NewCond(&t.mu)
	if _, exists, err := mount.Overlay.LoadDirectory(ino); err == nil && exists {
		t.state = StateMaterialized
		t.sourceHash = hash.Hash{}
	}
	return t
}

func newUnmaterializedTreeInode(mount *Mount, parent *TreeInode, ino uint64, sourceHash hash.Hash) *TreeInode {
	t := &TreeInode{mount: mount, parent: parent, ino: ino, state: StateUnmaterialized, sourceHash: sourceHash}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// newMaterializedTreeInode constructs a child TreeInode for a directory
// just created fresh by Mkdir: its listing is known empty without a
// separate overlay read, so it starts out loaded.
func newMaterializedTreeInode(mount *Mount, parent *TreeInode, ino uint64) *TreeInode {
	t := &TreeInode{
		mount:         mount,
		parent:        parent,
		ino:           ino,
		state:         StateMaterialized,
		listingLoaded: true,
		entries:       map[string]*entry{},
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// newPromotedTreeInode constructs a child TreeInode for an entry drawn
// from the parent's own listing (Lookup promoting a lazy stub), picking
// up the child's actual on-disk materialization state rather than
// assuming it is still unmaterialized: a parent's listing can name a
// child that materialized in a prior run, recorded with no source hash.
func newPromotedTreeInode(mount *Mount, parent *TreeInode, e *entry) *TreeInode {
	if e.hasSource {
		return newUnmaterializedTreeInode(mount, parent, e.ino, e.sourceHash)
	}
	t := &TreeInode{mount: mount, parent: parent, ino: e.ino, state: StateMaterialized}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// ensureListing loads this directory's listing on first use, from the
// overlay if materialized or from the object store if not. It follows
// the teacher's fetchFile/fetchingCond pattern in fs/gitilesfs.go:
// concurrent callers wait on a condition variable rather than issuing
// redundant fetches, and the per-inode lock is released for the
// duration of the (possibly slow) fetch itself.
func (t *TreeInode) ensureListing(ctx context.Context) error {
	t.mu.Lock()
	for !t.listingLoaded && t.loading {
		t.cond.Wait()
	}
	if t.listingLoaded {
		t.mu.Unlock()
		return nil
	}
	t.loading = true
	state := t.state
	srcHash := t.sourceHash
	ino := t.ino
	t.mu.Unlock()

	var entries map[string]*entry
	var err error
	if state == StateMaterialized {
		entries, err = loadMaterializedEntries(t.mount, ino)
	} else {
		entries, err = loadUnmaterializedEntries(ctx, t.mount, srcHash)
	}

	t.mu.Lock()
	t.loading = false
	if err == nil {
		t.entries = entries
		if t.metaEntry != nil {
			t.entries[metaDirName] = t.metaEntry
		}
		t.listingLoaded = true
	}
	t.cond.Broadcast()
	t.mu.Unlock()
	return err
}

// ExposeMetaDir equips a mount root with a synthetic ".arbor" directory
// carrying mount metadata, the same role the teacher's own ".slothfs"
// directory plays in fs/gitilesfs.go: a root-id file (the working
// copy's first parent commit hash, hex) and a socket placeholder
// reserved for an out-of-scope control surface. Call once after
// NewRoot, before the root is handed to the FUSE server.
func (t *TreeInode) ExposeMetaDir(ctx context.Context, rootID hash.Hash) error {
	metaIno, err := t.mount.Overlay.AllocateInodeNumber()
	if err != nil {
		return fserr.Transport("allocate meta dir inode", err)
	}

	meta := &fusefs.Inode{}
	t.NewPersistentInode(ctx, meta, fusefs.StableAttr{Mode: syscall.S_IFDIR, Ino: metaIno})

	idFile := &fusefs.MemRegularFile{Data: []byte(rootID.String())}
	idEmbedded := t.NewPersistentInode(ctx, idFile, fusefs.StableAttr{Mode: syscall.S_IFREG})
	meta.AddChild("root-id", idEmbedded, true)

	sock := &fusefs.MemRegularFile{}
	sockEmbedded := t.NewPersistentInode(ctx, sock, fusefs.StableAttr{Mode: syscall.S_IFREG})
	meta.AddChild("socket", sockEmbedded, true)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metaEntry = &entry{kind: model.KindTree, ino: metaIno, node: meta}
	if t.listingLoaded {
		t.entries[metaDirName] = t.metaEntry
	}
	return nil
}

func loadMaterializedEntries(mount *Mount, ino uint64) (map[string]*entry, error) {
	recs, exists, err := mount.Overlay.LoadDirectory(ino)
	if err != nil {
		return nil, err
	}
	if !exists {
		// A materialized directory always has an overlay record; its
		// absence is an invariant violation, not an empty listing.
		err := fserr.Invariant("materialized directory has no overlay record")
		mount.Degraded.Mark(ino, err.Error())
		return nil, err
	}
	out := map[string]*entry{}
	for _, rec := range recs {
		e := &entry{kind: rec.Kind, ino: rec.Ino}
		if rec.SourceHash != nil {
			e.hasSource = true
			e.sourceHash = *rec.SourceHash
		}
		out[rec.Name] = e
	}
	return out, nil
}

func loadUnmaterializedEntries(ctx context.Context, mount *Mount, srcHash hash.Hash) (map[string]*entry, error) {
	tree, err := mount.Objects.GetTree(ctx, srcHash)
	if err != nil {
		return nil, err
	}
	out := map[string]*entry{}
	for _, te := range tree.Entries {
		out[te.Name] = &entry{kind: te.Kind, hasSource: true, sourceHash: te.ID}
	}
	return out, nil
}

// snapshotEntriesLocked builds the overlay directory record for the
// current listing. t.mu must be held.
func (t *TreeInode) snapshotEntriesLocked() []overlay.DirEntry {
	out := make([]overlay.DirEntry, 0, len(t.entries))
	for name, e := range t.entries {
		if name == metaDirName {
			continue
		}
		rec := overlay.DirEntry{Name: name, Ino: e.ino, Kind: e.kind}
		hasSource, src := e.hasSource, e.sourceHash
		if e.node != nil {
			hasSource, src = sourceStateOf(e.node)
		}
		if hasSource {
			s := src
			rec.SourceHash = &s
		}
		out = append(out, rec)
	}
	return out
}

// materializeSelf transitions this TreeInode from Unmaterialized to
// Materialized, per the "overlay write before in-memory state advance"
// ordering rule: the in-memory state is not mutated until the overlay
// write has succeeded.
func (t *TreeInode) materializeSelf(ctx context.Context) error {
	if err := t.ensureListing(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	if t.state == StateMaterialized {
		t.mu.Unlock()
		return nil
	}
	if t.state == StateDestroyed {
		t.mu.Unlock()
		return fserr.Invariant("materialize on destroyed inode")
	}
	listing := t.snapshotEntriesLocked()
	if err := t.mount.Overlay.SaveDirectory(t.ino, listing); err != nil {
		t.mu.Unlock()
		return err
	}
	t.state = StateMaterialized
	t.sourceHash = hash.Hash{}
	t.mu.Unlock()

	// t's own parent may already have saved its listing earlier in this
	// same materializeChain walk, before t existed as materialized. That
	// saved record is now stale for t's entry; re-save it.
	if t.parent != nil {
		return t.parent.persistListing()
	}
	return nil
}

// persistListing re-saves this directory's overlay record if it is
// already materialized, a no-op otherwise. A materialized child calls
// this on its parent after its own state changes, since the parent's
// last save can predate that change.
func (t *TreeInode) persistListing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateMaterialized {
		return nil
	}
	return t.mount.Overlay.SaveDirectory(t.ino, t.snapshotEntriesLocked())
}

// materializeChain materializes t and every ancestor up to the root
// that is not already materialized. Because materialization always
// already propagated to the root at the time it happened, the walk
// stops at the first already-materialized ancestor.
func (t *TreeInode) materializeChain(ctx context.Context) error {
	var chain []*TreeInode
	for cur := t; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		done := cur.state == StateMaterialized
		cur.mu.Unlock()
		if done {
			break
		}
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if err := chain[i].materializeSelf(ctx); err != nil {
			if fserr.ClassOf(err) == fserr.ClassInvariant {
				t.mount.Degraded.Mark(chain[i].ino, err.Error())
			}
			return err
		}
	}
	return nil
}

// allocateInoLocked assigns an inode number to e if it does not
// already have one, honoring the "allocation deferred until observed"
// rule. t.mu must be held.
func (t *TreeInode) allocateInoLocked(e *entry) error {
	if e.ino != 0 {
		return nil
	}
	ino, err := t.mount.Overlay.AllocateInodeNumber()
	if err != nil {
		return fserr.Transport("allocate inode number", err)
	}
	e.ino = ino
	return nil
}

func (t *TreeInode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	if err := t.ensureListing(ctx); err != nil {
		return nil, fserr.Translate(err)
	}
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		t.mu.Unlock()
		return nil, syscall.ENOENT
	}
	if e.node != nil {
		embedded := e.node.EmbeddedInode()
		t.mu.Unlock()
		out.Attr.Mode = modeFor(e.kind)
		return embedded, 0
	}
	if err := t.allocateInoLocked(e); err != nil {
		t.mu.Unlock()
		return nil, fserr.Translate(err)
	}

	var child fusefs.InodeEmbedder
	switch {
	case e.kind == model.KindTree:
		child = newPromotedTreeInode(t.mount, t, e)
	case e.hasSource:
		child = newUnmaterializedFileInode(t.mount, t, e.ino, e.kind, e.sourceHash)
	default:
		child = newMaterializedFileInode(t.mount, t, e.kind, e.ino)
	}
	embedded := t.NewPersistentInode(ctx, child, fusefs.StableAttr{Mode: modeFor(e.kind), Ino: e.ino})
	t.AddChild(name, embedded, true)
	e.node = child
	ino := e.ino
	kind := e.kind
	t.mu.Unlock()

	out.Attr.Mode = modeFor(kind)
	out.Attr.Ino = ino
	return embedded, 0
}

type dirStream struct {
	entries []fuse.DirEntry
	i       int
}

func (s *dirStream) HasNext() bool { return s.i < len(s.entries) }
func (s *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.i]
	s.i++
	return e, 0
}
func (s *dirStream) Close() {}

// Readdir must not force loading of subtrees that are themselves still
// lazy; it only needs this directory's own listing, already ensured by
// ensureListing.
func (t *TreeInode) Readdir(ctx context.Context) (fusefs.DirStream, syscall.Errno) {
	if err := t.ensureListing(ctx); err != nil {
		return nil, fserr.Translate(err)
	}
	t.mu.Lock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		e := t.entries[name]
		if err := t.allocateInoLocked(e); err != nil {
			t.mu.Unlock()
			return nil, fserr.Translate(err)
		}
		out = append(out, fuse.DirEntry{Name: name, Ino: e.ino, Mode: modeFor(e.kind)})
	}
	t.mu.Unlock()

	return &dirStream{entries: out}, 0
}

func (t *TreeInode) Getattr(ctx context.Context, f fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	t.mu.Lock()
	out.Ino = t.ino
	t.mu.Unlock()
	out.Mode = syscall.S_IFDIR | 0755
	mt := time.Unix(1, 0)
	out.SetTimes(nil, &mt, nil)
	return 0
}

func (t *TreeInode) Setattr(ctx context.Context, f fusefs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	// chmod/chown on a directory itself forces materialization of this
	// TreeInode (the "target child" from its own parent's perspective).
	if err := t.materializeChain(ctx); err != nil {
		return fserr.Translate(err)
	}
	return t.Getattr(ctx, f, out)
}

func (t *TreeInode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	if err := t.ensureListing(ctx); err != nil {
		return nil, fserr.Translate(err)
	}
	if err := t.materializeChain(ctx); err != nil {
		return nil, fserr.Translate(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[name]; exists {
		return nil, syscall.EEXIST
	}
	ino, err := t.mount.Overlay.AllocateInodeNumber()
	if err != nil {
		return nil, fserr.Translate(fserr.Transport("allocate inode", err))
	}
	if err := t.mount.Overlay.SaveDirectory(ino, nil); err != nil {
		return nil, fserr.Translate(err)
	}

	child := newMaterializedTreeInode(t.mount, t, ino)
	embedded := t.NewPersistentInode(ctx, child, fusefs.StableAttr{Mode: syscall.S_IFDIR, Ino: ino})
	t.AddChild(name, embedded, true)
	t.entries[name] = &entry{kind: model.KindTree, ino: ino, node: child}

	if err := t.mount.Overlay.SaveDirectory(t.ino, t.snapshotEntriesLocked()); err != nil {
		return nil, fserr.Translate(err)
	}
	out.Attr.Mode = syscall.S_IFDIR | mode
	out.Attr.Ino = ino
	return embedded, 0
}

func (t *TreeInode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, fusefs.FileHandle, uint32, syscall.Errno) {
	if err := t.ensureListing(ctx); err != nil {
		return nil, nil, 0, fserr.Translate(err)
	}
	if err := t.materializeChain(ctx); err != nil {
		return nil, nil, 0, fserr.Translate(err)
	}

	t.mu.Lock()
	if _, exists := t.entries[name]; exists {
		t.mu.Unlock()
		return nil, nil, 0, syscall.EEXIST
	}
	ino, err := t.mount.Overlay.AllocateInodeNumber()
	if err != nil {
		t.mu.Unlock()
		return nil, nil, 0, fserr.Translate(fserr.Transport("allocate inode", err))
	}
	kind := model.KindRegular
	if mode&0111 != 0 {
		kind = model.KindExecutable
	}
	child := newMaterializedFileInode(t.mount, t, kind, ino)
	embedded := t.NewPersistentInode(ctx, child, fusefs.StableAttr{Mode: syscall.S_IFREG, Ino: ino})
	t.AddChild(name, embedded, true)
	t.entries[name] = &entry{kind: kind, ino: ino, node: child}
	if err := t.mount.Overlay.SaveDirectory(t.ino, t.snapshotEntriesLocked()); err != nil {
		t.mu.Unlock()
		return nil, nil, 0, fserr.Translate(err)
	}
	t.mu.Unlock()

	if err := child.openOverlayForCreate(); err != nil {
		return nil, nil, 0, fserr.Translate(err)
	}
	out.Attr.Mode = syscall.S_IFREG | mode
	out.Attr.Ino = ino
	return embedded, nil, 0, 0
}

func (t *TreeInode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	if err := t.ensureListing(ctx); err != nil {
		return nil, fserr.Translate(err)
	}
	if err := t.materializeChain(ctx); err != nil {
		return nil, fserr.Translate(err)
	}

	t.mu.Lock()
	if _, exists := t.entries[name]; exists {
		t.mu.Unlock()
		return nil, syscall.EEXIST
	}
	ino, err := t.mount.Overlay.AllocateInodeNumber()
	if err != nil {
		t.mu.Unlock()
		return nil, fserr.Translate(fserr.Transport("allocate inode", err))
	}
	child := newMaterializedFileInode(t.mount, t, model.KindSymlink, ino)
	embedded := t.NewPersistentInode(ctx, child, fusefs.StableAttr{Mode: syscall.S_IFLNK, Ino: ino})
	t.AddChild(name, embedded, true)
	t.entries[name] = &entry{kind: model.KindSymlink, ino: ino, node: child}
	if err := t.mount.Overlay.SaveDirectory(t.ino, t.snapshotEntriesLocked()); err != nil {
		t.mu.Unlock()
		return nil, fserr.Translate(err)
	}
	t.mu.Unlock()

	if err := child.writeSymlinkTarget(target); err != nil {
		return nil, fserr.Translate(err)
	}
	out.Attr.Mode = syscall.S_IFLNK
	out.Attr.Ino = ino
	return embedded, 0
}

func (t *TreeInode) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := t.ensureListing(ctx); err != nil {
		return fserr.Translate(err)
	}
	if err := t.materializeChain(ctx); err != nil {
		return fserr.Translate(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok {
		return syscall.ENOENT
	}
	if e.kind == model.KindTree {
		return syscall.EISDIR
	}
	delete(t.entries, name)
	t.RmChild(name)
	if err := t.mount.Overlay.SaveDirectory(t.ino, t.snapshotEntriesLocked()); err != nil {
		return fserr.Translate(err)
	}
	if e.ino != 0 {
		if err := t.mount.Overlay.Remove(e.ino); err != nil {
			return fserr.Translate(err)
		}
	}
	if fi, ok := e.node.(*FileInode); ok {
		fi.markDestroyed()
	}
	return 0
}

func (t *TreeInode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := t.ensureListing(ctx); err != nil {
		return fserr.Translate(err)
	}
	if err := t.materializeChain(ctx); err != nil {
		return fserr.Translate(err)
	}

	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		t.mu.Unlock()
		return syscall.ENOENT
	}
	if e.kind != model.KindTree {
		t.mu.Unlock()
		return syscall.ENOTDIR
	}
	t.mu.Unlock()

	// Promote a lazy stub so its listing can be inspected: rmdir must
	// know whether the target is empty even if nothing had looked it
	// up yet.
	var out fuse.EntryOut
	embedded, errno := t.Lookup(ctx, name, &out)
	if errno != 0 {
		return errno
	}
	childTree, ok := embedded.Operations().(*TreeInode)
	if !ok {
		return syscall.ENOTDIR
	}
	if err := childTree.ensureListing(ctx); err != nil {
		return fserr.Translate(err)
	}
	childTree.mu.Lock()
	empty := len(childTree.entries) == 0
	childTree.mu.Unlock()
	if !empty {
		return syscall.ENOTEMPTY
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, name)
	t.RmChild(name)
	if err := t.mount.Overlay.SaveDirectory(t.ino, t.snapshotEntriesLocked()); err != nil {
		return fserr.Translate(err)
	}
	if e.ino != 0 {
		if err := t.mount.Overlay.Remove(e.ino); err != nil {
			return fserr.Translate(err)
		}
	}
	if childTree != nil {
		childTree.mu.Lock()
		childTree.state = StateDestroyed
		childTree.mu.Unlock()
	}
	return 0
}

// Rename follows the standard ordering rule: source is locked before
// destination by inode number to avoid deadlock.
func (t *TreeInode) Rename(ctx context.Context, name string, newParent fusefs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*TreeInode)
	if !ok {
		return syscall.EXDEV
	}
	if err := t.ensureListing(ctx); err != nil {
		return fserr.Translate(err)
	}
	if err := dst.ensureListing(ctx); err != nil {
		return fserr.Translate(err)
	}
	if err := t.materializeChain(ctx); err != nil {
		return fserr.Translate(err)
	}
	if err := dst.materializeChain(ctx); err != nil {
		return fserr.Translate(err)
	}

	// A colliding destination directory must be promoted (and its
	// listing loaded) to check emptiness even if nobody has looked it
	// up yet, the same lazy-stub concern Rmdir has to handle. This must
	// happen before the dual-lock section below, since Lookup and
	// ensureListing take t.mu/childTree.mu themselves.
	dst.mu.Lock()
	collidingEntry, collides := dst.entries[newName]
	dst.mu.Unlock()
	if collides && collidingEntry.kind == model.KindTree {
		var tmpOut fuse.EntryOut
		embedded, errno := dst.Lookup(ctx, newName, &tmpOut)
		if errno != 0 {
			return errno
		}
		childTree, ok := embedded.Operations().(*TreeInode)
		if !ok {
			return syscall.ENOTDIR
		}
		if err := childTree.ensureListing(ctx); err != nil {
			return fserr.Translate(err)
		}
		childTree.mu.Lock()
		empty := len(childTree.entries) == 0
		childTree.mu.Unlock()
		if !empty {
			return syscall.ENOTEMPTY
		}
	}

	first, second := t, dst
	if dst.ino < t.ino {
		first, second = dst, t
	}
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	defer first.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return syscall.ENOENT
	}

	delete(t.entries, name)
	t.RmChild(name)
	dst.entries[newName] = e
	if e.node != nil {
		dst.AddChild(newName, e.node.EmbeddedInode(), true)
	}

	if err := t.mount.Overlay.SaveDirectory(t.ino, t.snapshotEntriesLocked()); err != nil {
		return fserr.Translate(err)
	}
	if dst != t {
		if err := dst.mount.Overlay.SaveDirectory(dst.ino, dst.snapshotEntriesLocked()); err != nil {
			return fserr.Translate(err)
		}
	}
	return 0
}
