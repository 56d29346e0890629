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
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/arborfs/arbor/internal/backingstore"
	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/kvstore"
	"github.com/arborfs/arbor/internal/objectstore"
	"github.com/arborfs/arbor/internal/overlay"
)

func newTestMount(t *testing.T) (*Mount, *backingstore.TreeBuilder) {
	t.Helper()
	local, err := kvstore.Open(t.TempDir(), kvstore.Options{})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	ov, err := overlay.Open(t.TempDir())
	if err != nil {
		t.Fatalf("overlay.Open: %v", err)
	}
	t.Cleanup(func() { ov.Close() })

	b := backingstore.NewTreeBuilder()
	return &Mount{Overlay: ov, Degraded: fserr.NewDegradedTracker()}, b
}

func buildRoot(t *testing.T, mount *Mount, b *backingstore.TreeBuilder, files map[string]string) (*TreeInode, *backingstore.FakeBackingStore) {
	t.Helper()
	b.SetFiles(files)
	fake, root, err := b.Build(true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	local, err := kvstore.Open(t.TempDir(), kvstore.Options{})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	os, err := objectstore.New(local, fake, 0)
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	mount.Objects = os
	return NewRoot(mount, 1, root), fake
}

func TestLookupPromotesStubWithoutForcingSubtreeLoad(t *testing.T) {
	mount, b := newTestMount(t)
	root, _ := buildRoot(t, mount, b, map[string]string{
		"a.txt":     "hello",
		"sub/b.txt": "world",
	})

	ctx := context.Background()
	var out fuse.EntryOut
	child, errno := root.Lookup(ctx, "sub", &out)
	if errno != 0 {
		t.Fatalf("Lookup(sub) errno=%v", errno)
	}
	sub, ok := child.Operations().(*TreeInode)
	if !ok {
		t.Fatalf("expected *TreeInode, got %T", child.Operations())
	}
	sub.mu.Lock()
	loaded := sub.listingLoaded
	state := sub.state
	sub.mu.Unlock()
	if loaded {
		t.Fatalf("looking up a directory should not eagerly load its own listing")
	}
	if state != StateUnmaterialized {
		t.Fatalf("freshly promoted subtree should be unmaterialized, got %v", state)
	}
}

func TestReaddirDoesNotPromoteChildren(t *testing.T) {
	mount, b := newTestMount(t)
	root, _ := buildRoot(t, mount, b, map[string]string{
		"a.txt":     "hello",
		"sub/b.txt": "world",
	})

	ctx := context.Background()
	stream, errno := root.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("Readdir errno=%v", errno)
	}
	names := map[string]bool{}
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("Next errno=%v", errno)
		}
		names[e.Name] = true
		if e.Ino == 0 {
			t.Fatalf("readdir entry %q missing allocated ino", e.Name)
		}
	}
	if !names["a.txt"] || !names["sub"] {
		t.Fatalf("missing expected entries: %v", names)
	}

	root.mu.Lock()
	subEntry := root.entries["sub"]
	root.mu.Unlock()
	if subEntry.node != nil {
		t.Fatalf("readdir must not promote lazy stubs to loaded inodes")
	}
}

func TestCreateAndReadMaterializedFile(t *testing.T) {
	mount, b := newTestMount(t)
	root, _ := buildRoot(t, mount, b, map[string]string{"a.txt": "hello"})

	ctx := context.Background()
	var out fuse.EntryOut
	embedded, _, _, errno := root.Create(ctx, "new.txt", syscall.O_RDWR, 0644, &out)
	if errno != 0 {
		t.Fatalf("Create errno=%v", errno)
	}
	fi := embedded.Operations().(*FileInode)

	if _, errno := fi.Write(ctx, nil, []byte("payload"), 0); errno != 0 {
		t.Fatalf("Write errno=%v", errno)
	}

	dest := make([]byte, 7)
	res, errno := fi.Read(ctx, nil, dest, 0)
	if errno != 0 {
		t.Fatalf("Read errno=%v", errno)
	}
	buf := make([]byte, 7)
	data, _ := res.Bytes(buf)
	if string(data) != "payload" {
		t.Fatalf("got %q", data)
	}

	root.mu.Lock()
	state := root.state
	root.mu.Unlock()
	if state != StateMaterialized {
		t.Fatalf("creating a file must materialize its parent directory")
	}
}

func TestWriteOnUnmaterializedFileMaterializesChainToRoot(t *testing.T) {
	mount, b := newTestMount(t)
	root, _ := buildRoot(t, mount, b, map[string]string{"sub/a.txt": "hello world"})

	ctx := context.Background()
	var out fuse.EntryOut
	subEmbedded, errno := root.Lookup(ctx, "sub", &out)
	if errno != 0 {
		t.Fatalf("Lookup(sub): %v", errno)
	}
	sub := subEmbedded.Operations().(*TreeInode)

	fileEmbedded, errno := sub.Lookup(ctx, "a.txt", &out)
	if errno != 0 {
		t.Fatalf("Lookup(a.txt): %v", errno)
	}
	fi := fileEmbedded.Operations().(*FileInode)

	if _, errno := fi.Write(ctx, nil, []byte("X"), 0); errno != 0 {
		t.Fatalf("Write errno=%v", errno)
	}

	fi.mu.Lock()
	fstate := fi.state
	fi.mu.Unlock()
	if fstate != StateMaterialized {
		t.Fatalf("file should be materialized after write")
	}

	sub.mu.Lock()
	substate := sub.state
	sub.mu.Unlock()
	if substate != StateMaterialized {
		t.Fatalf("ancestor directory should be materialized after descendant write")
	}

	root.mu.Lock()
	rootState := root.state
	root.mu.Unlock()
	if rootState != StateMaterialized {
		t.Fatalf("materialization should propagate all the way to the root")
	}
}

func TestMkdirThenRmdirEmptyDirSucceeds(t *testing.T) {
	mount, b := newTestMount(t)
	root, _ := buildRoot(t, mount, b, map[string]string{"a.txt": "x"})

	ctx := context.Background()
	var out fuse.EntryOut
	if _, errno := root.Mkdir(ctx, "newdir", 0755, &out); errno != 0 {
		t.Fatalf("Mkdir errno=%v", errno)
	}
	if errno := root.Rmdir(ctx, "newdir"); errno != 0 {
		t.Fatalf("Rmdir errno=%v", errno)
	}
	if _, errno := root.Lookup(ctx, "newdir", &out); errno != syscall.ENOENT {
		t.Fatalf("expected ENOENT after rmdir, got %v", errno)
	}
}

func TestRmdirNonEmptyFails(t *testing.T) {
	mount, b := newTestMount(t)
	root, _ := buildRoot(t, mount, b, map[string]string{"sub/a.txt": "x"})

	ctx := context.Background()
	if errno := root.Rmdir(ctx, "sub"); errno != syscall.ENOTEMPTY {
		t.Fatalf("expected ENOTEMPTY, got %v", errno)
	}
}

// TestRemountRebuildsMaterializedStateFromOverlay simulates a process
// restart: it writes through one in-memory inode graph, discards it
// entirely, and rebuilds a fresh graph from the same Overlay directory,
// matching spec.md §8's "unmount and remount -> same bytes" property.
func TestRemountRebuildsMaterializedStateFromOverlay(t *testing.T) {
	overlayDir := t.TempDir()
	localDir := t.TempDir()

	b := backingstore.NewTreeBuilder()
	b.SetFiles(map[string]string{"sub/a.txt": "hello world"})
	fake, rootHash, err := b.Build(true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	openMount := func() (*Mount, func()) {
		t.Helper()
		local, err := kvstore.Open(localDir, kvstore.Options{})
		if err != nil {
			t.Fatalf("kvstore.Open: %v", err)
		}
		objs, err := objectstore.New(local, fake, 0)
		if err != nil {
			t.Fatalf("objectstore.New: %v", err)
		}
		ov, err := overlay.Open(overlayDir)
		if err != nil {
			t.Fatalf("overlay.Open: %v", err)
		}
		return &Mount{Objects: objs, Overlay: ov, Degraded: fserr.NewDegradedTracker()},
			func() { ov.Close(); local.Close() }
	}

	ctx := context.Background()
	var out fuse.EntryOut

	mount1, closeMount1 := openMount()
	root1 := NewRoot(mount1, 1, rootHash)

	subEmbedded1, errno := root1.Lookup(ctx, "sub", &out)
	if errno != 0 {
		t.Fatalf("Lookup(sub): %v", errno)
	}
	sub1 := subEmbedded1.Operations().(*TreeInode)
	fileEmbedded1, errno := sub1.Lookup(ctx, "a.txt", &out)
	if errno != 0 {
		t.Fatalf("Lookup(a.txt): %v", errno)
	}
	fi1 := fileEmbedded1.Operations().(*FileInode)
	if _, errno := fi1.Write(ctx, nil, []byte("bye"), 0); errno != 0 {
		t.Fatalf("Write: %v", errno)
	}
	closeMount1()

	// Nothing below refers to mount1/root1/sub1/fi1: the second graph is
	// built from scratch, as a fresh process would.
	mount2, closeMount2 := openMount()
	defer closeMount2()
	root2 := NewRoot(mount2, 1, rootHash)

	root2.mu.Lock()
	rootState := root2.state
	root2.mu.Unlock()
	if rootState != StateMaterialized {
		t.Fatalf("root should come back materialized after remount, got %v", rootState)
	}

	subEmbedded2, errno := root2.Lookup(ctx, "sub", &out)
	if errno != 0 {
		t.Fatalf("Lookup(sub) after remount: %v", errno)
	}
	sub2 := subEmbedded2.Operations().(*TreeInode)
	sub2.mu.Lock()
	substate := sub2.state
	sub2.mu.Unlock()
	if substate != StateMaterialized {
		t.Fatalf("sub directory should come back materialized after remount, got %v", substate)
	}

	fileEmbedded2, errno := sub2.Lookup(ctx, "a.txt", &out)
	if errno != 0 {
		t.Fatalf("Lookup(a.txt) after remount: %v", errno)
	}
	fi2 := fileEmbedded2.Operations().(*FileInode)
	fi2.mu.Lock()
	fstate := fi2.state
	fi2.mu.Unlock()
	if fstate != StateMaterialized {
		t.Fatalf("file should come back materialized after remount, got %v", fstate)
	}

	dest := make([]byte, 3)
	res, errno := fi2.Read(ctx, nil, dest, 0)
	if errno != 0 {
		t.Fatalf("Read after remount: %v", errno)
	}
	buf := make([]byte, 3)
	data, _ := res.Bytes(buf)
	if string(data) != "bye" {
		t.Fatalf("remounted file content = %q, want %q", data, "bye")
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	mount, b := newTestMount(t)
	root, _ := buildRoot(t, mount, b, map[string]string{"a.txt": "x"})

	ctx := context.Background()
	if errno := root.Unlink(ctx, "a.txt"); errno != 0 {
		t.Fatalf("Unlink errno=%v", errno)
	}
	var out fuse.EntryOut
	if _, errno := root.Lookup(ctx, "a.txt", &out); errno != syscall.ENOENT {
		t.Fatalf("expected ENOENT, got %v", errno)
	}
}
