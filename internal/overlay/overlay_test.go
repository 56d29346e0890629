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

package overlay

import (
	"os"
	"testing"

	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
)

func open(t *testing.T) *Overlay {
	t.Helper()
	o, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func TestAllocateInodeNumberMonotone(t *testing.T) {
	o := open(t)
	var prev uint64
	for i := 0; i < 10; i++ {
		ino, err := o.AllocateInodeNumber()
		if err != nil {
			t.Fatalf("AllocateInodeNumber: %v", err)
		}
		if ino <= prev {
			t.Fatalf("ino %d not strictly greater than previous %d", ino, prev)
		}
		prev = ino
	}
}

func TestAllocateInodeNumberSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	o, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var last uint64
	for i := 0; i < 5; i++ {
		last, err = o.AllocateInodeNumber()
		if err != nil {
			t.Fatalf("AllocateInodeNumber: %v", err)
		}
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	o2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer o2.Close()
	next, err := o2.AllocateInodeNumber()
	if err != nil {
		t.Fatalf("AllocateInodeNumber after reopen: %v", err)
	}
	if next <= last {
		t.Fatalf("ino %d after reopen not greater than pre-close %d", next, last)
	}
}

func TestLoadDirectoryAbsentIsNotError(t *testing.T) {
	o := open(t)
	entries, ok, err := o.LoadDirectory(999)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if ok || entries != nil {
		t.Fatalf("expected absent, got ok=%v entries=%v", ok, entries)
	}
}

func TestSaveLoadDirectoryRoundtrip(t *testing.T) {
	o := open(t)
	ino := uint64(42)
	h := newTestHash(1)
	want := []DirEntry{
		{Name: "a.txt", Ino: 100, Kind: model.KindRegular, SourceHash: &h},
		{Name: "sub", Ino: 101, Kind: model.KindTree},
	}
	if err := o.SaveDirectory(ino, want); err != nil {
		t.Fatalf("SaveDirectory: %v", err)
	}

	got, ok, err := o.LoadDirectory(ino)
	if err != nil || !ok {
		t.Fatalf("LoadDirectory: ok=%v err=%v", ok, err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name != want[i].Name || got[i].Ino != want[i].Ino || got[i].Kind != want[i].Kind {
			t.Fatalf("entry %d mismatch: got %+v, want %+v", i, got[i], want[i])
		}
	}
	if got[0].SourceHash == nil || *got[0].SourceHash != h {
		t.Fatalf("source hash not preserved")
	}
	if got[1].SourceHash != nil {
		t.Fatalf("expected nil source hash for materialized entry")
	}
}

func TestSaveDirectoryOverwritesAtomically(t *testing.T) {
	o := open(t)
	ino := uint64(7)
	if err := o.SaveDirectory(ino, []DirEntry{{Name: "old", Ino: 1, Kind: model.KindRegular}}); err != nil {
		t.Fatalf("SaveDirectory: %v", err)
	}
	if err := o.SaveDirectory(ino, []DirEntry{{Name: "new", Ino: 2, Kind: model.KindRegular}}); err != nil {
		t.Fatalf("SaveDirectory overwrite: %v", err)
	}
	got, ok, err := o.LoadDirectory(ino)
	if err != nil || !ok {
		t.Fatalf("LoadDirectory: %v %v", ok, err)
	}
	if len(got) != 1 || got[0].Name != "new" {
		t.Fatalf("overwrite did not take effect: %+v", got)
	}
}

func TestOpenFileCreateWriteRead(t *testing.T) {
	o := open(t)
	ino := uint64(55)

	fh, err := o.OpenFile(ino, os.O_RDWR|os.O_CREATE)
	if err != nil {
		t.Fatalf("OpenFile create: %v", err)
	}
	if _, err := fh.WriteString("payload"); err != nil {
		t.Fatalf("write: %v", err)
	}
	fh.Close()

	fh2, err := o.OpenFile(ino, os.O_RDONLY)
	if err != nil {
		t.Fatalf("OpenFile read: %v", err)
	}
	defer fh2.Close()
	buf := make([]byte, 7)
	if _, err := fh2.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "payload" {
		t.Fatalf("got %q", buf)
	}
}

func TestOpenFileMissingIsNotFound(t *testing.T) {
	o := open(t)
	_, err := o.OpenFile(123456, os.O_RDONLY)
	if err == nil {
		t.Fatalf("expected error for missing overlay file")
	}
	if code := fserr.CodeOf(err); code != fserr.CodeNotFound {
		t.Fatalf("CodeOf(err) = %v, want CodeNotFound", code)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	o := open(t)
	ino := uint64(8)
	if err := o.SaveDirectory(ino, []DirEntry{{Name: "x", Ino: 1, Kind: model.KindRegular}}); err != nil {
		t.Fatalf("SaveDirectory: %v", err)
	}
	if err := o.Remove(ino); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := o.Remove(ino); err != nil {
		t.Fatalf("second Remove should be a no-op: %v", err)
	}
	if _, ok, _ := o.LoadDirectory(ino); ok {
		t.Fatalf("directory record should be gone")
	}
}

func newTestHash(b byte) hash.Hash {
	var h hash.Hash
	h[0] = b
	return h
}
