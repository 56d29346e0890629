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

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
)

func TestCheckoutConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &CheckoutConfig{
		MountPath:  "/home/user/mount",
		RepoType:   "git",
		RepoSource: "/home/user/repo.git",
		BindMounts: []BindMount{
			{PathInClientDir: "scratch", PathInMountDir: "scratch"},
		},
	}
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.MountPath != cfg.MountPath || got.RepoType != cfg.RepoType || got.RepoSource != cfg.RepoSource {
		t.Fatalf("got %+v want %+v", got, cfg)
	}
	if len(got.BindMounts) != 1 || got.BindMounts[0] != cfg.BindMounts[0] {
		t.Fatalf("bind mounts mismatch: %+v", got.BindMounts)
	}
	if got.OverlayPath() != filepath.Join(dir, "overlay") {
		t.Fatalf("OverlayPath = %s", got.OverlayPath())
	}
}

func TestLoadMissingConfigIsNotFound(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing config.toml")
	}
	if code := fserr.CodeOf(err); code != fserr.CodeNotFound {
		t.Fatalf("CodeOf(err) = %v, want CodeNotFound", code)
	}
}

func hashOf(b byte) hash.Hash {
	var h hash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestSnapshotRoundTripSingleParent(t *testing.T) {
	p1 := hashOf(0xaa)
	data := WriteSnapshot(model.ParentCommits{Parent1: p1})
	if len(data) != snapshotShortLen {
		t.Fatalf("len = %d, want %d", len(data), snapshotShortLen)
	}
	got, err := ReadSnapshot(data)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.Parent1 != p1 || got.Parent2 != nil {
		t.Fatalf("got %+v", got)
	}
}

func TestSnapshotRoundTripMerge(t *testing.T) {
	p1, p2 := hashOf(0xaa), hashOf(0xbb)
	data := WriteSnapshot(model.ParentCommits{Parent1: p1, Parent2: &p2})
	if len(data) != snapshotLongLen {
		t.Fatalf("len = %d, want %d", len(data), snapshotLongLen)
	}
	got, err := ReadSnapshot(data)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.Parent1 != p1 || got.Parent2 == nil || *got.Parent2 != p2 {
		t.Fatalf("got %+v", got)
	}
}

func TestSnapshotBadLengthIsRejected(t *testing.T) {
	if _, err := ReadSnapshot(make([]byte, 30)); err == nil {
		t.Fatal("expected error for 30-byte snapshot")
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SNAPSHOT")
	p1 := hashOf(0xcc)
	if err := WriteSnapshotFile(path, model.ParentCommits{Parent1: p1}); err != nil {
		t.Fatalf("WriteSnapshotFile: %v", err)
	}
	got, err := ReadSnapshotFile(path)
	if err != nil {
		t.Fatalf("ReadSnapshotFile: %v", err)
	}
	if got.Parent1 != p1 {
		t.Fatalf("got %+v", got)
	}
}

func TestSettingEffectiveValuePrecedence(t *testing.T) {
	s := NewSetting[string]("repo.type")
	if _, _, ok := s.EffectiveValue(); ok {
		t.Fatal("expected no value set")
	}

	s.Set(SourceDefault, "git")
	s.Set(SourceSystem, "hg")
	if v, src, ok := s.EffectiveValue(); !ok || v != "hg" || src != SourceSystem {
		t.Fatalf("got %q/%v/%v", v, src, ok)
	}

	s.Set(SourceCommandLine, "git")
	if v, src, ok := s.EffectiveValue(); !ok || v != "git" || src != SourceCommandLine {
		t.Fatalf("got %q/%v/%v", v, src, ok)
	}
}

// TestAutoReloadThrottle mirrors spec.md §8 scenario 4: two AutoReload
// calls inside the throttle window return the same snapshot even
// though the file changed in between; after the throttle elapses, the
// change is observed.
func TestAutoReloadThrottle(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, &CheckoutConfig{RepoType: "git", RepoSource: "a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rc, err := NewReloadableConfig(dir)
	if err != nil {
		t.Fatalf("NewReloadableConfig: %v", err)
	}
	defer rc.Close()

	first := rc.Get(AutoReload)
	if first.Checkout.RepoSource != "a" {
		t.Fatalf("got %q", first.Checkout.RepoSource)
	}

	if err := Save(dir, &CheckoutConfig{RepoType: "git", RepoSource: "b"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := rc.Get(AutoReload)
	if second.Checkout.RepoSource != "a" {
		t.Fatalf("expected throttled snapshot still %q, got %q", "a", second.Checkout.RepoSource)
	}

	rc.reloadMu.Lock()
	rc.lastReload = time.Now().Add(-reloadThrottle - time.Second)
	rc.reloadMu.Unlock()

	third := rc.Get(AutoReload)
	if third.Checkout.RepoSource != "b" {
		t.Fatalf("expected reloaded snapshot %q, got %q", "b", third.Checkout.RepoSource)
	}
}

func TestReloadNowBypassesThrottle(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, &CheckoutConfig{RepoType: "git", RepoSource: "a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rc, err := NewReloadableConfig(dir)
	if err != nil {
		t.Fatalf("NewReloadableConfig: %v", err)
	}
	defer rc.Close()

	if err := Save(dir, &CheckoutConfig{RepoType: "git", RepoSource: "b"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := rc.ReloadNow(); err != nil {
		t.Fatalf("ReloadNow: %v", err)
	}
	if got := rc.Get(Cached).Checkout.RepoSource; got != "b" {
		t.Fatalf("got %q", got)
	}
}
