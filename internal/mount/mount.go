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

// Package mount wires the object store, overlay, inode graph and
// configuration layers into one ServerState and hands that off to the
// go-fuse bridge, the way the teacher's fs.NewGitilesConfigFSRoot plus
// nodefs.MountRoot do for a single-purpose tree.
package mount

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/arborfs/arbor/internal/backingstore"
	"github.com/arborfs/arbor/internal/config"
	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/glob"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/inode"
	"github.com/arborfs/arbor/internal/kvstore"
	"github.com/arborfs/arbor/internal/objectstore"
	"github.com/arborfs/arbor/internal/overlay"
)

// ioPoolSize is the bounded I/O pool width suggested by spec.md §1/§5.
const ioPoolSize = 12

// prefetchBatchSize bounds how many hashes one PrefetchBlobs call is
// asked to fetch at a time, so ioPool's width actually limits the
// number of backing-store round trips in flight rather than just the
// number of (arbitrarily large) batches.
const prefetchBatchSize = 64

// ServerState is the single, explicit owner of everything one mount
// needs: no package-level mutable globals, matching spec.md §9.
type ServerState struct {
	ClientDir string

	Config   *config.ReloadableConfig
	Local    *kvstore.LocalStore
	Backing  backingstore.BackingStore
	Objects  *objectstore.ObjectStore
	Overlay  *overlay.Overlay
	Degraded *fserr.DegradedTracker
	Root     *inode.TreeInode

	// ioPool bounds concurrent backing-store fetches issued from
	// outside the object store's own singleflight coalescing (bulk
	// prefetch), the "bounded I/O pool (suggested:
	// 12 threads)" resource from spec.md §1. Acquired/released per batch
	// in Prefetch.
	ioPool *semaphore.Weighted

	startedAt time.Time
}

// Options configures Open.
type Options struct {
	// Debug enables go-fuse's own request tracing.
	Debug bool
}

// Open loads the checkout configuration rooted at clientDir, builds
// every collaborator layer, and constructs (but does not yet serve)
// the mount's root inode.
func Open(ctx context.Context, clientDir string) (*ServerState, error) {
	rc, err := config.NewReloadableConfig(clientDir)
	if err != nil {
		return nil, fmt.Errorf("mount: load config: %w", err)
	}
	snap := rc.Get(config.Cached)

	local, err := kvstore.Open(snap.Checkout.LocalStorePath(), kvstore.Options{IOConcurrency: ioPoolSize})
	if err != nil {
		return nil, fmt.Errorf("mount: open local store: %w", err)
	}

	backing := backingstore.NewGitBackingStore(backingstore.GitBackingStoreOptions{
		CloneURL: snap.Checkout.RepoSource,
		Dir:      snap.Checkout.LocalStorePath() + "-git",
	})

	objects, err := objectstore.New(local, backing, 0)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("mount: open object store: %w", err)
	}

	ov, err := overlay.Open(snap.Checkout.OverlayPath())
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("mount: open overlay: %w", err)
	}

	degraded := fserr.NewDegradedTracker()
	m := &inode.Mount{Objects: objects, Overlay: ov, Degraded: degraded}
	root := inode.NewRoot(m, 1, snap.Parents.Parent1)
	if err := root.ExposeMetaDir(ctx, snap.Parents.Parent1); err != nil {
		return nil, fmt.Errorf("mount: expose meta dir: %w", err)
	}

	return &ServerState{
		ClientDir: clientDir,
		Config:    rc,
		Local:     local,
		Backing:   backing,
		Objects:   objects,
		Overlay:   ov,
		Degraded:  degraded,
		Root:      root,
		ioPool:    semaphore.NewWeighted(ioPoolSize),
		startedAt: time.Now(),
	}, nil
}

// Mount starts the go-fuse server for s.Root at mountpoint and returns
// once it has been fully initialized (it does not block serving
// requests; call Wait on the returned server for that).
func Mount(s *ServerState, mountpoint string, opts Options) (*fusefs.Server, error) {
	server, err := fusefs.Mount(mountpoint, s.Root, &fusefs.Options{
		MountOptions: fusefsMountOptions(opts.Debug),
	})
	if err != nil {
		return nil, fmt.Errorf("mount: fuse mount %s: %w", mountpoint, err)
	}
	log.Printf("arbor mounted at %s (client dir %s)", mountpoint, s.ClientDir)
	return server, nil
}

func fusefsMountOptions(debug bool) fuse.MountOptions {
	return fuse.MountOptions{
		Debug:      debug,
		FsName:     "arbor",
		Name:       "arbor",
		AllowOther: false,
	}
}

// Close releases every collaborator layer's resources. Call once the
// FUSE server has unmounted.
func (s *ServerState) Close() error {
	var firstErr error
	if err := s.Overlay.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Local.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Config.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Prefetch evaluates patterns against s.Root (per internal/glob's
// load-minimization contract: it never promotes a lazy stub just to
// match it) and warms the object store's cache for every still-
// unmaterialized file the match surfaces. Concurrent backing-store
// round trips are bounded by s.ioPool, independent of and in addition
// to the coalescing ObjectStore already does for individual fetches.
func (s *ServerState) Prefetch(ctx context.Context, patterns []string, includeDotfiles bool) ([]glob.Result, error) {
	r := glob.NewRoot(includeDotfiles)
	for _, p := range patterns {
		if err := r.Parse(p); err != nil {
			return nil, fmt.Errorf("mount: parse pattern %q: %w", p, err)
		}
	}

	var sink glob.PrefetchSink
	results, err := glob.Evaluate(ctx, s.Objects, s.Root, r, &sink)
	if err != nil {
		return nil, err
	}
	if err := s.prefetchBatches(ctx, sink.Hashes()); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *ServerState) prefetchBatches(ctx context.Context, hashes []hash.Hash) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < len(hashes); i += prefetchBatchSize {
		end := i + prefetchBatchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		batch := hashes[i:end]

		if err := s.ioPool.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer s.ioPool.Release(1)
			return s.Objects.PrefetchBlobs(ctx, batch)
		})
	}
	return g.Wait()
}

// Stats returns a human-readable snapshot of mount resource usage.
func (s *ServerState) Stats() string {
	treeSize, _ := s.Local.ApproximateSize(kvstore.SpaceTree)
	metaSize, _ := s.Local.ApproximateSize(kvstore.SpaceBlobMetadata)
	return fmt.Sprintf(
		"uptime %s, local store: trees %s, blob metadata %s",
		time.Since(s.startedAt).Round(time.Second),
		humanize.Bytes(uint64(treeSize)),
		humanize.Bytes(uint64(metaSize)),
	)
}
