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

// Command arborctl inspects and edits a checkout's client directory
// without needing the mount to be active.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/arborfs/arbor/internal/config"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
	"github.com/arborfs/arbor/internal/mount"
)

func main() {
	clientDir := flag.String("client-dir", "", "Checkout client data directory.")
	flag.Parse()

	if *clientDir == "" {
		log.Fatal("must set --client-dir")
	}
	args := flag.Args()
	if len(args) < 1 {
		log.Fatal("usage: arborctl --client-dir DIR {snapshot show|snapshot set P1 [P2]|stats|prefetch PATTERN...}")
	}

	switch args[0] {
	case "snapshot":
		runSnapshot(*clientDir, args[1:])
	case "stats":
		runStats(*clientDir)
	case "prefetch":
		runPrefetch(*clientDir, args[1:])
	default:
		log.Fatalf("unknown command %q", args[0])
	}
}

// runPrefetch warms the object store's cache for every file a pattern
// matches without mounting, for use ahead of a known-heavy build step.
func runPrefetch(clientDir string, patterns []string) {
	if len(patterns) == 0 {
		log.Fatal("usage: arborctl prefetch PATTERN...")
	}
	ctx := context.Background()
	state, err := mount.Open(ctx, clientDir)
	if err != nil {
		log.Fatalf("Open: %v", err)
	}
	defer state.Close()

	results, err := state.Prefetch(ctx, patterns, false)
	if err != nil {
		log.Fatalf("Prefetch: %v", err)
	}
	for _, r := range results {
		fmt.Println(r.Path)
	}
}

func runSnapshot(clientDir string, args []string) {
	cfg, err := config.Load(clientDir)
	if err != nil {
		log.Fatalf("Load: %v", err)
	}

	if len(args) == 0 {
		log.Fatal("usage: arborctl snapshot {show|set}")
	}
	switch args[0] {
	case "show":
		parents, err := config.ReadSnapshotFile(cfg.SnapshotPath())
		if err != nil {
			log.Fatalf("ReadSnapshotFile: %v", err)
		}
		fmt.Println(parents.String())
	case "set":
		if len(args) < 2 || len(args) > 3 {
			log.Fatal("usage: arborctl snapshot set PARENT1 [PARENT2]")
		}
		p1, err := hash.FromHex(args[1])
		if err != nil {
			log.Fatalf("bad parent1 hash: %v", err)
		}
		parents := model.ParentCommits{Parent1: p1}
		if len(args) == 3 {
			p2, err := hash.FromHex(args[2])
			if err != nil {
				log.Fatalf("bad parent2 hash: %v", err)
			}
			parents.Parent2 = &p2
		}
		if err := config.WriteSnapshotFile(cfg.SnapshotPath(), parents); err != nil {
			log.Fatalf("WriteSnapshotFile: %v", err)
		}
	default:
		log.Fatalf("unknown snapshot subcommand %q", args[0])
	}
}

func runStats(clientDir string) {
	cfg, err := config.Load(clientDir)
	if err != nil {
		log.Fatalf("Load: %v", err)
	}
	fmt.Fprintf(os.Stdout, "client dir: %s\nmount path: %s\nrepo: %s %s\noverlay: %s\n",
		cfg.ClientDirectory(), cfg.MountPath, cfg.RepoType, cfg.RepoSource, cfg.OverlayPath())
}
