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

// Command arbormount mounts a checkout's client directory onto a
// mount point via FUSE.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/arborfs/arbor/internal/mount"
)

func main() {
	clientDir := flag.String("client-dir", "", "Checkout client data directory (holds config.toml, SNAPSHOT, overlay/).")
	debug := flag.Bool("debug", false, "Print FUSE debug info.")
	flag.Parse()

	if *clientDir == "" {
		log.Fatal("must set --client-dir")
	}
	if len(flag.Args()) != 1 {
		log.Fatal("usage: arbormount --client-dir DIR MOUNT-POINT")
	}
	mountpoint := flag.Arg(0)

	ctx := context.Background()
	state, err := mount.Open(ctx, *clientDir)
	if err != nil {
		log.Fatalf("Open: %v", err)
	}

	server, err := mount.Mount(state, mountpoint, mount.Options{Debug: *debug})
	if err != nil {
		log.Fatalf("Mount: %v", err)
	}

	server.Wait()
	if err := state.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}
