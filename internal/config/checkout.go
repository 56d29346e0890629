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

// Package config reads and reloads the per-mount CheckoutConfig and
// SNAPSHOT files, and provides the type-erased Setting registry used
// for command-line/user/system/default configuration precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/arborfs/arbor/internal/fserr"
)

// BindMount is a pair of absolute paths: a location inside the client's
// backing directory bind-mounted at a location inside the mount.
type BindMount struct {
	PathInClientDir string `toml:"path-in-client-dir"`
	PathInMountDir  string `toml:"path-in-mount-dir"`
}

// CheckoutConfig is the persistent per-mount record stored at
// <client_dir>/config.toml.
type CheckoutConfig struct {
	MountPath   string      `toml:"mount-path"`
	RepoType    string      `toml:"repo-type"`
	RepoSource  string      `toml:"repo-source"`
	BindMounts  []BindMount `toml:"bind-mounts,omitempty"`
	clientDir   string
}

const configFileName = "config.toml"
const snapshotFileName = "SNAPSHOT"
const overlayDirName = "overlay"
const localStoreDirName = "local-store"

// Load reads config.toml out of clientDir.
func Load(clientDir string) (*CheckoutConfig, error) {
	data, err := os.ReadFile(filepath.Join(clientDir, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fserr.NotFound("checkout config")
		}
		return nil, fserr.Transport("read checkout config", err)
	}
	var cfg CheckoutConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fserr.Corruption("parse checkout config", err)
	}
	cfg.clientDir = clientDir
	return &cfg, nil
}

// Save writes cfg to <clientDir>/config.toml, creating clientDir if
// necessary.
func Save(clientDir string, cfg *CheckoutConfig) error {
	if err := os.MkdirAll(clientDir, 0700); err != nil {
		return fserr.Transport("mkdir client dir", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(filepath.Join(clientDir, configFileName), data, 0600)
}

// ClientDirectory returns the client data directory this config was
// loaded from (or will be saved to).
func (c *CheckoutConfig) ClientDirectory() string { return c.clientDir }

// OverlayPath returns the directory where overlay state is stored.
func (c *CheckoutConfig) OverlayPath() string {
	return filepath.Join(c.clientDir, overlayDirName)
}

// LocalStorePath returns the directory where a per-mount local KV
// store lives, used when the mount does not share a daemon-wide store.
func (c *CheckoutConfig) LocalStorePath() string {
	return filepath.Join(c.clientDir, localStoreDirName)
}

// SnapshotPath returns the path to the SNAPSHOT file recording parent
// commits.
func (c *CheckoutConfig) SnapshotPath() string {
	return filepath.Join(c.clientDir, snapshotFileName)
}
