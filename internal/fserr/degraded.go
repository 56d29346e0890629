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

package fserr

import "sync"

// DegradedTracker records which inode-number subtrees have observed an
// Invariant-violation error, queryable through IsDegraded. It only
// records: no write path consults it, so writes under a degraded
// subtree are not refused.
type DegradedTracker struct {
	mu  sync.RWMutex
	bad map[uint64]string
}

// NewDegradedTracker returns an empty tracker.
func NewDegradedTracker() *DegradedTracker {
	return &DegradedTracker{bad: map[uint64]string{}}
}

// Mark records ino (the root of a degraded subtree) along with the
// reason, idempotently.
func (d *DegradedTracker) Mark(ino uint64, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.bad[ino]; !ok {
		d.bad[ino] = reason
	}
}

// IsDegraded reports whether ino was previously marked degraded.
func (d *DegradedTracker) IsDegraded(ino uint64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reason, ok := d.bad[ino]
	return reason, ok
}

// Clear forgets a subtree's degraded status, used only when a
// checkout operation resets it from scratch.
func (d *DegradedTracker) Clear(ino uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bad, ino)
}
