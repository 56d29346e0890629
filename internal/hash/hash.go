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

// Package hash defines the 20-byte content identifier used throughout
// Arbor to address trees, blobs and commits, and a SHA-1 helper for
// deriving blob metadata from blob bodies.
package hash

import (
	"crypto/sha1"
	"sort"

	"gopkg.in/src-d/go-git.v4/plumbing"
)

// Hash is a 20-byte content identifier. It is equatable, orderable and
// hex-printable. We reuse go-git's plumbing.Hash rather than
// reinventing a byte-array type: it already has the String/IsZero/
// comparison behavior the spec requires, and every backing-store
// implementation in this tree speaks plumbing.Hash natively.
type Hash = plumbing.Hash

// Zero is the all-zero hash, used as a sentinel for "no parent" and
// similar absent-value cases.
var Zero = plumbing.ZeroHash

// FromHex parses a 40-character lowercase hex string into a Hash.
func FromHex(s string) (Hash, error) {
	if len(s) != 40 {
		return Hash{}, ErrBadLength{Got: len(s), Want: 40}
	}
	return plumbing.NewHash(s), nil
}

// ErrBadLength is returned when a hex or binary hash encoding has the
// wrong length.
type ErrBadLength struct {
	Got, Want int
}

func (e ErrBadLength) Error() string {
	return "hash: bad encoded length"
}

// OfBytes computes the content hash of a blob body: plain SHA-1 over
// the raw bytes, no header. This is what BlobMetadata.ContentSHA1
// reports, and what importers use to name a Blob.
func OfBytes(data []byte) Hash {
	h := sha1.New()
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Less orders two hashes lexicographically by their raw bytes. Trees
// store entries sorted by path component, not by hash; Less gives hash
// sets a stable ordering where one is needed for comparison.
func Less(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// SortHashes sorts a slice of hashes in place using Less.
func SortHashes(hs []Hash) {
	sort.Slice(hs, func(i, j int) bool { return Less(hs[i], hs[j]) })
}
