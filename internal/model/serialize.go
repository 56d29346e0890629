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

package model

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/arborfs/arbor/internal/hash"
)

// SerializeTree encodes a Tree for caching in the local KV as a
// length-prefixed sequence of (name_len, name_bytes, kind_byte,
// hash_bytes) entries, sorted by name. The tree's own hash is never
// re-derived from this encoding.
func SerializeTree(t *Tree) []byte {
	var buf bytes.Buffer
	var lenbuf [4]byte
	for _, e := range t.Entries {
		binary.BigEndian.PutUint32(lenbuf[:], uint32(len(e.Name)))
		buf.Write(lenbuf[:])
		buf.WriteString(e.Name)
		buf.WriteByte(byte(e.Kind))
		buf.Write(e.ID[:])
	}
	return buf.Bytes()
}

// DeserializeTree decodes the encoding produced by SerializeTree. id
// is the caller-supplied, already-verified key the tree was stored
// under; it becomes the Tree's ID as-is, per the "never re-derived"
// rule.
func DeserializeTree(id hash.Hash, data []byte) (*Tree, error) {
	var entries []TreeEntry
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("model: truncated tree entry header")
		}
		nameLen := int(binary.BigEndian.Uint32(data[:4]))
		data = data[4:]
		if len(data) < nameLen+1+len(hash.Hash{}) {
			return nil, fmt.Errorf("model: truncated tree entry body")
		}
		name := string(data[:nameLen])
		data = data[nameLen:]
		kind := EntryKind(data[0])
		data = data[1:]
		var id hash.Hash
		copy(id[:], data[:len(hash.Hash{})])
		data = data[len(hash.Hash{}):]

		entries = append(entries, TreeEntry{Name: name, ID: id, Kind: kind})
	}
	return &Tree{ID: id, Entries: entries}, nil
}
