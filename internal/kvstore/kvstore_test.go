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

package kvstore

import (
	"context"
	"testing"

	"github.com/arborfs/arbor/internal/hash"
)

func open(t *testing.T) *LocalStore {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	s := open(t)
	id := hash.OfBytes([]byte("hello"))

	if err := s.Put(SpaceTree, id, []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := s.Get(SpaceTree, id)
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v", ok, err)
	}
	if string(v) != "hello" {
		t.Errorf("Get returned %q, want %q", v, "hello")
	}
}

func TestGetAbsentIsNotError(t *testing.T) {
	s := open(t)
	_, ok, err := s.Get(SpaceTree, hash.OfBytes([]byte("nope")))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Errorf("Get: got ok=true for absent key")
	}
}

func TestBlobSpaceRoundtrip(t *testing.T) {
	s := open(t)
	id := hash.OfBytes([]byte("blob contents"))
	if err := s.Put(SpaceBlob, id, []byte("blob contents")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(SpaceBlob, id)
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v", ok, err)
	}
	if string(v) != "blob contents" {
		t.Errorf("Get = %q", v)
	}
}

func TestGetBatchPreservesOrder(t *testing.T) {
	s := open(t)
	var keys []hash.Hash
	for i := 0; i < 5000; i++ {
		k := hash.OfBytes([]byte{byte(i), byte(i >> 8)})
		keys = append(keys, k)
		if i%2 == 0 {
			if err := s.Put(SpaceTree, k, []byte{byte(i)}); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}

	results, err := s.GetBatch(context.Background(), SpaceTree, keys)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(results) != len(keys) {
		t.Fatalf("GetBatch returned %d results, want %d", len(results), len(keys))
	}
	for i, k := range keys {
		v, ok, err := s.Get(SpaceTree, k)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok != (results[i] != nil) {
			t.Errorf("index %d: batch/single mismatch", i)
		}
	}
}

func TestClearSpaceIdempotent(t *testing.T) {
	s := open(t)
	id := hash.OfBytes([]byte("x"))
	if err := s.Put(SpaceTree, id, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.ClearSpace(SpaceTree); err != nil {
		t.Fatalf("ClearSpace: %v", err)
	}
	if err := s.ClearSpace(SpaceTree); err != nil {
		t.Fatalf("ClearSpace (second): %v", err)
	}
	_, ok, err := s.Get(SpaceTree, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Errorf("key survived ClearSpace")
	}
}

func TestWriteBatchFlushEmptyIsNoop(t *testing.T) {
	s := open(t)
	wb := s.BeginWrite(0)
	if err := wb.Flush(); err != nil {
		t.Fatalf("Flush empty batch: %v", err)
	}
	if err := wb.Flush(); err != nil {
		t.Fatalf("Flush empty batch twice: %v", err)
	}
}

func TestWriteBatchAutoFlush(t *testing.T) {
	s := open(t)
	wb := s.BeginWrite(8)
	id := hash.OfBytes([]byte("abcdefghij"))
	if err := wb.Put(SpaceTree, id, []byte("abcdefghij")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := s.Get(SpaceTree, id)
	if err != nil || !ok {
		t.Fatalf("expected auto-flush to make key visible: ok=%v err=%v", ok, err)
	}
	if string(v) != "abcdefghij" {
		t.Errorf("Get = %q", v)
	}
}

func TestApproximateSizeGrows(t *testing.T) {
	s := open(t)
	before, err := s.ApproximateSize(SpaceTree)
	if err != nil {
		t.Fatalf("ApproximateSize: %v", err)
	}
	if err := s.Put(SpaceTree, hash.OfBytes([]byte("sized")), []byte("0123456789")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	after, err := s.ApproximateSize(SpaceTree)
	if err != nil {
		t.Fatalf("ApproximateSize: %v", err)
	}
	if after <= before {
		t.Errorf("ApproximateSize did not grow: before=%d after=%d", before, after)
	}
}
