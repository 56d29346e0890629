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
	"log"
	"runtime"
	"sync"

	"github.com/arborfs/arbor/internal/hash"
)

type bufferedPut struct {
	space Space
	key   hash.Hash
	value []byte
}

// WriteBatch coalesces puts across one or more key spaces. If
// bufferBytes is positive, the batch auto-flushes whenever its
// buffered size crosses the threshold. Flush is idempotent on an empty
// batch. A non-empty batch that is garbage collected without having
// been flushed logs loudly: batches must be flushed explicitly.
type WriteBatch struct {
	mu          sync.Mutex
	store       *LocalStore
	bufferBytes int
	buffered    []bufferedPut
	size        int
	flushed     bool
}

// BeginWrite starts a new WriteBatch against the store.
func (s *LocalStore) BeginWrite(bufferBytes int) *WriteBatch {
	wb := &WriteBatch{store: s, bufferBytes: bufferBytes}
	runtime.SetFinalizer(wb, finalizeWriteBatch)
	return wb
}

func finalizeWriteBatch(wb *WriteBatch) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if !wb.flushed && len(wb.buffered) > 0 {
		log.Printf("kvstore: WriteBatch destroyed with %d unflushed puts; batches must be flushed", len(wb.buffered))
	}
}

// Put buffers a key/value pair, auto-flushing if the buffer threshold
// is configured and exceeded.
func (wb *WriteBatch) Put(space Space, key hash.Hash, value []byte) error {
	wb.mu.Lock()
	wb.buffered = append(wb.buffered, bufferedPut{space, key, append([]byte(nil), value...)})
	wb.size += len(value)
	wb.flushed = false
	shouldFlush := wb.bufferBytes > 0 && wb.size >= wb.bufferBytes
	wb.mu.Unlock()

	if shouldFlush {
		return wb.Flush()
	}
	return nil
}

// Flush writes all buffered puts to the store. It is a no-op on an
// empty batch.
func (wb *WriteBatch) Flush() error {
	wb.mu.Lock()
	pending := wb.buffered
	wb.buffered = nil
	wb.size = 0
	wb.flushed = true
	wb.mu.Unlock()

	for _, p := range pending {
		if err := wb.store.Put(p.space, p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}
