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

package inode

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/arborfs/arbor/internal/fserr"
	"github.com/arborfs/arbor/internal/hash"
	"github.com/arborfs/arbor/internal/model"
)

// FileInode holds either a source_hash (unmaterialized, content lives
// in the object store) or an open handle to overlay storage
// (materialized), per spec.md §4.4.
type FileInode struct {
	fusefs.Inode

	mount  *Mount
	parent *TreeInode

	mu    sync.Mutex
	ino   uint64
	kind  model.EntryKind
	state State

	sourceHash hash.Hash

	overlayFh *os.File

	// cachedSha1 memoizes a materialized file's content hash until the
	// next write or truncate invalidates it.
	cachedSha1 *hash.Hash
}

var (
	_ fusefs.NodeOpener     = (*FileInode)(nil)
	_ fusefs.NodeReader     = (*FileInode)(nil)
	_ fusefs.NodeWriter     = (*FileInode)(nil)
	_ fusefs.NodeGetattrer  = (*FileInode)(nil)
	_ fusefs.NodeSetattrer  = (*FileInode)(nil)
	_ fusefs.NodeReadlinker = (*FileInode)(nil)
)

func newUnmaterializedFileInode(mount *Mount, parent *TreeInode, ino uint64, kind model.EntryKind, sourceHash hash.Hash) *FileInode {
	return &FileInode{mount: mount, parent: parent, ino: ino, kind: kind, state: StateUnmaterialized, sourceHash: sourceHash}
}

func newMaterializedFileInode(mount *Mount, parent *TreeInode, kind model.EntryKind, ino uint64) *FileInode {
	return &FileInode{mount: mount, parent: parent, kind: kind, ino: ino, state: StateMaterialized}
}

// openOverlayForCreate opens (creating) the backing overlay file right
// after Create allocates ino, so the file exists even before any write.
func (f *FileInode) openOverlayForCreate() error {
	fh, err := f.mount.Overlay.OpenFile(f.ino, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.overlayFh = fh
	f.mu.Unlock()
	return nil
}

func (f *FileInode) writeSymlinkTarget(target string) error {
	fh, err := f.mount.Overlay.OpenFile(f.ino, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := fh.WriteString(target); err != nil {
		fh.Close()
		return fserr.Transport("write symlink target", err)
	}
	f.mu.Lock()
	f.overlayFh = fh
	f.mu.Unlock()
	return nil
}

func (f *FileInode) markDestroyed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateDestroyed
	if f.overlayFh != nil {
		f.overlayFh.Close()
		f.overlayFh = nil
	}
}

// ensureOverlayLocked lazily opens the overlay file for an already
// materialized FileInode. f.mu must be held.
func (f *FileInode) ensureOverlayLocked() (*os.File, error) {
	if f.overlayFh != nil {
		return f.overlayFh, nil
	}
	fh, err := f.mount.Overlay.OpenFile(f.ino, os.O_RDWR)
	if err != nil {
		return nil, err
	}
	f.overlayFh = fh
	return fh, nil
}

// materialize forces this file into the Materialized state: the full
// blob is fetched once, copied into overlay, source_hash is cleared,
// then the caller's mutation (write or truncate) may proceed. Ancestor
// directories are materialized first via the parent chain.
func (f *FileInode) materialize(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateMaterialized {
		f.mu.Unlock()
		return nil
	}
	if f.state == StateDestroyed {
		f.mu.Unlock()
		return fserr.Invariant("materialize on destroyed file")
	}
	srcHash := f.sourceHash
	f.mu.Unlock()

	if f.parent != nil {
		if err := f.parent.materializeChain(ctx); err != nil {
			return err
		}
	}

	body, err := f.mount.Objects.GetBlob(ctx, srcHash)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.state == StateMaterialized {
		f.mu.Unlock()
		return nil
	}
	fh, err := f.mount.Overlay.OpenFile(f.ino, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if _, err := fh.Write(body); err != nil {
		fh.Close()
		f.mu.Unlock()
		return fserr.Transport("copy blob into overlay", err)
	}
	f.overlayFh = fh
	f.state = StateMaterialized
	f.sourceHash = hash.Hash{}
	f.cachedSha1 = nil
	f.mu.Unlock()

	// f's parent may already have saved its listing earlier in this same
	// materializeChain walk, before f existed as materialized. That saved
	// record is now stale for f's entry; re-save it.
	if f.parent != nil {
		return f.parent.persistListing()
	}
	return nil
}

func (f *FileInode) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	// Stateless: Read/Write are implemented directly on the node, so no
	// separate FileHandle object is needed, unlike the teacher's
	// fs.NewLoopbackFile(fd) wrapping in fs/gitilesfs.go (which exists
	// there because gitilesNode is always read-only).
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *FileInode) Read(ctx context.Context, fh fusefs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	state := f.state
	srcHash := f.sourceHash
	f.mu.Unlock()

	if state == StateMaterialized {
		f.mu.Lock()
		file, err := f.ensureOverlayLocked()
		f.mu.Unlock()
		if err != nil {
			return nil, fserr.Translate(err)
		}
		n, err := file.ReadAt(dest, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fserr.Translate(fserr.Transport("overlay read", err))
		}
		return fuse.ReadResultData(dest[:n]), 0
	}

	blob, err := f.mount.Objects.GetBlob(ctx, srcHash)
	if err != nil {
		return nil, fserr.Translate(err)
	}
	if off >= int64(len(blob)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(blob)) {
		end = int64(len(blob))
	}
	return fuse.ReadResultData(blob[off:end]), 0
}

func (f *FileInode) Write(ctx context.Context, fh fusefs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if err := f.materialize(ctx); err != nil {
		return 0, fserr.Translate(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.ensureOverlayLocked()
	if err != nil {
		return 0, fserr.Translate(err)
	}
	n, err := file.WriteAt(data, off)
	if err != nil {
		return uint32(n), fserr.Translate(fserr.Transport("overlay write", err))
	}
	f.cachedSha1 = nil
	return uint32(n), 0
}

func (f *FileInode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	f.mu.Lock()
	state := f.state
	srcHash := f.sourceHash
	f.mu.Unlock()

	if state == StateMaterialized {
		f.mu.Lock()
		file, err := f.ensureOverlayLocked()
		f.mu.Unlock()
		if err != nil {
			return nil, fserr.Translate(err)
		}
		info, err := file.Stat()
		if err != nil {
			return nil, fserr.Translate(fserr.Transport("stat overlay symlink", err))
		}
		buf := make([]byte, info.Size())
		if _, err := file.ReadAt(buf, 0); err != nil && info.Size() > 0 {
			return nil, fserr.Translate(fserr.Transport("read overlay symlink", err))
		}
		return buf, 0
	}

	blob, err := f.mount.Objects.GetBlob(ctx, srcHash)
	if err != nil {
		return nil, fserr.Translate(err)
	}
	return blob, 0
}

func (f *FileInode) Getattr(ctx context.Context, fh fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.mu.Lock()
	state := f.state
	srcHash := f.sourceHash
	ino := f.ino
	kind := f.kind
	f.mu.Unlock()

	out.Ino = ino
	out.Mode = modeFor(kind)
	if kind == model.KindExecutable {
		out.Mode |= 0755
	} else if kind == model.KindRegular {
		out.Mode |= 0644
	} else {
		out.Mode |= 0777
	}

	if state == StateMaterialized {
		f.mu.Lock()
		file, err := f.ensureOverlayLocked()
		f.mu.Unlock()
		if err == nil {
			if info, serr := file.Stat(); serr == nil {
				out.Size = uint64(info.Size())
			}
		}
	} else {
		if size, err := f.mount.Objects.GetBlobSize(ctx, srcHash); err == nil {
			out.Size = uint64(size)
		}
	}
	mt := time.Unix(1, 0)
	out.SetTimes(nil, &mt, nil)
	return 0
}

func (f *FileInode) Setattr(ctx context.Context, fh fusefs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := f.truncate(ctx, int64(size)); err != nil {
			return fserr.Translate(err)
		}
	} else if in.Valid&(fuse.FATTR_MODE|fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		// chmod/chown forces materialization of the target child.
		if err := f.materialize(ctx); err != nil {
			return fserr.Translate(err)
		}
	}
	return f.Getattr(ctx, fh, out)
}

func (f *FileInode) truncate(ctx context.Context, length int64) error {
	if err := f.materialize(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.ensureOverlayLocked()
	if err != nil {
		return err
	}
	if err := file.Truncate(length); err != nil {
		return fserr.Transport("overlay truncate", err)
	}
	f.cachedSha1 = nil
	return nil
}

// GetSHA1 returns the content hash: via blob metadata while
// unmaterialized, computed (and cached until the next mutation) from
// overlay content once materialized.
func (f *FileInode) GetSHA1(ctx context.Context) (hash.Hash, error) {
	f.mu.Lock()
	state := f.state
	srcHash := f.sourceHash
	cached := f.cachedSha1
	f.mu.Unlock()

	if state != StateMaterialized {
		return f.mount.Objects.GetBlobSha1(ctx, srcHash)
	}
	if cached != nil {
		return *cached, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.ensureOverlayLocked()
	if err != nil {
		return hash.Hash{}, err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return hash.Hash{}, fserr.Transport("seek overlay for hash", err)
	}
	data := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	sum := hash.OfBytes(data)
	f.cachedSha1 = &sum
	return sum, nil
}
