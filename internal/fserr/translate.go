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

import "syscall"

// Translate maps a classified error to the errno the FUSE bridge
// returns to the kernel, the same role the teacher's fs.ToErrno(err)
// call plays at its own FUSE boundary.
func Translate(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case CodeNotFound:
		return syscall.ENOENT
	case CodeNotADirectory:
		return syscall.ENOTDIR
	case CodeIsADirectory:
		return syscall.EISDIR
	case CodeNotEmpty:
		return syscall.ENOTEMPTY
	case CodeExists:
		return syscall.EEXIST
	case CodeReadOnly:
		return syscall.EROFS
	case CodeInterrupted:
		return syscall.EINTR
	case CodeIOError:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
