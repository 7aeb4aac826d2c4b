// Copyright 2024 The RR-Go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wrappers

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Stat buffers stat(2), a member of spec.md §4.4's non-blocking stat
// family. path must already be a NUL-terminated byte pointer (e.g. via
// unix.BytePtrFromString); the wrapper does no string handling itself.
func (e *Engine) Stat(path *byte, stat *unix.Stat_t) (int64, unix.Errno, Outcome) {
	return e.statLike(unix.SYS_STAT, path, stat)
}

// Lstat buffers lstat(2).
func (e *Engine) Lstat(path *byte, stat *unix.Stat_t) (int64, unix.Errno, Outcome) {
	return e.statLike(unix.SYS_LSTAT, path, stat)
}

func (e *Engine) statLike(sysno uintptr, path *byte, stat *unix.Stat_t) (int64, unix.Errno, Outcome) {
	slot := outSlot{userPtr: uintptr(unsafe.Pointer(stat)), size: int(unsafe.Sizeof(*stat))}
	var args [6]uintptr
	args[0] = uintptr(unsafe.Pointer(path))
	args[1] = slot.userPtr
	return e.call(sysno, args, []outSlot{slot})
}

// Fstat buffers fstat(2); fd replaces the path argument the other two
// members of the family take.
func (e *Engine) Fstat(fd int, stat *unix.Stat_t) (int64, unix.Errno, Outcome) {
	slot := outSlot{userPtr: uintptr(unsafe.Pointer(stat)), size: int(unsafe.Sizeof(*stat))}
	var args [6]uintptr
	args[0] = uintptr(fd)
	args[1] = slot.userPtr
	return e.call(unix.SYS_FSTAT, args, []outSlot{slot})
}
