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

package syscallbuf

import "unsafe"

// ShadowAddr returns the real address of the shadow storage at offset
// off within the buffer, suitable for passing to an untraced kernel
// syscall in place of a user pointer (spec.md §4.4 step 2: "remember a
// shadow pointer").
func (b *Buffer) ShadowAddr(off int) uintptr {
	return uintptr(unsafe.Pointer(&b.mem[off]))
}

// CopyIn copies n bytes from the caller's address space at userPtr into
// the shadow storage at offset off, for inout buffers whose initial
// contents the kernel call may read (spec.md §4.4 step 2).
//
// pkg/wrappers and its caller share one address space: the traced
// program links this package directly rather than being ptraced across
// a process boundary from here, so this is a plain memcpy, not a
// cross-process memory access.
func (b *Buffer) CopyIn(off int, userPtr uintptr, n int) {
	if n == 0 || userPtr == 0 {
		return
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(userPtr)), n)
	copy(b.mem[off:off+n], src)
}

// CopyOut copies n bytes from the shadow storage at offset off back to
// the caller's address space at userPtr (spec.md §4.4 step 8).
func (b *Buffer) CopyOut(off int, userPtr uintptr, n int) {
	if n == 0 || userPtr == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(userPtr)), n)
	copy(dst, b.mem[off:off+n])
}

// CopyBytesOut copies src directly to the caller's address space at
// userPtr. Unlike CopyOut it does not address into a Buffer's own
// storage, so it is what replay uses to deliver a Record's already
// self-contained Data slice (spec.md §4.4 step 7).
func CopyBytesOut(userPtr uintptr, src []byte) {
	if len(src) == 0 || userPtr == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(userPtr)), len(src))
	copy(dst, src)
}
