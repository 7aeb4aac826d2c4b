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

// Read buffers read(2). It may block (a pipe or socket with nothing
// available), so the engine arms the desched counter around the
// untraced call (spec.md §4.3). Only min(ret, count) bytes of buf are
// meaningful; truncate encodes that so replay doesn't overwrite bytes
// past what the kernel actually returned.
func (e *Engine) Read(fd int, buf []byte) (int64, unix.Errno, Outcome) {
	if len(buf) == 0 {
		var args [6]uintptr
		args[0], args[2] = uintptr(fd), 0
		return e.call(unix.SYS_READ, args, nil)
	}
	slot := outSlot{
		userPtr: uintptr(unsafe.Pointer(&buf[0])),
		size:    len(buf),
		truncate: func(ret int64) int {
			if ret < 0 {
				return 0
			}
			return int(ret)
		},
	}
	var args [6]uintptr
	args[0] = uintptr(fd)
	args[1] = slot.userPtr
	args[2] = uintptr(len(buf))
	return e.call(unix.SYS_READ, args, []outSlot{slot})
}

// Write buffers write(2). The data written is the caller's own buffer,
// which the untraced call reads directly (no shadow needed since the
// kernel never writes back through it); the record stores only the
// return value, which replay reproduces.
func (e *Engine) Write(fd int, buf []byte) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(buf) > 0 {
		args[1] = uintptr(unsafe.Pointer(&buf[0]))
	}
	args[2] = uintptr(len(buf))
	return e.call(unix.SYS_WRITE, args, nil)
}

// WriteV buffers writev(2), the scatter/gather form used by many I/O
// libraries in place of repeated write calls.
func (e *Engine) WriteV(fd int, iov []unix.Iovec) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(iov) > 0 {
		args[1] = uintptr(unsafe.Pointer(&iov[0]))
	}
	args[2] = uintptr(len(iov))
	return e.call(unix.SYS_WRITEV, args, nil)
}

// Poll buffers poll(2). fds is mutated in place (revents is filled by
// the kernel), so it is copied in and back out through the shadow.
func (e *Engine) Poll(fds []unix.PollFd, timeoutMs int) (int64, unix.Errno, Outcome) {
	if len(fds) == 0 {
		var args [6]uintptr
		args[2] = uintptr(timeoutMs)
		return e.call(unix.SYS_POLL, args, nil)
	}
	slot := outSlot{
		userPtr: uintptr(unsafe.Pointer(&fds[0])),
		size:    len(fds) * int(unsafe.Sizeof(fds[0])),
		copyIn:  true,
	}
	var args [6]uintptr
	args[0] = slot.userPtr
	args[1] = uintptr(len(fds))
	args[2] = uintptr(timeoutMs)
	return e.call(unix.SYS_POLL, args, []outSlot{slot})
}

// Madvise buffers madvise(2). It never blocks and has no outparam; it
// is buffered purely to avoid the trap, per spec.md §4.2.
func (e *Engine) Madvise(addr uintptr, length uintptr, advice int) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0], args[1], args[2] = addr, length, uintptr(advice)
	return e.call(unix.SYS_MADVISE, args, nil)
}
