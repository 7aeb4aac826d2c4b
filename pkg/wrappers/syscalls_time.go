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

// ClockGettime buffers clock_gettime(2): a pure, never-blocking read of
// kernel time state, the canonical example in spec.md §4.2 of a
// syscall worth buffering purely to save the trap round trip.
func (e *Engine) ClockGettime(clockID int32, ts *unix.Timespec) (int64, unix.Errno, Outcome) {
	slot := outSlot{userPtr: uintptr(unsafe.Pointer(ts)), size: int(unsafe.Sizeof(*ts))}
	var args [6]uintptr
	args[0] = uintptr(clockID)
	args[1] = slot.userPtr
	return e.call(unix.SYS_CLOCK_GETTIME, args, []outSlot{slot})
}

// GetTimeOfDay buffers gettimeofday(2). The timezone argument is
// ignored, matching modern kernels' treatment of it as legacy.
func (e *Engine) GetTimeOfDay(tv *unix.Timeval) (int64, unix.Errno, Outcome) {
	slot := outSlot{userPtr: uintptr(unsafe.Pointer(tv)), size: int(unsafe.Sizeof(*tv))}
	var args [6]uintptr
	args[0] = slot.userPtr
	return e.call(unix.SYS_GETTIMEOFDAY, args, []outSlot{slot})
}
