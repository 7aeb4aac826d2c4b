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

// SchedSetaffinity buffers sched_setaffinity(2). It has no
// user-visible outparam, so record captures only the return value and
// replay never touches the kernel at all: the recorded return value is
// reproduced without redoing the call.
func (e *Engine) SchedSetaffinity(pid int, mask *unix.CPUSet) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0] = uintptr(pid)
	args[1] = uintptr(unsafe.Sizeof(*mask))
	args[2] = uintptr(unsafe.Pointer(mask))
	return e.invokeNoOutparam(unix.SYS_SCHED_SETAFFINITY, args)
}
