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

package arbiter

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ticksCounter reads a running hardware instruction count for one
// thread, the same retired-instructions proxy original_source's
// Task::tick_count() derives from its own perf counter. Grounded on
// pkg/desched.Open's perf_event_open(2) calling convention, but left
// enabled (not armed/disarmed around individual calls) since Driver
// only ever samples it, never resets it.
type ticksCounter struct {
	fd int
}

func openTicksCounter(tid int) (*ticksCounter, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_HARDWARE,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: unix.PERF_COUNT_HW_INSTRUCTIONS,
	}
	fd, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(&attr)),
		uintptr(tid),
		uintptr(^uint32(0)), // cpu: any (-1)
		uintptr(^uint32(0)), // group_fd: none (-1)
		0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("arbiter: perf_event_open for tid %d: %w", tid, errno)
	}
	return &ticksCounter{fd: int(fd)}, nil
}

// Read returns the counter's current cumulative value.
func (c *ticksCounter) Read() (Ticks, error) {
	var buf [8]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("arbiter: reading tick counter: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("arbiter: short read on tick counter: %d bytes", n)
	}
	return Ticks(binary.LittleEndian.Uint64(buf[:])), nil
}

func (c *ticksCounter) Close() error {
	return unix.Close(c.fd)
}
