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

// Package seccompfilter installs the kernel-level callsite filter (C1)
// described in spec.md §4.1: a fixed, three-way classic-BPF decision that
// lets a single known "untraced entry" instruction pointer and the
// clone/fork/restart_syscall family through to the kernel untraced,
// and raises a ptrace-syscall-stop for everything else.
package seccompfilter

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/pkg/rrlog"
)

var log = rrlog.For("seccompfilter")

// installed tracks, per kernel TID, whether InstallFilter has already run
// for that thread. Grounded on the teacher's install_syscall_filter()
// guard (original_source/src/share/syscall_buffer.c) generalized from a
// single process-wide flag to per-thread, since seccomp filters are a
// per-thread kernel attribute and a single Go process may install one
// filter per traced OS thread.
var (
	installedMu sync.Mutex
	installed   = map[int]bool{}
)

// InstallFilter programs the seccomp-bpf filter for the calling OS
// thread. untracedEntryIP must be the address of the single fixed
// instruction (an `int $0x80`/`syscall` at a stable, position-independent
// symbol) that the tracer and the filter agree is the untraced callsite;
// see spec.md §4.1 and §9 ("Callsite-anchored filter").
//
// Precondition: the calling goroutine must have called
// runtime.LockOSThread, since PR_SET_NO_NEW_PRIVS and the seccomp filter
// are OS-thread-local kernel state.
func InstallFilter(untracedEntryIP uintptr) error {
	tid := unix.Gettid()

	installedMu.Lock()
	if installed[tid] {
		installedMu.Unlock()
		return nil
	}
	installedMu.Unlock()

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccompfilter: PR_SET_NO_NEW_PRIVS: %w", err)
	}

	prog := buildProgram(uint64(untracedEntryIP))
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	if err := unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&fprog)), 0, 0); err != nil {
		return fmt.Errorf("seccompfilter: PR_SET_SECCOMP: %w", err)
	}

	installedMu.Lock()
	installed[tid] = true
	installedMu.Unlock()
	log.Debugf("installed callsite filter for tid=%d untraced_entry_ip=%#x", tid, untracedEntryIP)
	return nil
}

// Uninstalled reports whether InstallFilter has not yet run for the
// calling thread. Exposed for tests. A forked child's TID differs from
// its parent's, so its filter state starts unset even though the
// parent's syscallbuf mapping is inherited.
func Uninstalled() bool {
	installedMu.Lock()
	defer installedMu.Unlock()
	return !installed[unix.Gettid()]
}
