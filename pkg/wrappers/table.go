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
	"fmt"

	"golang.org/x/sys/unix"
)

// syscallInfo describes one member of the buffered set: whether the
// syscall may block (and so needs a desched counter armed around it)
// and its name, by which internal/rrconfig.Policy.BufferedSyscalls
// selects it (see BuildActiveTable).
type syscallInfo struct {
	name     string
	mayBlock bool
}

// DefaultTable is the built-in buffered-syscall set: spec.md §4.4's
// closed set (time queries, the non-blocking stat family, non-blocking
// metadata socket ops, blocking data ops, and madvise) plus
// sched_setaffinity. internal/rrconfig.Policy.BufferedSyscalls can
// narrow the active set an Engine uses (see BuildActiveTable) but not
// widen it: a name listed there but absent here is rejected at load
// time by rrconfig.LoadPolicy, which calls BuildActiveTable to validate.
//
// amd64 has no plain recv/send syscalls (glibc's recv/send are thin
// wrappers over recvfrom/sendto with flags=0, per the kernel's amd64
// syscall table), so spec.md §4.4's "recv"/"send" members are covered
// by the recvfrom/sendto entries already present here.
//
// Grounded on pkg/sentry/platform/systrap/usertrap's per-syscall
// patchability table (usertrap_amd64.go), which likewise keys wrapper
// eligibility off a data table instead of scattering syscall-specific
// conditionals through the dispatcher.
var DefaultTable = map[uintptr]syscallInfo{
	unix.SYS_CLOCK_GETTIME:     {"clock_gettime", false},
	unix.SYS_GETTIMEOFDAY:      {"gettimeofday", false},
	unix.SYS_STAT:              {"stat", false},
	unix.SYS_LSTAT:             {"lstat", false},
	unix.SYS_FSTAT:             {"fstat", false},
	unix.SYS_READ:              {"read", true},
	unix.SYS_WRITE:             {"write", true},
	unix.SYS_WRITEV:            {"writev", true},
	unix.SYS_POLL:              {"poll", true},
	unix.SYS_MADVISE:           {"madvise", false},
	unix.SYS_SOCKET:            {"socket", false},
	unix.SYS_BIND:              {"bind", false},
	unix.SYS_LISTEN:            {"listen", false},
	unix.SYS_CONNECT:           {"connect", true},
	unix.SYS_SHUTDOWN:          {"shutdown", false},
	unix.SYS_GETSOCKNAME:       {"getsockname", false},
	unix.SYS_GETPEERNAME:       {"getpeername", false},
	unix.SYS_GETSOCKOPT:        {"getsockopt", false},
	unix.SYS_SETSOCKOPT:        {"setsockopt", false},
	unix.SYS_RECVFROM:          {"recvfrom", true},
	unix.SYS_SENDTO:            {"sendto", true},
	unix.SYS_RECVMSG:           {"recvmsg", true},
	unix.SYS_SENDMSG:           {"sendmsg", true},
	unix.SYS_ACCEPT:            {"accept", true},
	unix.SYS_ACCEPT4:           {"accept4", true},
	unix.SYS_WAIT4:             {"wait4", true},
	unix.SYS_SCHED_SETAFFINITY: {"sched_setaffinity", false},
}

// MayBlock reports whether sysno is in the buffered set and, if so,
// whether it needs a desched counter armed around its untraced
// invocation.
func MayBlock(sysno uintptr) (mayBlock, buffered bool) {
	info, ok := DefaultTable[sysno]
	if !ok {
		return false, false
	}
	return info.mayBlock, true
}

// Names returns the names of every syscall in the default table, for
// rrconfig.Policy validation and diagnostics.
func Names() []string {
	names := make([]string, 0, len(DefaultTable))
	for _, info := range DefaultTable {
		names = append(names, info.name)
	}
	return names
}

// BuildActiveTable narrows DefaultTable to exactly the syscalls named
// in names, by syscallInfo.name (as returned by Names). A nil or empty
// names narrows nothing and returns DefaultTable itself, per
// rrconfig.Policy.BufferedSyscalls's "nil means use the reference set"
// contract. Passed a name absent from DefaultTable, it errors instead
// of silently ignoring it, which is what rrconfig.LoadPolicy relies on
// to reject a policy document at load time.
func BuildActiveTable(names []string) (map[uintptr]syscallInfo, error) {
	if len(names) == 0 {
		return DefaultTable, nil
	}
	bySysno := make(map[string]uintptr, len(DefaultTable))
	for sysno, info := range DefaultTable {
		bySysno[info.name] = sysno
	}
	active := make(map[uintptr]syscallInfo, len(names))
	for _, name := range names {
		sysno, ok := bySysno[name]
		if !ok {
			return nil, fmt.Errorf("wrappers: %q is not a known buffered syscall", name)
		}
		active[sysno] = DefaultTable[sysno]
	}
	return active, nil
}
