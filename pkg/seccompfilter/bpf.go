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

package seccompfilter

import "golang.org/x/sys/unix"

// Offsets into struct seccomp_data (see <linux/seccomp.h>), linux/amd64.
const (
	offNR    = 0  // int nr
	offArch  = 4  // __u32 arch
	offIPLo  = 8  // __u64 instruction_pointer, low word (little-endian)
	offIPHi  = 12 // __u64 instruction_pointer, high word
)

const (
	idxLDArch = iota
	idxJEQArch
	idxLDIPLo
	idxJEQIPLo
	idxLDIPHi
	idxJEQIPHi
	idxLDNR
	idxJEQClone
	idxJEQFork
	idxJEQVfork
	idxJEQRestartSyscall
	idxRetTrace
	idxRetAllow
	idxRetKill
)

func stmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, K: k}
}

func jump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// buildProgram assembles the three-way classic-BPF decision described in
// spec.md §4.1:
//
//  1. syscall entry IP == untracedEntryIP -> allow untraced.
//  2. syscall number in {clone, fork, vfork, restart_syscall} -> allow
//     untraced (they raise their own ptrace events).
//  3. otherwise -> SECCOMP_RET_TRACE, which stops the tracee and lets the
//     tracer observe the syscall via PTRACE_O_TRACESECCOMP.
//
// Instructions are laid out straight-line with named target indices so
// every jt/jf offset below can be checked against the layout comment.
func buildProgram(untracedEntryIP uint64) []unix.SockFilter {
	ipLo := uint32(untracedEntryIP)
	ipHi := uint32(untracedEntryIP >> 32)

	// off(target) computes the BPF relative-jump offset from the
	// instruction immediately after `from` to `target`.
	off := func(from, target int) uint8 {
		return uint8(target - from - 1)
	}

	prog := make([]unix.SockFilter, idxRetKill+1)
	prog[idxLDArch] = stmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, offArch)
	prog[idxJEQArch] = jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(unix.AUDIT_ARCH_X86_64),
		0, off(idxJEQArch, idxRetKill))

	prog[idxLDIPLo] = stmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, offIPLo)
	prog[idxJEQIPLo] = jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, ipLo,
		0, off(idxJEQIPLo, idxLDNR))

	prog[idxLDIPHi] = stmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, offIPHi)
	prog[idxJEQIPHi] = jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, ipHi,
		off(idxJEQIPHi, idxRetAllow), off(idxJEQIPHi, idxLDNR))

	prog[idxLDNR] = stmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, offNR)
	prog[idxJEQClone] = jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(unix.SYS_CLONE),
		off(idxJEQClone, idxRetAllow), 0)
	prog[idxJEQFork] = jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(unix.SYS_FORK),
		off(idxJEQFork, idxRetAllow), 0)
	prog[idxJEQVfork] = jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(unix.SYS_VFORK),
		off(idxJEQVfork, idxRetAllow), 0)
	prog[idxJEQRestartSyscall] = jump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(unix.SYS_RESTART_SYSCALL),
		off(idxJEQRestartSyscall, idxRetAllow), 0)

	prog[idxRetTrace] = stmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_TRACE)
	prog[idxRetAllow] = stmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_ALLOW)
	prog[idxRetKill] = stmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_KILL_PROCESS)

	return prog
}
