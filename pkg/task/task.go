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

// Package task wraps a single ptraced thread: its register set, its
// wait/attach/continue operations, and the syscall entry/exit stop it
// is currently sitting at. pkg/arbiter drives Tasks; pkg/diversion
// injects syscalls into them.
//
// Grounded on pkg/sentry/platform/ptrace's thread abstraction
// (subprocess_linux.go, ptrace_unsafe.go): a small struct carrying tgid/
// tid plus GETREGS/SETREGS/GETSIGINFO wrapped as methods, rather than
// scattering raw PTRACE_* calls through the caller.
package task

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/pkg/rrlog"
)

var log = rrlog.For("task")

// StopReason classifies why a Task's most recent wait returned.
type StopReason int

const (
	// StopUnknown means Wait has not yet been called, or the previous
	// stop has not been classified.
	StopUnknown StopReason = iota
	// StopSyscallEntry is a PTRACE_SYSCALL stop at syscall entry.
	StopSyscallEntry
	// StopSyscallExit is a PTRACE_SYSCALL stop at syscall exit.
	StopSyscallExit
	// StopSignal is a stop delivering a signal other than the syscall
	// trap (spec.md §5's "signal or breakpoint" stop kind).
	StopSignal
	// StopExited means the thread has exited; TID is no longer valid.
	StopExited
)

// Task is one ptraced thread.
type Task struct {
	TID  int
	TGID int

	// inSyscall tracks entry/exit parity: PTRACE_SYSCALL stops
	// alternate between entry and exit for a given thread, and the
	// kernel gives no other way to tell them apart.
	inSyscall bool

	lastReason StopReason
	lastSignal unix.Signal
	exitStatus int
}

// New wraps an already-ptraced, already-stopped thread.
func New(tid, tgid int) *Task {
	return &Task{TID: tid, TGID: tgid}
}

// Attach performs PTRACE_ATTACH followed by a wait for the resulting
// SIGSTOP, per gvisor's thread.attach/wait pair (subprocess_linux.go).
func (t *Task) Attach() error {
	if err := unix.PtraceAttach(t.TID); err != nil {
		return fmt.Errorf("task: attach tid %d: %w", t.TID, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.TID, &ws, 0, nil); err != nil {
		return fmt.Errorf("task: wait after attach tid %d: %w", t.TID, err)
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGSTOP {
		return fmt.Errorf("task: attach tid %d: expected SIGSTOP, got %v", t.TID, ws)
	}
	return nil
}

// SetOptions requests the trace options this core relies on:
// PTRACE_O_TRACESYSGOOD (to distinguish syscall-stops from ordinary
// signal-delivery-stops, spec.md §5) and PTRACE_O_TRACECLONE/TRACEFORK
// (to keep newly created threads under trace automatically).
func (t *Task) SetOptions() error {
	opts := unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK
	return unix.PtraceSetOptions(t.TID, opts)
}

// Cont resumes the thread until its next syscall-stop or signal,
// optionally delivering sig (0 for none).
func (t *Task) Cont(sig unix.Signal) error {
	return unix.PtraceSyscall(t.TID, int(sig))
}

// SingleStep resumes the thread for exactly one instruction, used by
// pkg/diversion while stepping under debugger control.
func (t *Task) SingleStep(sig unix.Signal) error {
	return unix.PtraceSingleStep(t.TID)
}

// Wait blocks until the thread's next stop or exit and classifies it.
func (t *Task) Wait() (StopReason, error) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(t.TID, &ws, 0, nil)
	if err != nil {
		return StopUnknown, fmt.Errorf("task: wait tid %d: %w", t.TID, err)
	}
	if ws.Exited() || ws.Signaled() {
		t.lastReason = StopExited
		t.exitStatus = ws.ExitStatus()
		return StopExited, nil
	}
	if !ws.Stopped() {
		t.lastReason = StopUnknown
		return StopUnknown, fmt.Errorf("task: tid %d: unexpected wait status %v", t.TID, ws)
	}

	sig := ws.StopSignal()
	// PTRACE_O_TRACESYSGOOD sets bit 0x80 in the delivered SIGTRAP for
	// syscall-stops, distinguishing them from every other trap.
	if sig == unix.SIGTRAP|0x80 {
		t.inSyscall = !t.inSyscall
		if t.inSyscall {
			t.lastReason = StopSyscallEntry
		} else {
			t.lastReason = StopSyscallExit
		}
		return t.lastReason, nil
	}
	t.lastSignal = sig
	t.lastReason = StopSignal
	return StopSignal, nil
}

// ExitStatus returns the exit code observed by the most StopExited
// Wait; only valid after Wait returns StopExited.
func (t *Task) ExitStatus() int { return t.exitStatus }

// LastSignal returns the signal observed by the most recent StopSignal
// Wait; only valid after Wait returns StopSignal.
func (t *Task) LastSignal() unix.Signal { return t.lastSignal }

// GetSigInfo retrieves the siginfo_t for the signal that caused the
// current stop (spec.md §6's READ_SIGINFO diversion request).
func (t *Task) GetSigInfo() (*unix.Siginfo, error) {
	var si unix.Siginfo
	if err := unix.PtraceGetSigInfo(t.TID, &si); err != nil {
		return nil, fmt.Errorf("task: getsiginfo tid %d: %w", t.TID, err)
	}
	return &si, nil
}

// SetSigInfo overwrites the siginfo_t for the current stop (spec.md
// §6's WRITE_SIGINFO diversion request, used by a debugger rewriting a
// delivered signal's payload).
func (t *Task) SetSigInfo(si *unix.Siginfo) error {
	if err := unix.PtraceSetSigInfo(t.TID, si); err != nil {
		return fmt.Errorf("task: setsiginfo tid %d: %w", t.TID, err)
	}
	return nil
}

// Detach releases the thread from trace, letting it run free.
func (t *Task) Detach(sig unix.Signal) error {
	return unix.PtraceDetach(t.TID)
}

// Kill sends SIGKILL to the thread, used when a divergence or a fatal
// error means the recording can no longer be trusted (spec.md §7).
func (t *Task) Kill() error {
	if err := unix.Tgkill(t.TGID, t.TID, syscall.SIGKILL); err != nil {
		return fmt.Errorf("task: kill tid %d: %w", t.TID, err)
	}
	return nil
}
