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

// Package wrappers implements the buffered-syscall wrapper set (C4): one
// function per buffered syscall, each following the uniform
// reserve/arm/untraced-invoke/disarm/copy-out/commit protocol of
// spec.md §4.4.
//
// Grounded on pkg/sentry/platform/systrap/usertrap's table of
// patchable syscalls (usertrap_amd64.go), which likewise maps a small,
// data-described set of syscalls to a common calling convention instead
// of one bespoke function apiece; the reserve/arm/disarm/commit steps
// themselves are spec.md §4.4's, not the teacher's.
package wrappers

import (
	"reflect"

	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/pkg/desched"
	"github.com/replaycore/rr/pkg/rrlog"
	"github.com/replaycore/rr/pkg/syscallbuf"
)

var log = rrlog.For("wrappers")

// Mode selects whether an Engine is running during record (untraced
// calls hit the real kernel) or replay (recorded data is replayed from
// the buffer with no syscall, spec.md §4.4 step 7).
type Mode int

// Wrapper execution modes.
const (
	ModeRecord Mode = iota
	ModeReplay
)

// Outcome tells the caller (a typed wrapper function) what Engine.call
// did and what it must still do.
type Outcome int

const (
	// OutcomeBuffered means the call was fully handled through the
	// buffer: on record, it was committed; on replay, it was satisfied
	// from the next record. The wrapper should return (ret, errno)
	// as-is.
	OutcomeBuffered Outcome = iota
	// OutcomeFallback (record mode only) means prep or the high-water
	// check failed; the wrapper must now perform an ordinary traced
	// syscall with the caller's original, unshadowed arguments
	// (spec.md §4.4 steps 1 and 3).
	OutcomeFallback
	// OutcomeDivergence (replay mode only) means the buffer had no next
	// record where the trace said one should be. This is fatal to the
	// replay (spec.md §7).
	OutcomeDivergence
)

// untracedSyscall6 is the single fixed callsite spec.md §4.1 requires:
// the kernel filter installed by pkg/seccompfilter allows exactly this
// function's instruction-after address through untraced. go:noinline
// keeps its address stable, matching what UntracedEntryIP reports; see
// spec.md §9 "Callsite-anchored filter".
//
//go:noinline
func untracedSyscall6(trap, a1, a2, a3, a4, a5, a6 uintptr) (uintptr, unix.Errno) {
	r1, _, errno := unix.RawSyscall6(trap, a1, a2, a3, a4, a5, a6)
	return r1, errno
}

// UntracedEntryIP returns the address the callsite filter must allow
// through untraced. The tracer and the filter installer must agree on
// this exact value (spec.md §9).
func UntracedEntryIP() uintptr {
	return reflect.ValueOf(untracedSyscall6).Pointer()
}

// outSlot describes one outparam pointer a wrapper copies through the
// buffer's shadow storage (spec.md §4.4 steps 2 and 8).
type outSlot struct {
	// userPtr is the address the caller supplied.
	userPtr uintptr
	// size is the maximum number of bytes the syscall may write here.
	size int
	// copyIn requests that the initial contents be copied from user
	// memory into the shadow before the syscall runs (inout buffers,
	// e.g. accept's socklen_t*).
	copyIn bool
	// truncate, if non-nil, computes how many bytes of this slot to
	// copy back given the syscall's return value (e.g. read() copies
	// min(ret, count) bytes). nil means copy back all of size.
	truncate func(ret int64) int
}

// Engine runs the common reserve/arm/untraced-invoke/disarm/copy-out/
// commit protocol shared by every buffered syscall wrapper for one
// thread. A traced program links this package directly and calls its
// typed wrapper functions (Read, Write, ...) in place of the
// corresponding raw syscall; on record they run untraced through
// untracedSyscall6, on replay they consume the buffer pkg/arbiter has
// already refilled.
type Engine struct {
	buf     *syscallbuf.Buffer
	desched *desched.Counter
	mode    Mode
	table   map[uintptr]syscallInfo
	cursor  *syscallbuf.ReplayCursor // only used in ModeReplay
}

// NewEngine returns an Engine over buf, driving dc's arm/disarm around
// may-block calls in ModeRecord. table decides, per syscall number,
// whether a call needs a desched counter armed around it; a nil table
// uses DefaultTable, the full spec.md §4.4 reference set. Pass the
// result of BuildActiveTable(policy.BufferedSyscalls) to honor an
// operator's narrowed set instead.
func NewEngine(buf *syscallbuf.Buffer, dc *desched.Counter, mode Mode, table map[uintptr]syscallInfo) *Engine {
	if table == nil {
		table = DefaultTable
	}
	e := &Engine{buf: buf, desched: dc, mode: mode, table: table}
	if mode == ModeReplay {
		e.cursor = buf.NewReplayCursor()
	}
	return e
}

// call runs one buffered syscall through the protocol in spec.md §4.4.
// args are the kernel-visible arguments for the untraced path; any
// argument equal to an outSlot's userPtr is replaced with that slot's
// shadow address before the untraced call. Whether sysno may block is
// looked up in e.table rather than passed by the caller. A sysno absent
// from e.table is still buffered, as a call that never blocks, so a
// policy's BufferedSyscalls narrowing changes only desched arming, not
// which wrappers take the buffered path. traced fallback (record mode) and divergence (replay mode)
// are reported via Outcome so the concrete wrapper can react
// appropriately.
func (e *Engine) call(sysno uintptr, args [6]uintptr, slots []outSlot) (ret int64, errno unix.Errno, outcome Outcome) {
	mayBlock := e.table[sysno].mayBlock
	if e.mode == ModeReplay {
		return e.callReplay(slots)
	}
	return e.callRecord(sysno, mayBlock, args, slots)
}

func (e *Engine) callRecord(sysno uintptr, mayBlock bool, args [6]uintptr, slots []outSlot) (int64, unix.Errno, Outcome) {
	res, ok := e.buf.Prep(mayBlock)
	if !ok {
		return 0, 0, OutcomeFallback
	}

	shadowOff := res.DataOffset()
	for _, s := range slots {
		shadow := e.buf.ShadowAddr(shadowOff)
		if s.copyIn {
			e.buf.CopyIn(shadowOff, s.userPtr, s.size)
		}
		args = substituteShadow(args, s.userPtr, shadow)
		shadowOff += align8(s.size)
	}
	dataLen := shadowOff - res.DataOffset()

	if !e.buf.CanCommit(res, dataLen) {
		return 0, 0, OutcomeFallback
	}

	if mayBlock {
		if err := e.desched.Arm(); err != nil {
			log.Warningf("desched arm failed: %v", err)
		}
	}
	raw, uerrno := untracedSyscall6(sysno, args[0], args[1], args[2], args[3], args[4], args[5])
	if mayBlock {
		if err := e.desched.Disarm(); err != nil {
			log.Warningf("desched disarm failed: %v", err)
		}
	}
	rawRet := int64(int32(raw))
	if uerrno != 0 {
		rawRet = -int64(uerrno)
	}

	copyOutSlots(e.buf, res.DataOffset(), slots, rawRet)

	ret, errno, committed := e.buf.Commit(res, uint32(sysno), dataLen, rawRet, false)
	if !committed {
		// The tracer set abort_commit: this call was descheduled
		// mid-flight and re-executed as a traced entry/exit pair. The
		// tracee's registers already carry that pair's result; the
		// wrapper's own return value is moot, but there's no traced
		// fallback left to perform either, so report it as buffered
		// with whatever the untraced call itself observed.
		return rawRet, uerrno, OutcomeBuffered
	}
	return ret, errno, OutcomeBuffered
}

func (e *Engine) callReplay(slots []outSlot) (int64, unix.Errno, Outcome) {
	rec, ok := e.cursor.Next()
	if !ok {
		return 0, 0, OutcomeDivergence
	}
	off := 0
	for _, s := range slots {
		n := s.size
		if s.truncate != nil {
			n = s.truncate(rec.Ret)
			if n < 0 {
				n = 0
			}
			if n > s.size {
				n = s.size
			}
		}
		if off+n > len(rec.Data) {
			return 0, 0, OutcomeDivergence
		}
		syscallbuf.CopyBytesOut(s.userPtr, rec.Data[off:off+n])
		off += align8(s.size)
	}
	ret, errno := splitReturn(rec.Ret)
	return ret, errno, OutcomeBuffered
}

func copyOutSlots(buf *syscallbuf.Buffer, base int, slots []outSlot, ret int64) {
	off := base
	for _, s := range slots {
		n := s.size
		if s.truncate != nil {
			n = s.truncate(ret)
			if n < 0 {
				n = 0
			}
			if n > s.size {
				n = s.size
			}
		}
		buf.CopyOut(off, s.userPtr, n)
		off += align8(s.size)
	}
}

func substituteShadow(args [6]uintptr, userPtr, shadow uintptr) [6]uintptr {
	for i, a := range args {
		if a == userPtr && userPtr != 0 {
			args[i] = shadow
		}
	}
	return args
}

// splitReturn mirrors syscallbuf's own translateReturn convention: a
// replayed record's Ret is already the raw kernel value, so re-derive
// the (return, errno) pair the same way Commit did when the call was
// first recorded.
func splitReturn(raw int64) (int64, unix.Errno) {
	const maxErrno = 133 // EHWPOISON
	if raw >= -maxErrno && raw <= -1 {
		return -1, unix.Errno(-raw)
	}
	return raw, 0
}

func align8(n int) int { return (n + 7) &^ 7 }
