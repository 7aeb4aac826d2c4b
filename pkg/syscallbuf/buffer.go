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

// Package syscallbuf implements the per-thread syscall buffer ring (C3):
// a fixed-size region of memory shared between the tracer and one
// tracee thread, holding a header plus a sequence of variable-length
// syscall records, with a signal-safe reserve/commit/abort-commit
// protocol. See spec.md §3 and §4.3.
//
// The field-access discipline here (plain atomics, no locks beyond a
// single test-and-set flag) is grounded on
// pkg/sentry/platform/systrap/sysmsg.Msg's State/Interrupt handling in
// the teacher, which is likewise read and written by two untrusted
// parties without cross-process locking. The record layout itself is
// spec.md §3's, not the teacher's: gvisor's shared struct carries one
// fixed per-context message, not a log of variable-length records.
package syscallbuf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultBufferSize is SYSCALLBUF_BUFFER_SIZE, a policy choice per
// spec.md §3, not a protocol constant. internal/rrconfig.SyscallBufConfig
// may override it.
const DefaultBufferSize = 64 * 1024

const (
	// headerSize is sizeof(header): num_rec_bytes (4) + abort_commit (4)
	// + 8 bytes reserved for future fields, word-aligned to 8 bytes.
	headerSize = 16

	// recordHeaderSize is sizeof(record header): syscall number (4),
	// stored size (4), signed return value (8), desched flag (4), plus
	// 4 bytes of alignment padding.
	recordHeaderSize = 24

	// minRecordSize is the smallest possible on-wire record: a header
	// with a zero-length payload. prep() must always leave room for one
	// more of these so a reservation is always abortable cleanly
	// (spec.md §3 high-water-mark invariant).
	minRecordSize = recordHeaderSize
)

// maxErrno is EHWPOISON, the largest errno value the kernel returns as
// -errno from a syscall (spec.md §4.3's commit() translation rule).
const maxErrno = 133

// Buffer wraps one tracee thread's shared-memory syscall buffer region.
// All methods are safe to call from a signal handler that interrupts an
// in-progress Prep/Commit pair on the same thread, per spec.md §4.3's
// signal-safety requirement; concurrent calls from *different* threads
// on the same Buffer are not supported (spec.md §5: single-writer).
type Buffer struct {
	mem []byte

	numRecBytes atomic.Uint32
	abortCommit atomic.Uint32

	// bufferLocked implements the "at most one reservation outstanding"
	// invariant. It is process-local, not part of the bytes shared with
	// the tracer: the tracer never reads or writes it, it only observes
	// the tracee while the tracee is ptrace-stopped, at which point no
	// reservation can be in flight from the tracer's point of view.
	bufferLocked atomic.Uint32
}

// New wraps mem, a byte slice backing the shared-memory mapping, as a
// syscall buffer. mem must be at least headerSize+minRecordSize long.
func New(mem []byte) (*Buffer, error) {
	if len(mem) < headerSize+minRecordSize {
		return nil, fmt.Errorf("syscallbuf: region of %d bytes is too small (need at least %d)", len(mem), headerSize+minRecordSize)
	}
	return &Buffer{mem: mem}, nil
}

// Cap returns the total size of the backing region.
func (b *Buffer) Cap() int { return len(b.mem) }

// NumRecBytes returns the current valid payload length. Only the
// committing thread ever advances it; the tracer only reads it, except
// that DrainForFlush zeroes it and Refill sets it to the refilled length.
func (b *Buffer) NumRecBytes() uint32 { return b.numRecBytes.Load() }

// Locked reports whether a reservation is currently outstanding. Used by
// tests to assert the single-writer invariant (spec.md §8).
func (b *Buffer) Locked() bool { return b.bufferLocked.Load() != 0 }

// Reservation is the token returned by Prep, threaded through CanCommit
// and Commit by the wrapper.
type Reservation struct {
	recStart int
}

// DataOffset returns the offset within the buffer at which the wrapper
// should start writing outparam shadow data for this reservation.
func (r *Reservation) DataOffset() int { return r.recStart + recordHeaderSize }

// Prep begins a new reservation. If a reservation is already outstanding
// on this thread — which can only happen if a signal handler interrupts
// an in-progress Prep/Commit pair and itself tries to buffer a syscall —
// Prep returns ok=false and the caller must fall back to a traced
// syscall (spec.md §4.3, §7).
func (b *Buffer) Prep(deschedMode bool) (res *Reservation, ok bool) {
	if !b.bufferLocked.CompareAndSwap(0, 1) {
		return nil, false
	}
	return &Reservation{recStart: headerSize + int(b.numRecBytes.Load())}, true
}

// CanCommit reports whether the reservation, once its payload reaches
// dataEnd bytes past DataOffset(), still leaves room for one more
// minimum-size record sentinel (spec.md §3's high-water-mark invariant).
// On false it unlocks the buffer; the caller must fall back to a traced
// syscall, which will also force the tracer to drain the buffer on its
// next stop.
func (b *Buffer) CanCommit(res *Reservation, dataLen int) bool {
	end := res.recStart + align8(recordHeaderSize+dataLen)
	if end+minRecordSize > len(b.mem) {
		b.bufferLocked.Store(0)
		return false
	}
	return true
}

// Commit finalizes the reservation. If the tracer has set abort_commit
// (AbortFromTracer), the record is discarded without advancing
// num_rec_bytes and committed=false: the tracee already observed the
// true syscall result via the tracer's traced re-execution of the same
// call, so there is nothing left for the wrapper to translate. Otherwise
// the record is appended, num_rec_bytes advances, and rawRet is
// translated to the (return, errno) convention a real syscall wrapper
// returns: any value in [-EHWPOISON, -1] becomes return=-1 with errno
// set (spec.md §4.3).
func (b *Buffer) Commit(res *Reservation, syscallno uint32, dataLen int, rawRet int64, desched bool) (ret int64, errno unix.Errno, committed bool) {
	defer b.bufferLocked.Store(0)

	if b.abortCommit.CompareAndSwap(1, 0) {
		return 0, 0, false
	}

	recSize := uint32(align8(recordHeaderSize + dataLen))
	putRecordHeader(b.mem[res.recStart:], record{
		Syscall: syscallno,
		Size:    recSize,
		Ret:     rawRet,
		Desched: boolToU32(desched),
	})
	b.numRecBytes.Add(recSize)

	ret, errno = translateReturn(rawRet)
	return ret, errno, true
}

// AbortFromTracer is called by the tracer while the tracee is stopped:
// it atomically requests that the tracee's in-flight reservation, if
// any, be discarded on Commit. Used when the tracee was descheduled
// mid-call and the tracer already re-executed the call as a traced
// entry/exit pair (spec.md §4.5).
func (b *Buffer) AbortFromTracer() {
	b.abortCommit.Store(1)
}

// DrainForFlush is called by the tracer, while the tracee is stopped, at
// a buffer-flush stop during record: it copies out all committed record
// bytes and zeroes num_rec_bytes so the tracee's next reservation starts
// from an empty buffer (spec.md §3, §4.5).
func (b *Buffer) DrainForFlush() []byte {
	n := b.numRecBytes.Load()
	out := make([]byte, n)
	copy(out, b.mem[headerSize:headerSize+int(n)])
	b.numRecBytes.Store(0)
	return out
}

// Refill is called by the tracer, while the tracee is stopped, at a
// buffer-flush stop during replay: it copies the previously recorded
// batch back into the buffer so the tracee's wrappers find exactly the
// bytes they recorded (spec.md §4.5).
func (b *Buffer) Refill(data []byte) error {
	if headerSize+len(data) > len(b.mem) {
		return fmt.Errorf("syscallbuf: refill of %d bytes does not fit in a %d-byte buffer", len(data), len(b.mem))
	}
	copy(b.mem[headerSize:], data)
	b.numRecBytes.Store(uint32(len(data)))
	return nil
}

// translateReturn implements spec.md §4.3's return-value convention.
func translateReturn(raw int64) (int64, unix.Errno) {
	if raw >= -maxErrno && raw <= -1 {
		return -1, unix.Errno(-raw)
	}
	return raw, 0
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// byteOrder is used for the record header encoding; little-endian
// matches the only supported target (linux/amd64).
var byteOrder = binary.LittleEndian
