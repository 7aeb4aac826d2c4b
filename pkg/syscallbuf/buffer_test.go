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

package syscallbuf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func newTestBuffer(t *testing.T, size int) *Buffer {
	t.Helper()
	b, err := New(make([]byte, size))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestPrepCommitRoundTrip(t *testing.T) {
	b := newTestBuffer(t, DefaultBufferSize)

	res, ok := b.Prep(false)
	if !ok {
		t.Fatal("Prep returned !ok on an empty buffer")
	}
	payload := []byte("hello")
	copy(b.mem[res.DataOffset():], payload)
	if !b.CanCommit(res, len(payload)) {
		t.Fatal("CanCommit returned false with plenty of room")
	}
	ret, errno, committed := b.Commit(res, uint32(unix.SYS_READ), len(payload), int64(len(payload)), false)
	if !committed {
		t.Fatal("Commit did not commit")
	}
	if ret != int64(len(payload)) || errno != 0 {
		t.Fatalf("Commit returned (%d, %v), want (%d, 0)", ret, errno, len(payload))
	}
	if b.Locked() {
		t.Fatal("buffer still locked after Commit")
	}

	flushed := b.DrainForFlush()
	records, err := ParseRecords(flushed)
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if diff := cmp.Diff(payload, records[0].Data); diff != "" {
		t.Errorf("record data mismatch (-want +got):\n%s", diff)
	}
	if records[0].Syscall != uint32(unix.SYS_READ) {
		t.Errorf("Syscall = %d, want %d", records[0].Syscall, unix.SYS_READ)
	}
}

func TestPrepReentryFallsBackToTraced(t *testing.T) {
	b := newTestBuffer(t, DefaultBufferSize)

	res, ok := b.Prep(false)
	if !ok {
		t.Fatal("first Prep should succeed")
	}
	if _, ok := b.Prep(false); ok {
		t.Fatal("second concurrent Prep must fail: only one reservation may be outstanding")
	}

	// A signal handler that observed "cannot buffer" falls back to a
	// traced syscall and never calls Commit; the original reservation is
	// still valid for the interrupted code to finish normally.
	_, _, committed := b.Commit(res, uint32(unix.SYS_GETPID), 0, 0, false)
	if !committed {
		t.Fatal("the original reservation's Commit should still succeed")
	}
}

func TestCanCommitRejectsOverflow(t *testing.T) {
	// A buffer just barely large enough for the header, one minimal
	// record and the room CanCommit keeps for the high-water sentinel,
	// so a second reservation cannot fit.
	b := newTestBuffer(t, headerSize+2*minRecordSize)

	res, ok := b.Prep(false)
	if !ok {
		t.Fatal("Prep failed")
	}
	if !b.CanCommit(res, 0) {
		t.Fatal("a zero-length record should fit exactly")
	}
	if _, _, committed := b.Commit(res, uint32(unix.SYS_GETPID), 0, 0, false); !committed {
		t.Fatal("Commit failed")
	}

	res2, ok := b.Prep(false)
	if !ok {
		t.Fatal("second Prep should succeed (buffer is unlocked)")
	}
	if b.CanCommit(res2, 1) {
		t.Fatal("CanCommit should refuse a reservation with no room left for the high-water sentinel")
	}
	if b.Locked() {
		t.Fatal("CanCommit=false must unlock the buffer for the traced-syscall fallback")
	}
}

func TestAbortFromTracerDiscardsRecord(t *testing.T) {
	b := newTestBuffer(t, DefaultBufferSize)

	res, ok := b.Prep(false)
	if !ok {
		t.Fatal("Prep failed")
	}
	b.AbortFromTracer()

	_, _, committed := b.Commit(res, uint32(unix.SYS_READ), 0, 5, false)
	if committed {
		t.Fatal("Commit should discard the record once the tracer set abort_commit")
	}
	if b.NumRecBytes() != 0 {
		t.Fatalf("NumRecBytes = %d, want 0 after an aborted commit", b.NumRecBytes())
	}
}

func TestTranslateReturnErrnoConvention(t *testing.T) {
	cases := []struct {
		raw       int64
		wantRet   int64
		wantErrno unix.Errno
	}{
		{raw: 42, wantRet: 42, wantErrno: 0},
		{raw: -1, wantRet: -1, wantErrno: unix.Errno(1)},
		{raw: -int64(unix.EAGAIN), wantRet: -1, wantErrno: unix.EAGAIN},
		{raw: -maxErrno, wantRet: -1, wantErrno: unix.Errno(maxErrno)},
		{raw: -maxErrno - 1, wantRet: -maxErrno - 1, wantErrno: 0},
	}
	for _, c := range cases {
		ret, errno := translateReturn(c.raw)
		if ret != c.wantRet || errno != c.wantErrno {
			t.Errorf("translateReturn(%d) = (%d, %v), want (%d, %v)", c.raw, ret, errno, c.wantRet, c.wantErrno)
		}
	}
}

func TestRefillRoundTrip(t *testing.T) {
	src := newTestBuffer(t, DefaultBufferSize)
	res, _ := src.Prep(false)
	payload := []byte{1, 2, 3, 4}
	copy(src.mem[res.DataOffset():], payload)
	src.CanCommit(res, len(payload))
	src.Commit(res, uint32(unix.SYS_WRITE), len(payload), int64(len(payload)), false)
	flushed := src.DrainForFlush()

	dst := newTestBuffer(t, DefaultBufferSize)
	if err := dst.Refill(flushed); err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if dst.NumRecBytes() != uint32(len(flushed)) {
		t.Fatalf("NumRecBytes = %d, want %d", dst.NumRecBytes(), len(flushed))
	}
	records, err := ParseRecords(dst.mem[headerSize : headerSize+int(dst.NumRecBytes())])
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if len(records) != 1 || string(records[0].Data) != string(payload) {
		t.Fatalf("unexpected records after refill: %+v", records)
	}
}
