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
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/pkg/desched"
	"github.com/replaycore/rr/pkg/syscallbuf"
)

func newRecordEngine(t *testing.T) *Engine {
	t.Helper()
	buf, err := syscallbuf.New(make([]byte, syscallbuf.DefaultBufferSize))
	if err != nil {
		t.Fatalf("syscallbuf.New: %v", err)
	}
	dc := &desched.Counter{}
	return NewEngine(buf, dc, ModeRecord, nil)
}

func TestUntracedEntryIPStable(t *testing.T) {
	ip1 := UntracedEntryIP()
	ip2 := UntracedEntryIP()
	if ip1 == 0 {
		t.Fatal("UntracedEntryIP returned 0")
	}
	if ip1 != ip2 {
		t.Fatalf("UntracedEntryIP is not stable across calls: %x != %x", ip1, ip2)
	}
}

func TestMayBlockLookup(t *testing.T) {
	mayBlock, buffered := MayBlock(unix.SYS_READ)
	if !buffered || !mayBlock {
		t.Errorf("MayBlock(SYS_READ) = (%v, %v), want (true, true)", mayBlock, buffered)
	}
	mayBlock, buffered = MayBlock(unix.SYS_CLOCK_GETTIME)
	if !buffered || mayBlock {
		t.Errorf("MayBlock(SYS_CLOCK_GETTIME) = (%v, %v), want (false, true)", mayBlock, buffered)
	}
	_, buffered = MayBlock(unix.SYS_EXECVE)
	if buffered {
		t.Error("MayBlock(SYS_EXECVE) reported buffered, want not-buffered")
	}
}

func TestClockGettimeRoundTrip(t *testing.T) {
	e := newRecordEngine(t)
	var ts unix.Timespec
	_, errno, outcome := e.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	if outcome != OutcomeBuffered {
		t.Fatalf("outcome = %v, want OutcomeBuffered (errno %v)", outcome, errno)
	}
}

func TestReplayDivergesWithNoRecords(t *testing.T) {
	buf, err := syscallbuf.New(make([]byte, syscallbuf.DefaultBufferSize))
	if err != nil {
		t.Fatalf("syscallbuf.New: %v", err)
	}
	dc := &desched.Counter{}
	e := NewEngine(buf, dc, ModeReplay, nil)

	var ts unix.Timespec
	_, _, outcome := e.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	if outcome != OutcomeDivergence {
		t.Fatalf("outcome = %v, want OutcomeDivergence when the buffer has no refilled records", outcome)
	}
}

func TestReplayReproducesRecordedOutparam(t *testing.T) {
	buf, err := syscallbuf.New(make([]byte, syscallbuf.DefaultBufferSize))
	if err != nil {
		t.Fatalf("syscallbuf.New: %v", err)
	}
	res, ok := buf.Prep(false)
	if !ok {
		t.Fatal("Prep failed")
	}
	payload := []byte{9, 9, 9, 9, 9, 9, 9, 9, 1, 0, 0, 0, 0, 0, 0, 0}
	buf.CopyIn(res.DataOffset(), uintptr(unsafe.Pointer(&payload[0])), len(payload))
	if !buf.CanCommit(res, len(payload)) {
		t.Fatal("CanCommit failed")
	}
	if _, _, committed := buf.Commit(res, uint32(unix.SYS_CLOCK_GETTIME), len(payload), 0, false); !committed {
		t.Fatal("Commit failed")
	}

	dc := &desched.Counter{}
	e := NewEngine(buf, dc, ModeReplay, nil)
	var ts unix.Timespec
	_, _, outcome := e.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	if outcome != OutcomeBuffered {
		t.Fatalf("outcome = %v, want OutcomeBuffered", outcome)
	}
	if ts.Nsec != 1 {
		t.Fatalf("Nsec = %d, want 1 (recorded bytes were not delivered to the caller's struct)", ts.Nsec)
	}
}
